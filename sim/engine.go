package sim

// An Engine is a unit that keeps the discrete event simulation run.
//
// The engine is the single authority over simulated time. The current time is
// always the time of the most recently popped event. Scheduling an event
// earlier than the current time is a programming error and the engine panics
// on it; time-travel is never silently tolerated.
type Engine interface {
	Hookable

	// Schedule registers an event to happen in the future, assigning it a
	// fresh sequence number.
	Schedule(e Event)

	// Run processes all the events in the queue until no event is left.
	Run() error

	// Pause prevents the engine from processing more events. Events
	// already dispatched may still complete.
	Pause()

	// Continue allows a paused engine to make progress again.
	Continue()

	// CurrentTime returns the current time at which the engine is at.
	// Specifically, the run time of the current event.
	CurrentTime() SimTime

	// RegisterSimulationEndHandler registers a handler to be called after
	// the simulation ends.
	RegisterSimulationEndHandler(handler SimulationEndHandler)

	// Finished is called after the simulation ends, invoking all the
	// registered simulation end handlers.
	Finished()
}

// A SimulationEndHandler is a handler that is called after the simulation
// ends.
type SimulationEndHandler interface {
	Handle(now SimTime)
}
