package sim

// An Event is something going to happen in the future.
//
// Events are totally ordered by (time, sequence). The sequence number is a
// monotonically increasing insertion counter assigned by the engine when the
// event is scheduled, which gives simultaneous events a deterministic
// processing order.
type Event interface {
	// Time returns the time that the event should happen.
	Time() SimTime

	// Sequence returns the insertion counter assigned at scheduling time.
	Sequence() uint64

	// Handler returns the handler that should handle the event.
	Handler() Handler
}

// EventBase provides the basic fields and getters for other events.
type EventBase struct {
	ID       string
	time     SimTime
	sequence uint64
	handler  Handler
}

// NewEventBase creates a new EventBase.
func NewEventBase(t SimTime, handler Handler) *EventBase {
	e := new(EventBase)
	e.ID = GetIDGenerator().Generate()
	e.time = t
	e.handler = handler
	return e
}

// Time returns the time that the event is going to happen.
func (e *EventBase) Time() SimTime {
	return e.time
}

// Sequence returns the engine-assigned insertion counter.
func (e *EventBase) Sequence() uint64 {
	return e.sequence
}

// SetSequence records the insertion counter. It is called by the engine once,
// when the event is scheduled.
func (e *EventBase) SetSequence(seq uint64) {
	e.sequence = seq
}

// SetHandler sets which handler handles the event.
func (e *EventBase) SetHandler(h Handler) {
	e.handler = h
}

// Handler returns the handler to handle the event.
func (e *EventBase) Handler() Handler {
	return e.handler
}

// A Handler defines a domain for the events.
//
// One event is always constrained to one Handler; the event can only be
// scheduled by that handler and can only directly modify that handler's
// state.
type Handler interface {
	Handle(e Event) error
}
