package simulation

import "github.com/skyhooklab/kestrel/sim"

// A Fault is a task-level failure observed during a run. Faults are values,
// not errors: the run carries on under the default policy and reports them
// in the result.
type Fault struct {
	ActivityID string
	Time       sim.SimTime
	Message    string
}

// FaultPolicy selects how a run reacts to a task fault.
type FaultPolicy int

const (
	// ContinueOnFault cancels the faulted subtree and keeps simulating
	// its siblings.
	ContinueOnFault FaultPolicy = iota

	// AbortOnFault cancels the whole run at the first fault.
	AbortOnFault
)

// State is the run state of a Simulation.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	}
	return "unknown"
}
