package task

import (
	"sync"
	"sync/atomic"

	"github.com/skyhooklab/kestrel/history"
	"github.com/skyhooklab/kestrel/model"
	"github.com/skyhooklab/kestrel/sim"
)

type parkState int

const (
	parkNone parkState = iota
	parkDelay
	parkWait
)

type yieldKind int

const (
	yieldDelay yieldKind = iota
	yieldWait
	yieldDone
)

type yieldMsg struct {
	kind     yieldKind
	until    sim.SimTime
	res      history.ResourceID
	deadline sim.SimTime
	err      error
}

// A Frame is the run-scoped state of one task. The body goroutine and the
// runtime exchange control through the resume and yield channels; at any
// moment exactly one side is running.
type Frame struct {
	id       ID
	actID    string
	actType  model.ActivityType
	args     any
	start    sim.SimTime
	detached bool

	parent *Frame
	root   *Frame

	// recording is non-nil on subtree roots only.
	recording *Recording

	resume chan ResumeReason
	yield  chan yieldMsg

	canceled atomic.Bool

	// stepMu serializes orchestrator steps targeting this frame, so that
	// simultaneous unlock and deadline events cannot race under the
	// parallel engine.
	stepMu sync.Mutex

	mu              sync.Mutex
	started         bool
	bodyDone        bool
	completed       bool
	children        []*Frame
	pendingChildren int
	childCount      int
	err             error

	parked       parkState
	waitRes      history.ResourceID
	waitDeadline sim.SimTime

	// now and the write stamp counters are only touched while the frame
	// holds control, either by its body or by the step resuming it.
	now      sim.SimTime
	eventSeq uint64
	intraSeq uint32
}

// ID returns the frame's run-local identifier.
func (f *Frame) ID() ID { return f.id }

// ActivityID returns the activity instance identifier.
func (f *Frame) ActivityID() string { return f.actID }

// TypeName returns the activity type name.
func (f *Frame) TypeName() string { return f.actType.Name() }

// Start returns the simulated time the task was launched at.
func (f *Frame) Start() sim.SimTime { return f.start }

// Detached reports whether the task runs outside its parent's completion.
func (f *Frame) Detached() bool { return f.detached }

// IsRoot reports whether the frame is the root of a recorded subtree.
func (f *Frame) IsRoot() bool { return f.root == f }

// Recording returns the subtree recording for root frames and nil otherwise.
func (f *Frame) Recording() *Recording {
	if f.root == f {
		return f.recording
	}
	return nil
}

// Err returns the body's terminal error, if any.
func (f *Frame) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Completed reports whether the task and all awaited children are done.
func (f *Frame) Completed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// nextStamp allocates the store sequence number for the frame's next write.
func (f *Frame) nextStamp() uint64 {
	f.intraSeq++
	return stamp(f.eventSeq, f.intraSeq)
}

// readStamp bounds what the frame's reads observe: everything up to and
// including its own writes so far, nothing from later-sequenced events.
func (f *Frame) readStamp() uint64 {
	return stamp(f.eventSeq, f.intraSeq)
}

// park hands control back to the runtime and blocks until the next resume.
// Called from the body goroutine only.
func (f *Frame) park(state parkState, y yieldMsg) ResumeReason {
	f.mu.Lock()
	f.parked = state
	f.mu.Unlock()

	f.yield <- y
	reason := <-f.resume

	f.mu.Lock()
	f.parked = parkNone
	f.mu.Unlock()
	return reason
}
