// Package task runs activity bodies as suspendable units of work over
// borrowed simulation state.
//
// Each simulation run owns one Runtime. The runtime parks every task on its
// own resume channel and only lets it proceed while the orchestrator is
// handling an event for it, so the simulated clock stays the single authority
// over progress. All task frames live in a run-scoped slab that is released
// in bulk when the run ends; no task, and nothing a task borrowed from the
// history store, outlives the run that created it.
package task

import (
	"errors"
	"sync"

	"github.com/skyhooklab/kestrel/history"
	"github.com/skyhooklab/kestrel/sim"
)

// ID identifies a task frame within a run.
type ID uint64

var (
	// ErrCanceled is returned from capability calls after the task has
	// been cancelled. Bodies are expected to return it promptly.
	ErrCanceled = errors.New("task canceled")

	// ErrWaitAbandoned marks a task that was still waiting on a
	// predicate when the event queue ran dry.
	ErrWaitAbandoned = errors.New("wait-until never satisfied")

	// ErrNegativeDelay is returned for delays or spawn offsets that would
	// travel back in time.
	ErrNegativeDelay = errors.New("negative simulated duration")
)

// ResumeReason says why a parked task is being resumed.
type ResumeReason int

const (
	// ResumeStart runs the task body for the first time.
	ResumeStart ResumeReason = iota

	// ResumeDelay fires when an explicit delay elapses.
	ResumeDelay

	// ResumeUnlock fires when a watched resource is written.
	ResumeUnlock

	// ResumeDeadline fires when a bounded wait reaches its deadline.
	ResumeDeadline

	// ResumeCancel unparks a cancelled task so it can unwind.
	ResumeCancel
)

// Scheduler is how the runtime re-enqueues simulated-time events. The
// simulation orchestrator implements it on top of the event engine.
type Scheduler interface {
	Now() sim.SimTime
	ScheduleResume(f *Frame, at sim.SimTime, reason ResumeReason)
}

// Observer receives task lifecycle notifications.
type Observer interface {
	TaskCompleted(f *Frame)
	TaskFaulted(f *Frame, err error)
}

// A RecordedDelta is one resource write performed by a task subtree, in
// application order.
type RecordedDelta struct {
	Resource history.ResourceID
	Time     sim.SimTime
	Value    any
}

// A SpawnRecord notes a child activity spawned by a task subtree. Detached
// children record into their own subtree, not this one.
type SpawnRecord struct {
	Type     string
	At       sim.SimTime
	Detached bool
}

// A FaultRecord annotates a task-level failure.
type FaultRecord struct {
	ActivityID string
	Time       sim.SimTime
	Message    string
}

// A Recording accumulates everything a plan activity's subtree did to the
// simulation. It is the raw material for a cache entry.
type Recording struct {
	mu     sync.Mutex
	deltas []RecordedDelta
	spawns []SpawnRecord
	faults []FaultRecord
}

func (rec *Recording) addDelta(d RecordedDelta) {
	rec.mu.Lock()
	rec.deltas = append(rec.deltas, d)
	rec.mu.Unlock()
}

func (rec *Recording) addSpawn(s SpawnRecord) {
	rec.mu.Lock()
	rec.spawns = append(rec.spawns, s)
	rec.mu.Unlock()
}

func (rec *Recording) addFault(f FaultRecord) {
	rec.mu.Lock()
	rec.faults = append(rec.faults, f)
	rec.mu.Unlock()
}

// Deltas returns the recorded writes in application order.
func (rec *Recording) Deltas() []RecordedDelta {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]RecordedDelta, len(rec.deltas))
	copy(out, rec.deltas)
	return out
}

// Spawns returns the recorded child spawns.
func (rec *Recording) Spawns() []SpawnRecord {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]SpawnRecord, len(rec.spawns))
	copy(out, rec.spawns)
	return out
}

// HasDetachedSpawns reports whether the subtree launched any detached
// children. Their effects are not part of this recording, so replaying it
// alone would not reproduce the full run.
func (rec *Recording) HasDetachedSpawns() bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, s := range rec.spawns {
		if s.Detached {
			return true
		}
	}
	return false
}

// Faults returns the recorded fault annotations.
func (rec *Recording) Faults() []FaultRecord {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]FaultRecord, len(rec.faults))
	copy(out, rec.faults)
	return out
}

// stamp composes a store sequence number from an event sequence and an
// intra-event write counter, so that writes are totally ordered by
// (event, program order) and reads can bound what they observe.
func stamp(eventSeq uint64, intra uint32) uint64 {
	return eventSeq<<16 | uint64(intra)
}
