package simulation

import (
	"github.com/skyhooklab/kestrel/history"
	"github.com/skyhooklab/kestrel/sim"
)

// A Result is the outcome of one simulated plan. The resource histories it
// wraps are immutable once the run finishes.
type Result struct {
	State       State
	Faults      []Fault
	CacheHits   int
	CacheMisses int
	EndTime     sim.SimTime

	store *history.Store
}

// Query returns the value of the resource effective at t.
func (r *Result) Query(id history.ResourceID, t sim.SimTime) (any, error) {
	return r.store.Read(id, t)
}

// QueryRange returns the segments of the resource overlapping [t0, t1).
func (r *Result) QueryRange(
	id history.ResourceID, t0, t1 sim.SimTime,
) ([]history.Segment, error) {
	return r.store.ReadRange(id, t0, t1)
}

// History returns the resource's full segment history.
func (r *Result) History(id history.ResourceID) ([]history.Segment, error) {
	return r.store.History(id)
}
