package simulation

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/skyhooklab/kestrel/cache"
	"github.com/skyhooklab/kestrel/history"
	"github.com/skyhooklab/kestrel/sim"
	"github.com/skyhooklab/kestrel/task"
)

// A run is the orchestrator of one plan simulation. It schedules task resume
// events, observes task completion to populate the cache, and collects
// faults. It implements sim.Handler, task.Scheduler and task.Observer.
type run struct {
	sim    *Simulation
	engine sim.Engine
	store  *history.Store
	rt     *task.Runtime
	log    *logrus.Entry

	// roots maps plan-level frames to their chained cache keys. Populated
	// before the engine starts, read-only afterwards.
	roots map[*task.Frame]cache.Key

	// replayStamp orders replayed writes below all live write stamps, so
	// same-time collisions between the cached prefix and live tasks
	// resolve with the prefix first.
	replayStamp uint64

	aborted atomic.Bool

	mu     sync.Mutex
	faults []Fault
	hits   int
	misses int
}

var _ sim.Handler = (*run)(nil)
var _ task.Scheduler = (*run)(nil)
var _ task.Observer = (*run)(nil)

func newRun(s *Simulation, engine sim.Engine, store *history.Store) *run {
	r := &run{
		sim:    s,
		engine: engine,
		store:  store,
		roots:  make(map[*task.Frame]cache.Key),
		log:    s.log.WithField("sim", s.id),
	}
	r.rt = task.NewRuntime(store, s.reg, r, r)
	return r
}

// Now implements task.Scheduler.
func (r *run) Now() sim.SimTime {
	return r.engine.CurrentTime()
}

// ScheduleResume implements task.Scheduler.
func (r *run) ScheduleResume(
	f *task.Frame, at sim.SimTime, reason task.ResumeReason,
) {
	r.engine.Schedule(newTaskEvent(at, r, f, reason))
}

// Handle implements sim.Handler for task and replay events.
func (r *run) Handle(e sim.Event) error {
	if r.aborted.Load() {
		return nil
	}

	switch evt := e.(type) {
	case *taskEvent:
		r.rt.Step(evt.frame, evt.reason, evt.Time(), evt.Sequence())
	case *replayEvent:
		r.rt.NotifyWrite(evt.res, evt.Time())
	}
	return nil
}

// TaskCompleted implements task.Observer. Completed plan-level subtrees are
// recorded into the cache under their chained key.
func (r *run) TaskCompleted(f *task.Frame) {
	if r.sim.cache == nil || !f.IsRoot() {
		return
	}

	// A cancelled subtree stopped short of its real effects; caching it
	// would replay the truncated version forever.
	if errors.Is(f.Err(), task.ErrCanceled) {
		return
	}
	key, ok := r.roots[f]
	if !ok {
		return
	}

	// A detached child writes into its own recording and may outlive this
	// frame, so the entry here cannot stand in for the whole subtree.
	rec := f.Recording()
	if rec.HasDetachedSpawns() {
		r.log.WithField("activity", f.ActivityID()).
			Debug("subtree with detached children not cached")
		return
	}

	entry, err := r.encodeEntry(rec)
	if err != nil {
		r.log.WithError(err).WithField("activity", f.ActivityID()).
			Warn("subtree not cached")
		return
	}
	r.sim.cache.Put(key, entry)
}

// TaskFaulted implements task.Observer.
func (r *run) TaskFaulted(f *task.Frame, err error) {
	now := r.engine.CurrentTime()

	r.mu.Lock()
	r.faults = append(r.faults, Fault{
		ActivityID: f.ActivityID(),
		Time:       now,
		Message:    err.Error(),
	})
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"activity": f.ActivityID(),
		"time":     now,
	}).WithError(err).Warn("activity faulted")

	if r.sim.policy == AbortOnFault {
		r.abort()
	}
}

// abort stops dispatching task events and cancels every live frame. Events
// already in the queue drain as no-ops; Drain winds the frames down.
func (r *run) abort() {
	if r.aborted.Swap(true) {
		return
	}
	r.log.Warn("aborting run on fault")
	for _, f := range r.rt.Frames() {
		r.rt.Cancel(f)
	}
}

// initHash folds every registered resource's identity, storage strategy and
// encoded initial condition into the base of the key chain. Resource types
// are visited in id order, so the hash is stable.
func (r *run) initHash() (cache.Key, error) {
	key := cache.Sum([]byte("kestrel/v1"))

	for _, rt := range r.sim.reg.ResourceTypes() {
		initial, err := rt.Codec.Encode(rt.Initial)
		if err != nil {
			return 0, fmt.Errorf(
				"encode initial condition of %s: %w", rt.ID, err)
		}
		var cp byte
		if rt.Copyable {
			cp = 1
		}
		key = cache.Chain(key, []byte(rt.ID), []byte{cp}, initial)
	}

	return key, nil
}

// encodeEntry converts a subtree recording into a cache entry, encoding each
// written value with its resource's codec.
func (r *run) encodeEntry(rec *task.Recording) (cache.Entry, error) {
	var e cache.Entry

	for _, d := range rec.Deltas() {
		rt, ok := r.sim.reg.ResourceType(d.Resource)
		if !ok {
			return cache.Entry{}, fmt.Errorf(
				"%w: %s", history.ErrUnknownResource, d.Resource)
		}
		data, err := rt.Codec.Encode(d.Value)
		if err != nil {
			return cache.Entry{}, fmt.Errorf(
				"encode %s: %w", d.Resource, err)
		}
		e.Deltas = append(e.Deltas, cache.Delta{
			Resource: d.Resource,
			Time:     d.Time,
			Value:    data,
		})
	}

	for _, s := range rec.Spawns() {
		e.Spawns = append(e.Spawns, cache.Spawn{Type: s.Type, At: s.At})
	}
	for _, f := range rec.Faults() {
		e.Faults = append(e.Faults, cache.Fault{
			ActivityID: f.ActivityID,
			Time:       f.Time,
			Message:    f.Message,
		})
	}

	return e, nil
}

// applyEntry replays a cached subtree by writing its recorded deltas
// directly into the store. All values are decoded before anything is
// applied, so a corrupt entry degrades to a miss without side effects.
func (r *run) applyEntry(e cache.Entry) error {
	type write struct {
		res history.ResourceID
		t   sim.SimTime
		v   any
	}

	writes := make([]write, 0, len(e.Deltas))
	for _, d := range e.Deltas {
		rt, ok := r.sim.reg.ResourceType(d.Resource)
		if !ok {
			return fmt.Errorf(
				"%w: %s", history.ErrUnknownResource, d.Resource)
		}
		v, err := rt.Codec.Decode(d.Value)
		if err != nil {
			return fmt.Errorf("decode %s: %w", d.Resource, err)
		}
		writes = append(writes, write{res: d.Resource, t: d.Time, v: v})
	}

	for _, w := range writes {
		r.replayStamp++
		if err := r.store.Write(w.res, w.t, r.replayStamp, w.v); err != nil {
			return err
		}

		// Wake whoever is watching the resource by then. A cold run
		// notifies from the live write; the replay must too, or a task
		// parked on the resource sleeps through the cached prefix.
		r.engine.Schedule(newReplayEvent(w.t, r, w.res))
	}

	r.mu.Lock()
	for _, f := range e.Faults {
		r.faults = append(r.faults, Fault{
			ActivityID: f.ActivityID,
			Time:       f.Time,
			Message:    f.Message,
		})
	}
	r.mu.Unlock()

	return nil
}

func (r *run) counts() (hits, misses, faults int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits, r.misses, len(r.faults)
}
