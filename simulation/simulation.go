// Package simulation orchestrates plan simulations: it owns the engine, the
// per-run history store and task runtime, the incremental cache, and the
// fault policy.
package simulation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/skyhooklab/kestrel/cache"
	"github.com/skyhooklab/kestrel/history"
	"github.com/skyhooklab/kestrel/model"
	"github.com/skyhooklab/kestrel/monitoring"
	"github.com/skyhooklab/kestrel/sim"
)

// ErrRunInProgress is returned when Simulate is called while another run is
// still executing.
var ErrRunInProgress = errors.New("a run is already in progress")

// ErrNoRun is returned by live queries before the first run starts.
var ErrNoRun = errors.New("no run available")

// A Simulation simulates plans against one model registry. Runs are
// sequential; the cache carries recorded subtrees from one run to the next,
// so re-simulating a lightly edited plan skips the unchanged prefix.
type Simulation struct {
	id          string
	reg         *model.Registry
	cache       cache.Store
	policy      FaultPolicy
	parallel    bool
	traceEvents bool
	log         *logrus.Logger
	monitor     *monitoring.Monitor

	// ownsCache marks a cache store opened by the builder, closed again
	// in Terminate.
	ownsCache bool

	mu      sync.Mutex
	state   State
	current *run
}

// ID returns the simulation's unique id.
func (s *Simulation) ID() string {
	return s.id
}

// Registry returns the model registry the simulation runs against.
func (s *Simulation) Registry() *model.Registry {
	return s.reg
}

// CacheStore returns the cache store, nil when caching is disabled.
func (s *Simulation) CacheStore() cache.Store {
	return s.cache
}

// Monitor returns the monitor, nil when monitoring is disabled.
func (s *Simulation) Monitor() *monitoring.Monitor {
	return s.monitor
}

// State returns the current run state.
func (s *Simulation) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Simulation) newEngine() sim.Engine {
	var e sim.Engine
	if s.parallel {
		e = sim.NewParallelEngine()
	} else {
		e = sim.NewSerialEngine()
	}

	if s.traceEvents {
		e.AcceptHook(sim.NewEventLogger(s.log))
	}
	return e
}

// Simulate runs the plan to completion and returns its result. The same
// Simulation can simulate many plans in turn, each against fresh initial
// conditions but a shared cache.
func (s *Simulation) Simulate(plan model.Plan) (*Result, error) {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	s.state = StateRunning
	s.mu.Unlock()

	res, err := s.simulate(plan)

	s.mu.Lock()
	if err != nil {
		s.state = StateIdle
	} else {
		s.state = res.State
	}
	s.mu.Unlock()

	return res, err
}

func (s *Simulation) simulate(plan model.Plan) (*Result, error) {
	engine := s.newEngine()
	store := history.NewStore()

	for _, rt := range s.reg.ResourceTypes() {
		err := store.Create(rt.ID, rt.Copyable, rt.Initial, sim.Epoch)
		if err != nil {
			return nil, err
		}
	}

	r := newRun(s, engine, store)
	s.mu.Lock()
	s.current = r
	s.mu.Unlock()

	if s.cache != nil {
		engine.RegisterSimulationEndHandler(cacheFlusher{
			store: s.cache,
			log:   r.log,
		})
	}

	key, err := r.initHash()
	if err != nil {
		return nil, err
	}

	type launch struct {
		id   string
		act  model.ActivityRecord
		typ  model.ActivityType
		args any
		key  cache.Key
	}

	var launches []launch
	prefixBroken := false

	for i, act := range plan.Sorted() {
		typ, err := s.reg.ActivityType(act.Type)
		if err != nil {
			return nil, err
		}
		key = cache.Chain(key, act.CanonicalBytes())

		if !prefixBroken && s.cache != nil {
			hit := false
			if entry, ok := s.cache.Get(key); ok {
				if err := r.applyEntry(entry); err == nil {
					hit = true
				} else {
					r.log.WithError(err).
						Warn("discarding cache entry")
				}
			}
			if hit {
				r.hits++
				continue
			}
			prefixBroken = true
		}

		args, err := typ.DecodeArgs(act.Args)
		if err != nil {
			return nil, fmt.Errorf("activity %s: %w", act.ID, err)
		}

		id := act.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", act.Type, i+1)
		}
		launches = append(launches, launch{
			id: id, act: act, typ: typ, args: args, key: key,
		})
	}

	for _, l := range launches {
		r.misses++
		f := r.rt.Launch(l.typ, l.id, l.args,
			sim.Epoch.Add(l.act.StartOffset), nil, false)
		r.roots[f] = l.key
	}

	r.log.WithFields(logrus.Fields{
		"plan":       plan.Name,
		"activities": len(plan.Activities),
		"replayed":   r.hits,
		"simulated":  r.misses,
	}).Info("run started")

	runErr := engine.Run()
	r.rt.Drain()
	engine.Finished()
	if runErr != nil {
		return nil, runErr
	}

	hits, misses, _ := r.counts()
	r.mu.Lock()
	faults := make([]Fault, len(r.faults))
	copy(faults, r.faults)
	r.mu.Unlock()

	state := StateCompleted
	if len(faults) > 0 {
		state = StateFaulted
	}

	r.log.WithFields(logrus.Fields{
		"plan":   plan.Name,
		"end":    engine.CurrentTime(),
		"faults": len(faults),
		"state":  state,
	}).Info("run finished")

	return &Result{
		State:       state,
		Faults:      faults,
		CacheHits:   hits,
		CacheMisses: misses,
		EndTime:     engine.CurrentTime(),
		store:       store,
	}, nil
}

// cacheFlusher persists buffered cache entries once a run's event queue has
// drained. Stores without a Flush method have nothing buffered.
type cacheFlusher struct {
	store cache.Store
	log   *logrus.Entry
}

func (c cacheFlusher) Handle(now sim.SimTime) {
	f, ok := c.store.(interface{ Flush() error })
	if !ok {
		return
	}
	if err := f.Flush(); err != nil {
		c.log.WithError(err).Warn("cache flush failed")
	}
}

// Terminate releases everything the builder opened for the simulation.
func (s *Simulation) Terminate() {
	if s.monitor != nil {
		s.monitor.StopServer()
	}
	if s.ownsCache {
		if c, ok := s.cache.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				s.log.WithError(err).Warn("cache close failed")
			}
		}
	}
}

func (s *Simulation) currentRun() *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Status implements monitoring.Target.
func (s *Simulation) Status() monitoring.Status {
	s.mu.Lock()
	r := s.current
	st := s.state
	s.mu.Unlock()

	status := monitoring.Status{ID: s.id, State: st.String()}
	if r != nil {
		status.Now = r.engine.CurrentTime()
		status.CacheHits, status.CacheMisses, status.Faults = r.counts()

		frames := r.rt.Frames()
		status.Tasks = len(frames)
		for _, f := range frames {
			if f.Completed() {
				status.Completed++
			}
		}
	}
	return status
}

// Pause implements monitoring.Target.
func (s *Simulation) Pause() {
	if r := s.currentRun(); r != nil {
		r.engine.Pause()
	}
}

// Continue implements monitoring.Target.
func (s *Simulation) Continue() {
	if r := s.currentRun(); r != nil {
		r.engine.Continue()
	}
}

// Resources implements monitoring.Target.
func (s *Simulation) Resources() []history.ResourceID {
	r := s.currentRun()
	if r == nil {
		return nil
	}
	return r.store.Resources()
}

// ResourceAt implements monitoring.Target.
func (s *Simulation) ResourceAt(
	id history.ResourceID, t sim.SimTime,
) (any, error) {
	r := s.currentRun()
	if r == nil {
		return nil, ErrNoRun
	}
	return r.store.Read(id, t)
}

// ResourceRange implements monitoring.Target.
func (s *Simulation) ResourceRange(
	id history.ResourceID, t0, t1 sim.SimTime,
) ([]history.Segment, error) {
	r := s.currentRun()
	if r == nil {
		return nil, ErrNoRun
	}
	return r.store.ReadRange(id, t0, t1)
}
