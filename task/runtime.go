package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/skyhooklab/kestrel/history"
	"github.com/skyhooklab/kestrel/model"
	"github.com/skyhooklab/kestrel/sim"
)

// Runtime owns all task frames of one simulation run. It resumes parked
// tasks when the orchestrator hands it an event, watches resources for
// predicate waits, and tears the whole slab down when the run ends.
type Runtime struct {
	store *history.Store
	reg   *model.Registry
	sched Scheduler
	obs   Observer

	mu       sync.Mutex
	frames   []*Frame
	nextID   uint64
	watchers map[history.ResourceID]map[*Frame]struct{}

	wg sync.WaitGroup
}

// NewRuntime creates a runtime bound to one run's store and scheduler.
func NewRuntime(
	store *history.Store,
	reg *model.Registry,
	sched Scheduler,
	obs Observer,
) *Runtime {
	return &Runtime{
		store:    store,
		reg:      reg,
		sched:    sched,
		obs:      obs,
		watchers: make(map[history.ResourceID]map[*Frame]struct{}),
	}
}

// Launch allocates a frame in the run slab and schedules its first step.
// A nil parent marks a plan-level activity. Detached children get their own
// recording root and do not hold up the parent's completion.
func (r *Runtime) Launch(
	at model.ActivityType,
	actID string,
	args any,
	start sim.SimTime,
	parent *Frame,
	detached bool,
) *Frame {
	r.mu.Lock()
	r.nextID++
	f := &Frame{
		id:           ID(r.nextID),
		actID:        actID,
		actType:      at,
		args:         args,
		start:        start,
		parent:       parent,
		detached:     detached,
		resume:       make(chan ResumeReason),
		yield:        make(chan yieldMsg),
		waitDeadline: sim.TimeNever,
	}
	if parent == nil || detached {
		f.root = f
		f.recording = &Recording{}
	} else {
		f.root = parent.root
	}
	r.frames = append(r.frames, f)
	r.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, f)
		if !detached {
			parent.pendingChildren++
		}
		parent.mu.Unlock()

		if parent.canceled.Load() {
			f.canceled.Store(true)
		}
	}

	r.sched.ScheduleResume(f, start, ResumeStart)
	return f
}

// Frames returns the frames launched so far, in launch order.
func (r *Runtime) Frames() []*Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

// Step gives the frame one turn of execution. The orchestrator calls it from
// the handler of the event that targets the frame; now and eventSeq come
// from that event. Stale events, such as a deadline firing after the wait
// was already satisfied, are ignored.
func (r *Runtime) Step(
	f *Frame,
	reason ResumeReason,
	now sim.SimTime,
	eventSeq uint64,
) {
	f.stepMu.Lock()
	defer f.stepMu.Unlock()

	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}

	switch reason {
	case ResumeStart:
		f.started = true
		f.mu.Unlock()
		if f.canceled.Load() {
			r.finish(f, ErrCanceled)
			return
		}
		f.now, f.eventSeq, f.intraSeq = now, eventSeq, 0
		r.wg.Add(1)
		go r.runBody(f)
		r.awaitYield(f)

	case ResumeDelay:
		if f.parked != parkDelay {
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()
		f.now, f.eventSeq, f.intraSeq = now, eventSeq, 0
		f.resume <- reason
		r.awaitYield(f)

	case ResumeUnlock, ResumeDeadline, ResumeCancel:
		if f.parked != parkWait {
			f.mu.Unlock()
			return
		}
		if reason == ResumeDeadline && now < f.waitDeadline {
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()
		r.unwatch(f)
		f.now, f.eventSeq, f.intraSeq = now, eventSeq, 0
		f.resume <- reason
		r.awaitYield(f)
	}
}

func (r *Runtime) runBody(f *Frame) {
	defer r.wg.Done()

	ctx := &execContext{rt: r, frame: f}
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("activity %s panicked: %v", f.actID, p)
			}
		}()
		err = f.actType.Run(ctx, f.args)
	}()

	f.yield <- yieldMsg{kind: yieldDone, err: err}
}

// awaitYield blocks until the running frame hands control back, then acts on
// what it asked for.
func (r *Runtime) awaitYield(f *Frame) {
	y := <-f.yield

	switch y.kind {
	case yieldDelay:
		r.sched.ScheduleResume(f, y.until, ResumeDelay)

	case yieldWait:
		f.mu.Lock()
		f.waitRes = y.res
		f.waitDeadline = y.deadline
		f.mu.Unlock()
		r.watch(f, y.res)
		if y.deadline != sim.TimeNever {
			r.sched.ScheduleResume(f, y.deadline, ResumeDeadline)
		}

	case yieldDone:
		r.finish(f, y.err)
	}
}

func (r *Runtime) finish(f *Frame, err error) {
	f.mu.Lock()
	f.bodyDone = true
	f.err = err
	f.mu.Unlock()

	if err != nil && !errors.Is(err, ErrCanceled) {
		f.root.recording.addFault(FaultRecord{
			ActivityID: f.actID,
			Time:       f.now,
			Message:    err.Error(),
		})
		r.obs.TaskFaulted(f, err)
		r.cancelChildren(f)
	}

	r.maybeComplete(f)
}

// maybeComplete marks the frame done once its body has returned and every
// awaited child has completed, then propagates upward.
func (r *Runtime) maybeComplete(f *Frame) {
	f.mu.Lock()
	if f.completed || !f.bodyDone || f.pendingChildren > 0 {
		f.mu.Unlock()
		return
	}
	f.completed = true
	parent := f.parent
	f.mu.Unlock()

	r.obs.TaskCompleted(f)

	if parent != nil && !f.detached {
		parent.mu.Lock()
		parent.pendingChildren--
		parent.mu.Unlock()
		r.maybeComplete(parent)
	}
}

// Cancel flags the frame and its whole subtree. Tasks parked on a predicate
// are unparked promptly; everything else observes the flag at its next
// capability call.
func (r *Runtime) Cancel(f *Frame) {
	if f.canceled.Swap(true) {
		return
	}
	r.cancelChildren(f)

	f.mu.Lock()
	parked := f.parked
	completed := f.completed
	f.mu.Unlock()

	if !completed && parked == parkWait {
		r.sched.ScheduleResume(f, r.sched.Now(), ResumeCancel)
	}
}

func (r *Runtime) cancelChildren(f *Frame) {
	f.mu.Lock()
	children := make([]*Frame, len(f.children))
	copy(children, f.children)
	f.mu.Unlock()

	for _, c := range children {
		r.Cancel(c)
	}
}

// Drain forcibly winds down every live frame after the engine has stopped.
// Tasks still waiting on a predicate are recorded as faulted, then cancelled
// and resumed until their bodies return. Drain blocks until every body
// goroutine has exited and then releases the frame slab.
func (r *Runtime) Drain() {
	for {
		progressed := false

		r.mu.Lock()
		frames := make([]*Frame, len(r.frames))
		copy(frames, r.frames)
		r.mu.Unlock()

		for _, f := range frames {
			if r.drainFrame(f) {
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	r.wg.Wait()

	r.mu.Lock()
	r.frames = nil
	r.watchers = make(map[history.ResourceID]map[*Frame]struct{})
	r.mu.Unlock()
}

func (r *Runtime) drainFrame(f *Frame) bool {
	f.stepMu.Lock()
	defer f.stepMu.Unlock()

	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	if !f.started {
		f.started = true
		f.mu.Unlock()
		f.canceled.Store(true)
		r.finish(f, ErrCanceled)
		return true
	}
	state := f.parked
	f.mu.Unlock()

	if state == parkNone {
		// Running or waiting on children; completion cascades from
		// the children's own drain.
		return false
	}

	if state == parkWait {
		r.unwatch(f)
		if !f.canceled.Load() {
			err := fmt.Errorf("%w: resource %s",
				ErrWaitAbandoned, f.waitRes)
			f.root.recording.addFault(FaultRecord{
				ActivityID: f.actID,
				Time:       r.sched.Now(),
				Message:    err.Error(),
			})
			r.obs.TaskFaulted(f, err)
		}
	}
	f.canceled.Store(true)

	for {
		f.resume <- ResumeCancel
		y := <-f.yield
		if y.kind == yieldDone {
			r.finish(f, y.err)
			return true
		}
		// The body parked again instead of unwinding; keep poking it.
	}
}

func (r *Runtime) watch(f *Frame, res history.ResourceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[res]
	if !ok {
		set = make(map[*Frame]struct{})
		r.watchers[res] = set
	}
	set[f] = struct{}{}
}

func (r *Runtime) unwatch(f *Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.watchers {
		delete(set, f)
	}
}

// NotifyWrite wakes watchers of a resource written at time t. Targets are
// resumed in launch order so that wake-up sequencing does not depend on map
// iteration. Live writes go through it automatically; the orchestrator calls
// it directly when a write enters the store from a replayed cache entry.
func (r *Runtime) NotifyWrite(res history.ResourceID, t sim.SimTime) {
	r.mu.Lock()
	targets := make([]*Frame, 0, len(r.watchers[res]))
	for f := range r.watchers[res] {
		targets = append(targets, f)
	}
	r.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].id < targets[j].id
	})
	for _, f := range targets {
		r.sched.ScheduleResume(f, t, ResumeUnlock)
	}
}
