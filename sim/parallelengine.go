package sim

import (
	"log"
	"reflect"
	"sync"
	"sync/atomic"
)

// A ParallelEngine is an Engine that fans same-time events out over
// goroutines.
//
// Events at strictly different times are still processed in time order; only
// events that share the exact same time are handled concurrently, one
// goroutine per event. Handlers that touch shared resources must arbitrate
// through the resource store, which serializes conflicting accesses. When
// same-time events conflict on a resource, the deterministic outcome is
// decided by sequence numbers at the store level, not by goroutine
// interleaving.
type ParallelEngine struct {
	HookableBase

	pauseLock sync.Mutex
	nowLock   sync.RWMutex
	now       SimTime

	queue     EventQueue
	nextSeq   uint64
	waitGroup sync.WaitGroup

	simulationEndHandlers []SimulationEndHandler
}

// NewParallelEngine creates a ParallelEngine.
func NewParallelEngine() *ParallelEngine {
	e := new(ParallelEngine)

	e.queue = NewEventQueue()

	return e
}

func (e *ParallelEngine) readNow() SimTime {
	e.nowLock.RLock()
	now := e.now
	e.nowLock.RUnlock()
	return now
}

func (e *ParallelEngine) writeNow(t SimTime) {
	e.nowLock.Lock()
	e.now = t
	e.nowLock.Unlock()
}

// Schedule registers an event to happen in the future.
func (e *ParallelEngine) Schedule(evt Event) {
	now := e.readNow()
	if evt.Time() < now {
		log.Panicf(
			"cannot schedule event in the past, evt %s @ %s, now %s",
			reflect.TypeOf(evt), evt.Time(), now)
	}

	seq := atomic.AddUint64(&e.nextSeq, 1)
	if s, ok := evt.(interface{ SetSequence(uint64) }); ok {
		s.SetSequence(seq)
	}

	e.queue.Push(evt)
}

// Run processes all the events scheduled in the ParallelEngine.
func (e *ParallelEngine) Run() error {
	for {
		if e.queue.Len() == 0 {
			return nil
		}

		e.pauseLock.Lock()
		e.runRound()
		e.pauseLock.Unlock()
	}
}

// runRound pops every event that shares the earliest pending time and runs
// them concurrently. Pops happen on a single goroutine, so sequence order
// within the round is preserved for anything that cares about it.
func (e *ParallelEngine) runRound() {
	evt := e.queue.Pop()
	e.writeNow(evt.Time())
	e.runEventWithTempWorker(evt)

	now := e.readNow()
	for e.queue.Len() > 0 {
		next := e.queue.Peek()
		if next.Time() > now {
			break
		}

		if next.Time() < now {
			log.Panicf(
				"cannot run event in the past, evt %s @ %s, now %s",
				reflect.TypeOf(next), next.Time(), now)
		}

		e.queue.Pop()
		e.runEventWithTempWorker(next)
	}

	e.waitGroup.Wait()
}

func (e *ParallelEngine) runEventWithTempWorker(evt Event) {
	e.waitGroup.Add(1)
	go e.tempWorkerRun(evt)
}

func (e *ParallelEngine) tempWorkerRun(evt Event) {
	hookCtx := HookCtx{
		Domain: e,
		Pos:    HookPosBeforeEvent,
		Item:   evt,
	}
	e.InvokeHook(hookCtx)

	handler := evt.Handler()
	_ = handler.Handle(evt)

	hookCtx.Pos = HookPosAfterEvent
	e.InvokeHook(hookCtx)

	e.waitGroup.Done()
}

// Pause prevents the engine from moving forward. Events scheduled at the
// current time may still be triggered.
func (e *ParallelEngine) Pause() {
	e.pauseLock.Lock()
}

// Continue allows the engine to continue making progress.
func (e *ParallelEngine) Continue() {
	e.pauseLock.Unlock()
}

// CurrentTime returns the current time at which the engine is at.
// Specifically, the run time of the current event.
func (e *ParallelEngine) CurrentTime() SimTime {
	return e.readNow()
}

// RegisterSimulationEndHandler registers a handler to be called after the
// simulation ends.
func (e *ParallelEngine) RegisterSimulationEndHandler(
	handler SimulationEndHandler,
) {
	e.simulationEndHandlers = append(e.simulationEndHandlers, handler)
}

// Finished should be called after the simulation completes. It calls all the
// registered SimulationEndHandlers.
func (e *ParallelEngine) Finished() {
	now := e.readNow()
	for _, h := range e.simulationEndHandlers {
		h.Handle(now)
	}
}
