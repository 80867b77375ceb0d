package task

import (
	"fmt"
	"strconv"
	"time"

	"github.com/skyhooklab/kestrel/history"
	"github.com/skyhooklab/kestrel/model"
	"github.com/skyhooklab/kestrel/sim"
)

// execContext exposes the capability set to one frame's body. All methods run
// on the body goroutine while the frame holds control.
type execContext struct {
	rt    *Runtime
	frame *Frame
}

var _ model.Context = (*execContext)(nil)

func (c *execContext) Now() sim.SimTime {
	return c.frame.now
}

func (c *execContext) Start() sim.SimTime {
	return c.frame.start
}

func (c *execContext) Read(id history.ResourceID) (any, error) {
	if c.frame.canceled.Load() {
		return nil, ErrCanceled
	}
	return c.rt.store.ReadAt(id, c.frame.now, c.frame.readStamp())
}

func (c *execContext) ReadRef(id history.ResourceID) (*history.Segment, error) {
	if c.frame.canceled.Load() {
		return nil, ErrCanceled
	}
	return c.rt.store.ReadRef(id, c.frame.now)
}

func (c *execContext) Write(id history.ResourceID, v any) error {
	f := c.frame
	if f.canceled.Load() {
		return ErrCanceled
	}

	if err := c.rt.store.Write(id, f.now, f.nextStamp(), v); err != nil {
		return err
	}

	f.root.recording.addDelta(RecordedDelta{
		Resource: id,
		Time:     f.now,
		Value:    v,
	})
	c.rt.NotifyWrite(id, f.now)
	return nil
}

func (c *execContext) Delay(d time.Duration) error {
	f := c.frame
	if f.canceled.Load() {
		return ErrCanceled
	}
	if d < 0 {
		return fmt.Errorf("%w: delay %v", ErrNegativeDelay, d)
	}
	if d == 0 {
		return nil
	}

	f.park(parkDelay, yieldMsg{kind: yieldDelay, until: f.now.Add(d)})

	if f.canceled.Load() {
		return ErrCanceled
	}
	return nil
}

func (c *execContext) WaitUntil(
	id history.ResourceID,
	pred func(any) bool,
) error {
	ok, err := c.WaitUntilDeadline(id, pred, sim.TimeNever)
	if err != nil {
		return err
	}
	if !ok {
		// Unreachable with an unbounded deadline; kept for safety.
		return ErrWaitAbandoned
	}
	return nil
}

func (c *execContext) WaitUntilDeadline(
	id history.ResourceID,
	pred func(any) bool,
	deadline sim.SimTime,
) (bool, error) {
	f := c.frame

	for {
		if f.canceled.Load() {
			return false, ErrCanceled
		}

		v, err := c.Read(id)
		if err != nil {
			return false, err
		}
		if pred(v) {
			return true, nil
		}
		if deadline != sim.TimeNever && f.now >= deadline {
			return false, nil
		}

		reason := f.park(parkWait, yieldMsg{
			kind:     yieldWait,
			res:      id,
			deadline: deadline,
		})

		switch reason {
		case ResumeCancel:
			return false, ErrCanceled
		case ResumeDeadline:
			return false, nil
		}
		// ResumeUnlock: the resource was written; loop and re-check.
	}
}

func (c *execContext) Spawn(spec model.SpawnSpec) error {
	f := c.frame
	if f.canceled.Load() {
		return ErrCanceled
	}
	if spec.Offset < 0 {
		return fmt.Errorf("%w: spawn offset %v", ErrNegativeDelay, spec.Offset)
	}

	at, err := c.rt.reg.ActivityType(spec.Type)
	if err != nil {
		return err
	}
	args, err := at.DecodeArgs(spec.Args)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", spec.Type, err)
	}

	f.mu.Lock()
	f.childCount++
	n := f.childCount
	f.mu.Unlock()

	childID := f.actID + "." + spec.Type + "#" + strconv.Itoa(n)
	start := f.now.Add(spec.Offset)

	f.root.recording.addSpawn(SpawnRecord{
		Type:     spec.Type,
		At:       start,
		Detached: spec.Detached,
	})
	c.rt.Launch(at, childID, args, start, f, spec.Detached)
	return nil
}
