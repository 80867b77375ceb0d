package simulation

import (
	"github.com/skyhooklab/kestrel/history"
	"github.com/skyhooklab/kestrel/sim"
	"github.com/skyhooklab/kestrel/task"
)

// A taskEvent resumes one task frame. The run is the handler for all task
// events; the event's engine-assigned sequence number doubles as the write
// stamp base for everything the resumed task does during its turn.
type taskEvent struct {
	*sim.EventBase

	frame  *task.Frame
	reason task.ResumeReason
}

func newTaskEvent(
	t sim.SimTime,
	handler sim.Handler,
	frame *task.Frame,
	reason task.ResumeReason,
) *taskEvent {
	return &taskEvent{
		EventBase: sim.NewEventBase(t, handler),
		frame:     frame,
		reason:    reason,
	}
}

// A replayEvent republishes one replayed write at its original time. The
// value is already in the store; the event only exists so tasks watching the
// resource wake up exactly when they would have in a cold run.
type replayEvent struct {
	*sim.EventBase

	res history.ResourceID
}

func newReplayEvent(
	t sim.SimTime,
	handler sim.Handler,
	res history.ResourceID,
) *replayEvent {
	return &replayEvent{
		EventBase: sim.NewEventBase(t, handler),
		res:       res,
	}
}
