package sim

import (
	"reflect"

	"github.com/sirupsen/logrus"
)

// EventLogger is a hook that logs every event the engine dispatches.
type EventLogger struct {
	logger *logrus.Logger
}

// NewEventLogger returns a new EventLogger that writes to the given logger.
func NewEventLogger(logger *logrus.Logger) *EventLogger {
	return &EventLogger{logger: logger}
}

// Func writes the event information into the logger.
func (h *EventLogger) Func(ctx HookCtx) {
	if ctx.Pos != HookPosBeforeEvent {
		return
	}

	evt, ok := ctx.Item.(Event)
	if !ok {
		return
	}

	h.logger.WithFields(logrus.Fields{
		"time": evt.Time().String(),
		"seq":  evt.Sequence(),
	}).Debug(reflect.TypeOf(evt).String())
}
