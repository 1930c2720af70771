package scheduler

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
)

// TaskContext describes a task to hooks.
type TaskContext struct {
	TrackerID     string
	Command       string
	ChannelID     string
	PayloadID     string
	CorrelationID string
	Priority      int
	Context       context.Context
	StartedAt     time.Time
	// Duration is set for OnTaskDone and OnTaskError.
	Duration time.Duration
	// Outcome is set for OnTaskDone and OnTaskError.
	Outcome string
}

// TaskHooks are optional callbacks around task execution. Panics inside a
// hook are recovered and logged.
type TaskHooks struct {
	OnTaskStart func(ctx TaskContext)
	OnTaskDone  func(ctx TaskContext)
	OnTaskError func(ctx TaskContext, err error)
}

// Merge combines two TaskHooks; hooks from other run after those from h.
func (h TaskHooks) Merge(other TaskHooks) TaskHooks {
	return TaskHooks{
		OnTaskStart: chain(h.OnTaskStart, other.OnTaskStart),
		OnTaskDone:  chain(h.OnTaskDone, other.OnTaskDone),
		OnTaskError: chainError(h.OnTaskError, other.OnTaskError),
	}
}

func chain(a, b func(TaskContext)) func(TaskContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext) {
		a(ctx)
		b(ctx)
	}
}

func chainError(a, b func(TaskContext, error)) func(TaskContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks logs task lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) TaskHooks {
	logger = loggingpkg.OrNop(logger)
	return TaskHooks{
		OnTaskStart: func(ctx TaskContext) {
			logger.Debug("Task started", loggingpkg.LogFields{
				"tracker_id": ctx.TrackerID,
				"command":    ctx.Command,
				"channel":    ctx.ChannelID,
				"payload_id": ctx.PayloadID,
			})
		},
		OnTaskDone: func(ctx TaskContext) {
			logger.Debug("Task completed", loggingpkg.LogFields{
				"tracker_id":  ctx.TrackerID,
				"command":     ctx.Command,
				"payload_id":  ctx.PayloadID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnTaskError: func(ctx TaskContext, err error) {
			logger.Error("Task failed", err, loggingpkg.LogFields{
				"tracker_id":  ctx.TrackerID,
				"command":     ctx.Command,
				"payload_id":  ctx.PayloadID,
				"outcome":     ctx.Outcome,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}
