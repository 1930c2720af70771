package datacollection

import (
	"context"
	"errors"
	"time"

	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
)

// Metric names emitted by the dispatcher events.
const (
	MetricPayloads     = "taskflow_payloads"
	MetricTaskDuration = "taskflow_task_duration"
	MetricStatistics   = "taskflow_statistics"
)

// Outcome labels attached to payload metrics.
const (
	OutcomeIncoming   = "incoming"
	OutcomeSucceeded  = "succeeded"
	OutcomeFailed     = "failed"
	OutcomeTimedOut   = "timed_out"
	OutcomeUnresolved = "unresolved"
	OutcomeException  = "exception"
)

func payloadEvent(level Level, msg string, p *payloadpkg.Payload, fields loggingpkg.LogFields) Event {
	ev := Event{Level: level, Message: msg, Fields: fields}
	if p != nil {
		ev.ChannelID = p.ChannelID()
		ev.PayloadID = p.ID()
		ev.CorrelationID = p.CorrelationID()
	}
	return ev
}

func payloadMetric(name string, kind MetricKind, value float64, p *payloadpkg.Payload, outcome string) Metric {
	labels := map[string]string{"outcome": outcome}
	if p != nil {
		labels["channel"] = p.ChannelID()
	}
	return Metric{Name: name, Kind: kind, Value: value, Labels: labels}
}

// PayloadIncoming records a payload accepted into an incoming channel.
func (c *Container) PayloadIncoming(ctx context.Context, p *payloadpkg.Payload) error {
	return errors.Join(
		c.Log(ctx, payloadEvent(LevelDebug, "Payload received", p, loggingpkg.LogFields{
			"priority":     p.Priority(),
			"message_type": p.MessageType(),
			"action":       p.Action(),
		})),
		c.Emit(ctx, payloadMetric(MetricPayloads, KindCounter, 1, p, OutcomeIncoming)),
	)
}

// PayloadComplete records the end of a task. outcome is one of the
// Outcome constants.
func (c *Container) PayloadComplete(ctx context.Context, p *payloadpkg.Payload, command string, delta time.Duration, outcome string, cause error) error {
	level := LevelDebug
	if cause != nil {
		level = LevelWarning
	}
	ev := payloadEvent(level, "Payload completed", p, loggingpkg.LogFields{
		"command":     command,
		"outcome":     outcome,
		"duration_ms": delta.Milliseconds(),
	})
	ev.Err = cause
	return errors.Join(
		c.Log(ctx, ev),
		c.Emit(ctx, payloadMetric(MetricPayloads, KindCounter, 1, p, outcome)),
		c.Emit(ctx, payloadMetric(MetricTaskDuration, KindDuration, delta.Seconds(), p, outcome)),
	)
}

// PayloadUnresolved records a payload no command could accept.
func (c *Container) PayloadUnresolved(ctx context.Context, p *payloadpkg.Payload, reason string) error {
	return errors.Join(
		c.Log(ctx, payloadEvent(LevelWarning, "Payload unresolved", p, loggingpkg.LogFields{
			"reason":       reason,
			"message_type": p.MessageType(),
			"action":       p.Action(),
		})),
		c.Emit(ctx, payloadMetric(MetricPayloads, KindCounter, 1, p, OutcomeUnresolved)),
	)
}

// PayloadException records a failure outside a command body, such as a
// transport or routing error.
func (c *Container) PayloadException(ctx context.Context, p *payloadpkg.Payload, err error) error {
	ev := payloadEvent(LevelError, "Payload exception", p, nil)
	ev.Err = err
	return errors.Join(
		c.Log(ctx, ev),
		c.Emit(ctx, payloadMetric(MetricPayloads, KindCounter, 1, p, OutcomeException)),
	)
}

// StatisticsIssued logs a statistics snapshot and emits its gauges.
func (c *Container) StatisticsIssued(ctx context.Context, stats any, gauges map[string]float64) error {
	errs := []error{c.Log(ctx, Event{
		Level:   LevelInfo,
		Message: "Statistics issued",
		Fields:  loggingpkg.LogFields{"statistics": stats},
	})}
	for name, value := range gauges {
		errs = append(errs, c.Emit(ctx, Metric{
			Name:   MetricStatistics,
			Kind:   KindGauge,
			Value:  value,
			Labels: map[string]string{"statistic": name},
		}))
	}
	return errors.Join(errs...)
}
