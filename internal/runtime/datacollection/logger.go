package datacollection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
)

// ServiceLoggerSink writes events and boundary traces to a ServiceLogger.
type ServiceLoggerSink struct {
	log        loggingpkg.ServiceLogger
	originator atomic.Pointer[string]
}

func NewServiceLoggerSink(log loggingpkg.ServiceLogger) *ServiceLoggerSink {
	return &ServiceLoggerSink{log: loggingpkg.OrNop(log)}
}

func (s *ServiceLoggerSink) SetOriginator(id string) { s.originator.Store(&id) }

func (s *ServiceLoggerSink) fields(base loggingpkg.LogFields, extra loggingpkg.LogFields) loggingpkg.LogFields {
	out := make(loggingpkg.LogFields, len(base)+len(extra)+1)
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if v != "" {
			out[k] = v
		}
	}
	if id := s.originator.Load(); id != nil {
		out["originator"] = *id
	}
	return out
}

func (s *ServiceLoggerSink) Log(_ context.Context, ev Event) error {
	fields := s.fields(ev.Fields, loggingpkg.LogFields{
		"channel":        ev.ChannelID,
		"payload_id":     ev.PayloadID,
		"correlation_id": ev.CorrelationID,
	})
	switch ev.Level {
	case LevelError:
		s.log.Error(ev.Message, ev.Err, fields)
	case LevelWarning:
		if ev.Err != nil {
			fields["error"] = ev.Err.Error()
		}
		s.log.Info(ev.Message, fields)
	case LevelInfo:
		s.log.Info(ev.Message, fields)
	default:
		s.log.Debug(ev.Message, fields)
	}
	return nil
}

func (s *ServiceLoggerSink) BoundaryLog(_ context.Context, tr BoundaryTrace) error {
	fields := s.fields(loggingpkg.LogFields{"size": tr.Size}, loggingpkg.LogFields{
		"direction":      string(tr.Direction),
		"transport":      tr.Transport,
		"channel":        tr.ChannelID,
		"topic":          tr.Topic,
		"payload_id":     tr.PayloadID,
		"correlation_id": tr.CorrelationID,
		"message_type":   tr.MessageType,
		"action":         tr.Action,
	})
	if tr.Err != nil {
		s.log.Error("Boundary transfer failed", tr.Err, fields)
		return nil
	}
	s.log.Trace("Boundary transfer", fields)
	return nil
}

// DefaultBufferThreshold is the backlog at which BufferedLogger asks the
// scheduler for a flush.
const DefaultBufferThreshold = 64

// BufferedLogger queues events in memory and forwards them to an inner
// logger when the scheduler calls Process. When the buffer is full the
// oldest events are dropped and counted.
type BufferedLogger struct {
	inner     Logger
	capacity  int
	threshold int

	mu      sync.Mutex
	buffer  []pendingEvent
	dropped atomic.Uint64
}

type pendingEvent struct {
	ctx   context.Context
	event Event
}

// NewBufferedLogger buffers up to capacity events and reports backlog once
// threshold events are queued. Non-positive values take defaults.
func NewBufferedLogger(inner Logger, capacity, threshold int) *BufferedLogger {
	if capacity <= 0 {
		capacity = 4 * DefaultBufferThreshold
	}
	if threshold <= 0 || threshold > capacity {
		threshold = min(DefaultBufferThreshold, capacity)
	}
	return &BufferedLogger{inner: inner, capacity: capacity, threshold: threshold}
}

func (b *BufferedLogger) Log(ctx context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buffer) >= b.capacity {
		b.buffer = b.buffer[1:]
		b.dropped.Add(1)
	}
	b.buffer = append(b.buffer, pendingEvent{ctx: context.WithoutCancel(ctx), event: ev})
	return nil
}

// Pending is the number of queued events.
func (b *BufferedLogger) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Dropped counts events discarded because the buffer was full.
func (b *BufferedLogger) Dropped() uint64 { return b.dropped.Load() }

func (b *BufferedLogger) CanProcess() bool {
	return b.Pending() >= b.threshold
}

// Process forwards every queued event to the inner logger.
func (b *BufferedLogger) Process(_ context.Context) error {
	b.mu.Lock()
	batch := b.buffer
	b.buffer = nil
	b.mu.Unlock()

	if b.inner == nil {
		return nil
	}
	var errs []error
	for _, pe := range batch {
		if err := b.inner.Log(pe.ctx, pe.event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *BufferedLogger) Start(context.Context) error { return nil }

// Stop flushes whatever is still queued, regardless of the threshold.
func (b *BufferedLogger) Stop(ctx context.Context) error {
	return b.Process(ctx)
}
