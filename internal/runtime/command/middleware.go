package command

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/taskflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
)

// Middleware wraps a command.
type Middleware func(Command) Command

// DefaultMiddleware is the chain a Microservice installs unless told
// otherwise.
func DefaultMiddleware(logger loggingpkg.ServiceLogger) []Middleware {
	return []Middleware{
		CorrelationID(),
		LogPayloads(logger),
		Tracer(nil),
		Recoverer(),
	}
}

// PanicError carries a panic recovered from a command.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("taskflow: command panicked: %v", e.Value)
}

// Recoverer converts panics into *PanicError.
func Recoverer() Middleware {
	return func(next Command) Command {
		return HandlerFunc(func(ctx context.Context, p *payloadpkg.Payload) (out []*payloadpkg.Payload, err error) {
			defer func() {
				if r := recover(); r != nil {
					out = nil
					err = &PanicError{Value: r, Stack: string(debug.Stack())}
				}
			}()
			return next.Execute(ctx, p)
		})
	}
}

// CorrelationID gives uncorrelated payloads a fresh correlation id and
// copies the request's id onto outputs that carry none.
func CorrelationID() Middleware {
	return func(next Command) Command {
		return HandlerFunc(func(ctx context.Context, p *payloadpkg.Payload) ([]*payloadpkg.Payload, error) {
			if p.CorrelationID() == "" {
				id := p.ID()
				stamped, err := p.Derive(func(o *payloadpkg.Options) {
					o.ID = id
					o.CorrelationID = idspkg.CreateULID()
				})
				if err != nil {
					return nil, err
				}
				p = stamped
			}

			outputs, err := next.Execute(ctx, p)
			if err != nil {
				return outputs, err
			}
			for i, out := range outputs {
				if out == nil || out.CorrelationID() != "" {
					continue
				}
				id := out.ID()
				stamped, derr := out.Derive(func(o *payloadpkg.Options) {
					o.ID = id
					o.CorrelationID = p.CorrelationID()
				})
				if derr != nil {
					return nil, derr
				}
				outputs[i] = stamped
			}
			return outputs, nil
		})
	}
}

// LogPayloads logs every payload handed to a command at debug level.
func LogPayloads(logger loggingpkg.ServiceLogger) Middleware {
	logger = loggingpkg.OrNop(logger)
	return func(next Command) Command {
		return HandlerFunc(func(ctx context.Context, p *payloadpkg.Payload) ([]*payloadpkg.Payload, error) {
			logger.Debug("Processing payload", loggingpkg.LogFields{
				"payload_id":     p.ID(),
				"channel":        p.ChannelID(),
				"message_type":   p.MessageType(),
				"action":         p.Action(),
				"correlation_id": p.CorrelationID(),
				"body_size":      p.BodyLen(),
				"metadata":       p.Metadata(),
			})
			return next.Execute(ctx, p)
		})
	}
}

// Tracer wraps command execution in an OpenTelemetry span. A nil provider
// uses the global one.
func Tracer(provider trace.TracerProvider) Middleware {
	return func(next Command) Command {
		return HandlerFunc(func(ctx context.Context, p *payloadpkg.Payload) ([]*payloadpkg.Payload, error) {
			tp := provider
			if tp == nil {
				tp = otel.GetTracerProvider()
			}
			ctx, span := tp.Tracer("github.com/drblury/taskflow/command").Start(ctx, "ExecuteCommand")
			defer span.End()

			span.SetAttributes(
				attribute.String("payload.id", p.ID()),
				attribute.String("payload.channel", p.ChannelID()),
				attribute.String("payload.message_type", p.MessageType()),
				attribute.String("payload.action", p.Action()),
				attribute.String("payload.correlation_id", p.CorrelationID()),
			)
			outputs, err := next.Execute(ctx, p)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.SetAttributes(attribute.Int("payload.outputs", len(outputs)))
			return outputs, err
		})
	}
}
