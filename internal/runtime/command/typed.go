package command

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/taskflow/internal/runtime/metadata"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
	serializerpkg "github.com/drblury/taskflow/internal/runtime/serializer"
)

// Request exposes a decoded payload body to typed commands.
type Request[T any] struct {
	Body    T
	Payload *payloadpkg.Payload
	Logger  loggingpkg.ServiceLogger
}

// CorrelationID is the correlation id of the underlying payload.
func (r Request[T]) CorrelationID() string { return r.Payload.CorrelationID() }

// Header returns a single header of the underlying payload.
func (r Request[T]) Header(key string) string { return r.Payload.Header(key) }

// TypedHandler processes a decoded request. A non-nil result is encoded and
// sent back to the request's response channel.
type TypedHandler[In any, Out any] func(ctx context.Context, req Request[In]) (Out, error)

// Typed builds a command that decodes bodies with s and encodes replies
// with it.
func Typed[In any, Out any](s serializerpkg.Serializer, logger loggingpkg.ServiceLogger, fn TypedHandler[In, Out]) (Command, error) {
	if fn == nil {
		return nil, errspkg.ErrCommandRequired
	}
	if s == nil {
		return nil, errspkg.ErrSerializerRequired
	}
	logger = loggingpkg.OrNop(logger)

	return HandlerFunc(func(ctx context.Context, p *payloadpkg.Payload) ([]*payloadpkg.Payload, error) {
		body, err := serializerpkg.Decode[In](s, p.Body())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}

		out, err := fn(ctx, Request[In]{Body: body, Payload: p, Logger: logger})
		if err != nil {
			return nil, err
		}
		if isNilValue(out) || p.ResponseChannel() == "" {
			return nil, nil
		}

		encoded, err := s.Serialize(out)
		if err != nil {
			return nil, err
		}
		reply, err := Reply(p, encoded, metadatapkg.New(metadatapkg.KeyContentType, s.ContentType()))
		if err != nil {
			return nil, err
		}
		return []*payloadpkg.Payload{reply}, nil
	}), nil
}

// JSON is Typed with the JSON serializer.
func JSON[In any, Out any](logger loggingpkg.ServiceLogger, fn TypedHandler[In, Out]) (Command, error) {
	return Typed(serializerpkg.JSON(), logger, fn)
}

func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return val.IsNil()
	default:
		return false
	}
}
