package persistence

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	commandpkg "github.com/drblury/taskflow/internal/runtime/command"
	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	"github.com/drblury/taskflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/taskflow/internal/runtime/metadata"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
	serializerpkg "github.com/drblury/taskflow/internal/runtime/serializer"
)

// Caller sends a request and waits for its correlated response.
// *command.Initiator implements it.
type Caller interface {
	Call(ctx context.Context, req *payloadpkg.Payload, timeout time.Duration) (*payloadpkg.Payload, error)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// ChannelID is the channel the remote handler listens on.
	ChannelID  string
	EntityType string
	Priority   int
	Timeout    time.Duration
}

// Client reaches a remote Handler through channels. Timeouts surface as a
// 503 response with IsTimeout set, like a backend timeout.
type Client[K comparable, E any] struct {
	caller Caller
	opts   ClientOptions
}

func NewClient[K comparable, E any](caller Caller, opts ClientOptions) (*Client[K, E], error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: persistence client caller", errspkg.ErrSenderRequired)
	}
	if opts.ChannelID == "" {
		return nil, errspkg.ErrChannelRequired
	}
	if opts.EntityType == "" {
		return nil, errors.New("taskflow: persistence entity type is required")
	}
	return &Client[K, E]{caller: caller, opts: opts}, nil
}

func (c *Client[K, E]) Create(ctx context.Context, entity E) (Response[K, E], error) {
	var zero K
	return c.do(ctx, ActionCreate, RequestEnvelope[K, E]{Key: zero, Entity: &entity})
}

func (c *Client[K, E]) Read(ctx context.Context, key K) (Response[K, E], error) {
	return c.do(ctx, ActionRead, RequestEnvelope[K, E]{Key: key})
}

func (c *Client[K, E]) Update(ctx context.Context, entity E, expectedVersion string) (Response[K, E], error) {
	var zero K
	return c.do(ctx, ActionUpdate, RequestEnvelope[K, E]{Key: zero, Entity: &entity, Version: expectedVersion})
}

func (c *Client[K, E]) Delete(ctx context.Context, key K, expectedVersion string) (Response[K, E], error) {
	return c.do(ctx, ActionDelete, RequestEnvelope[K, E]{Key: key, Version: expectedVersion})
}

func (c *Client[K, E]) Version(ctx context.Context, key K) (Response[K, E], error) {
	return c.do(ctx, ActionVersion, RequestEnvelope[K, E]{Key: key})
}

func (c *Client[K, E]) do(ctx context.Context, action string, env RequestEnvelope[K, E]) (Response[K, E], error) {
	res := Response[K, E]{Key: env.Key}
	body, err := jsoncodec.Marshal(env)
	if err != nil {
		res.Status = http.StatusBadRequest
		return res, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	req, err := payloadpkg.New(payloadpkg.Options{
		ChannelID:   c.opts.ChannelID,
		Priority:    c.opts.Priority,
		MessageType: c.opts.EntityType,
		Action:      action,
		Body:        body,
		Metadata:    metadatapkg.New(metadatapkg.KeyContentType, serializerpkg.ContentTypeJSON),
	})
	if err != nil {
		return res, err
	}

	resp, err := c.caller.Call(ctx, req, c.opts.Timeout)
	if errors.Is(err, commandpkg.ErrRequestTimedOut) {
		res.Status, res.IsTimeout = http.StatusServiceUnavailable, true
		return res, nil
	}
	if err != nil {
		res.Status = http.StatusServiceUnavailable
		return res, err
	}

	var reply ResponseEnvelope[K, E]
	if err := jsoncodec.Unmarshal(resp.Body(), &reply); err != nil {
		res.Status = http.StatusBadGateway
		return res, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	if reply.Error != "" {
		return reply.Response, fmt.Errorf("taskflow: remote %s %s: %s", c.opts.EntityType, action, reply.Error)
	}
	return reply.Response, nil
}
