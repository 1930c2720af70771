// Package command routes payloads to the code that executes them.
//
// A command is registered under a Key made of the channel it listens on, a
// message type and an action. Resolution prefers the exact key, then the
// message type with any action, then any payload on the channel.
package command

import (
	"context"
	"errors"
	"fmt"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/taskflow/internal/runtime/metadata"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
)

// Wildcard matches any message type or action.
const Wildcard = "*"

var (
	// ErrNoResponseChannel is returned by Reply when the request names no
	// response channel.
	ErrNoResponseChannel = errors.New("taskflow: payload has no response channel")
	// ErrInvalidPayload marks payloads a command rejected as malformed.
	ErrInvalidPayload = errors.New("taskflow: invalid payload")
)

// Key identifies a command registration.
type Key struct {
	ChannelID   string
	MessageType string
	Action      string
}

// NewKey normalises empty message types and actions to Wildcard.
func NewKey(channelID, messageType, action string) Key {
	if messageType == "" {
		messageType = Wildcard
	}
	if action == "" {
		action = Wildcard
	}
	return Key{ChannelID: channelID, MessageType: messageType, Action: action}
}

func (k Key) String() string {
	return k.ChannelID + "/" + k.MessageType + "/" + k.Action
}

func (k Key) validate() error {
	if k.ChannelID == "" {
		return errspkg.ErrChannelRequired
	}
	if k.MessageType == Wildcard && k.Action != Wildcard {
		return fmt.Errorf("command %s: action cannot be set when message type is a wildcard", k)
	}
	return nil
}

// Command executes a payload and returns the payloads it produced.
// Outputs are routed by their channel id once the command succeeds.
type Command interface {
	Execute(ctx context.Context, p *payloadpkg.Payload) ([]*payloadpkg.Payload, error)
}

// HandlerFunc adapts a function to Command.
type HandlerFunc func(ctx context.Context, p *payloadpkg.Payload) ([]*payloadpkg.Payload, error)

func (f HandlerFunc) Execute(ctx context.Context, p *payloadpkg.Payload) ([]*payloadpkg.Payload, error) {
	return f(ctx, p)
}

// Reply builds the response to req. It is routed to the request's response
// channel and carries the same correlation id. The response message type and
// action come from the request headers when present.
func Reply(req *payloadpkg.Payload, body []byte, headers metadatapkg.Metadata) (*payloadpkg.Payload, error) {
	if req == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	target := req.ResponseChannel()
	if target == "" {
		return nil, fmt.Errorf("reply to %s: %w", req.ID(), ErrNoResponseChannel)
	}

	messageType := req.Header(metadatapkg.KeyResponseType)
	if messageType == "" {
		messageType = req.MessageType()
	}
	action := req.Header(metadatapkg.KeyResponseAction)
	if action == "" {
		action = req.Action()
	}

	md := metadatapkg.Metadata{}
	if ct := req.Header(metadatapkg.KeyContentType); ct != "" {
		md[metadatapkg.KeyContentType] = ct
	}
	md = md.WithAll(headers)

	return payloadpkg.New(payloadpkg.Options{
		ChannelID:     target,
		Priority:      req.Priority(),
		MessageType:   messageType,
		Action:        action,
		CorrelationID: req.CorrelationID(),
		Body:          body,
		Metadata:      md,
	})
}
