package persistence

import (
	"context"
	"fmt"
	"net/http"

	commandpkg "github.com/drblury/taskflow/internal/runtime/command"
	"github.com/drblury/taskflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/taskflow/internal/runtime/metadata"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
	serializerpkg "github.com/drblury/taskflow/internal/runtime/serializer"
)

// RequestEnvelope is the JSON body of a persistence request payload. The
// operation is taken from the payload action.
type RequestEnvelope[K comparable, E any] struct {
	Key     K      `json:"key"`
	Entity  *E     `json:"entity,omitempty"`
	Version string `json:"version,omitempty"`
}

// ResponseEnvelope is the JSON body of a persistence reply.
type ResponseEnvelope[K comparable, E any] struct {
	Response[K, E]
	Error string `json:"error,omitempty"`
}

// Key is the registration key serving every action for the entity type
// on channelID.
func (h *Handler[K, E]) Key(channelID string) commandpkg.Key {
	return commandpkg.NewKey(channelID, h.entityType, commandpkg.Wildcard)
}

// Execute serves a persistence request. Requests without a response channel
// are executed and their result is only logged.
func (h *Handler[K, E]) Execute(ctx context.Context, p *payloadpkg.Payload) ([]*payloadpkg.Payload, error) {
	ctx = WithCorrelationID(ctx, p.CorrelationID())

	var req RequestEnvelope[K, E]
	var reply ResponseEnvelope[K, E]
	if err := jsoncodec.Unmarshal(p.Body(), &req); err != nil {
		reply.Status = http.StatusBadRequest
		reply.Error = fmt.Errorf("%w: %w", commandpkg.ErrInvalidPayload, err).Error()
		return h.reply(p, reply)
	}
	reply.Key = req.Key

	var (
		res Response[K, E]
		err error
	)
	switch p.Action() {
	case ActionCreate, ActionUpdate:
		if req.Entity == nil {
			reply.Status = http.StatusBadRequest
			reply.Error = fmt.Sprintf("%s requires an entity", p.Action())
			return h.reply(p, reply)
		}
		if p.Action() == ActionCreate {
			res, err = h.Create(ctx, *req.Entity)
		} else {
			res, err = h.Update(ctx, *req.Entity, req.Version)
		}
	case ActionRead:
		res, err = h.Read(ctx, req.Key)
	case ActionDelete:
		res, err = h.Delete(ctx, req.Key, req.Version)
	case ActionVersion:
		res, err = h.Version(ctx, req.Key)
	default:
		reply.Status = http.StatusBadRequest
		reply.Error = fmt.Sprintf("unknown persistence action %q", p.Action())
		return h.reply(p, reply)
	}

	reply.Response = res
	if err != nil {
		reply.Error = err.Error()
	}
	return h.reply(p, reply)
}

func (h *Handler[K, E]) reply(req *payloadpkg.Payload, body ResponseEnvelope[K, E]) ([]*payloadpkg.Payload, error) {
	if req.ResponseChannel() == "" {
		h.log.Debug("Persistence request without response channel", loggingpkg.LogFields{
			"payload_id": req.ID(),
			"action":     req.Action(),
			"status":     body.Status,
		})
		return nil, nil
	}
	encoded, err := jsoncodec.Marshal(body)
	if err != nil {
		return nil, err
	}
	out, err := commandpkg.Reply(req, encoded, metadatapkg.New(
		metadatapkg.KeyContentType, serializerpkg.ContentTypeJSON,
		metadatapkg.KeyStatus, fmt.Sprint(body.Status),
	))
	if err != nil {
		return nil, err
	}
	return []*payloadpkg.Payload{out}, nil
}
