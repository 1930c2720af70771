package persistence

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	datacollectionpkg "github.com/drblury/taskflow/internal/runtime/datacollection"
	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	idspkg "github.com/drblury/taskflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
	serializerpkg "github.com/drblury/taskflow/internal/runtime/serializer"
)

const (
	ActionCreate  = "create"
	ActionRead    = "read"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionVersion = "version"
)

// ErrEncoding marks an entity that could not be serialized or decoded.
var ErrEncoding = errors.New("taskflow: entity encoding failed")

// Response is the outcome of a handler operation. Status follows HTTP
// semantics: 404 for a missing entity, 409 for a version conflict and 503
// when the backend kept failing or timed out.
type Response[K comparable, E any] struct {
	Status    int    `json:"status"`
	IsSuccess bool   `json:"is_success"`
	IsTimeout bool   `json:"is_timeout"`
	Key       K      `json:"key"`
	Entity    E      `json:"entity"`
	Version   string `json:"version,omitempty"`
	Cached    bool   `json:"cached,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

// Options configures a Handler.
type Options[K comparable, E any] struct {
	// EntityType names the entity; it is also the storage directory.
	EntityType string
	KeyOf      func(E) K
	// KeyString renders keys as storage ids. Strings and fmt.Stringers are
	// used as is, other keys go through fmt.Sprint.
	KeyString  func(K) string
	Serializer serializerpkg.Serializer
	Backend    StorageBackend
	Retry      RetryPolicy
	Cache      CacheManager[K, E]
	Events     datacollectionpkg.EventSource
	Logger     loggingpkg.ServiceLogger
}

// HandlerStats counts handler activity.
type HandlerStats struct {
	Requests  uint64 `json:"requests"`
	Retries   uint64 `json:"retries"`
	Timeouts  uint64 `json:"timeouts"`
	Conflicts uint64 `json:"conflicts"`
	CacheHits uint64 `json:"cache_hits"`
}

// Handler persists entities of one type.
type Handler[K comparable, E any] struct {
	entityType string
	keyOf      func(E) K
	keyString  func(K) string
	serializer serializerpkg.Serializer
	backend    StorageBackend
	retry      RetryPolicy
	cache      CacheManager[K, E]
	events     datacollectionpkg.EventSource
	log        loggingpkg.ServiceLogger

	requests, retries, timeouts, conflicts, cacheHits atomic.Uint64
}

func NewHandler[K comparable, E any](opts Options[K, E]) (*Handler[K, E], error) {
	var errs []error
	if opts.EntityType == "" {
		errs = append(errs, errors.New("taskflow: persistence entity type is required"))
	}
	if opts.KeyOf == nil {
		errs = append(errs, errors.New("taskflow: persistence key function is required"))
	}
	if opts.Backend == nil {
		errs = append(errs, errspkg.ErrBackendRequired)
	}
	if err := opts.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	h := &Handler[K, E]{
		entityType: opts.EntityType,
		keyOf:      opts.KeyOf,
		keyString:  opts.KeyString,
		serializer: opts.Serializer,
		backend:    opts.Backend,
		retry:      opts.Retry,
		cache:      opts.Cache,
		events:     opts.Events,
		log:        loggingpkg.OrNop(opts.Logger).With(loggingpkg.LogFields{"entity_type": opts.EntityType}),
	}
	if h.keyString == nil {
		h.keyString = defaultKeyString[K]
	}
	if h.serializer == nil {
		h.serializer = serializerpkg.JSON()
	}
	return h, nil
}

func (h *Handler[K, E]) EntityType() string { return h.entityType }

func (h *Handler[K, E]) Stats() HandlerStats {
	return HandlerStats{
		Requests:  h.requests.Load(),
		Retries:   h.retries.Load(),
		Timeouts:  h.timeouts.Load(),
		Conflicts: h.conflicts.Load(),
		CacheHits: h.cacheHits.Load(),
	}
}

// Create stores a new entity under a freshly minted version.
func (h *Handler[K, E]) Create(ctx context.Context, entity E) (Response[K, E], error) {
	key := h.keyOf(entity)
	res := Response[K, E]{Key: key}
	body, err := h.serializer.Serialize(entity)
	if err != nil {
		res.Status = http.StatusBadRequest
		return res, fmt.Errorf("%w: %s %v: %w", ErrEncoding, h.entityType, key, err)
	}
	version := idspkg.CreateULID()
	id := h.keyString(key)

	out := h.call(ctx, ActionCreate, id, func(ctx context.Context) (StorageResponse, error) {
		return h.backend.Create(ctx, id, body, version, h.entityType)
	})
	h.fill(&res, out)
	if res.IsSuccess {
		res.Entity = entity
		if res.Version == "" {
			res.Version = version
		}
		h.cacheSet(ctx, key, entity, res.Version)
		h.emit(ctx, ActionCreate, id, res.Version, body)
	}
	return res, nil
}

// Read loads an entity, consulting the cache first.
func (h *Handler[K, E]) Read(ctx context.Context, key K) (Response[K, E], error) {
	res := Response[K, E]{Key: key}
	if h.cache != nil {
		entry, ok, err := h.cache.TryGet(ctx, key)
		if err != nil {
			h.log.Error("Cache lookup failed", err, loggingpkg.LogFields{"key": h.keyString(key)})
		} else if ok {
			h.requests.Add(1)
			h.cacheHits.Add(1)
			res.Status, res.IsSuccess, res.Cached = http.StatusOK, true, true
			res.Entity, res.Version = entry.Entity, entry.Version
			return res, nil
		}
	}

	id := h.keyString(key)
	out := h.call(ctx, ActionRead, id, func(ctx context.Context) (StorageResponse, error) {
		return h.backend.Read(ctx, id, h.entityType)
	})
	h.fill(&res, out)
	if !res.IsSuccess {
		return res, nil
	}
	entity, err := serializerpkg.Decode[E](h.serializer, out.Response.Content)
	if err != nil {
		res.Status, res.IsSuccess = http.StatusInternalServerError, false
		return res, fmt.Errorf("%w: %s %s: %w", ErrEncoding, h.entityType, id, err)
	}
	res.Entity = entity
	h.cacheSet(ctx, key, entity, res.Version)
	return res, nil
}

// Update replaces an entity when expectedVersion still matches the stored
// version. An empty expectedVersion is a conflict. The stored entity gets a
// new version.
func (h *Handler[K, E]) Update(ctx context.Context, entity E, expectedVersion string) (Response[K, E], error) {
	key := h.keyOf(entity)
	res := Response[K, E]{Key: key}
	if expectedVersion == "" {
		h.rejectUnversioned(&res)
		return res, nil
	}
	body, err := h.serializer.Serialize(entity)
	if err != nil {
		res.Status = http.StatusBadRequest
		return res, fmt.Errorf("%w: %s %v: %w", ErrEncoding, h.entityType, key, err)
	}
	version := idspkg.CreateULID()
	id := h.keyString(key)

	out := h.call(ctx, ActionUpdate, id, func(ctx context.Context) (StorageResponse, error) {
		return h.backend.Update(ctx, id, body, expectedVersion, version, h.entityType)
	})
	h.fill(&res, out)
	if res.IsSuccess {
		res.Entity = entity
		if res.Version == "" {
			res.Version = version
		}
		h.cacheSet(ctx, key, entity, res.Version)
		h.emit(ctx, ActionUpdate, id, res.Version, body)
	} else if res.Status == http.StatusConflict {
		h.cacheDelete(ctx, key)
	}
	return res, nil
}

// Delete removes an entity under the same version rule as Update.
func (h *Handler[K, E]) Delete(ctx context.Context, key K, expectedVersion string) (Response[K, E], error) {
	res := Response[K, E]{Key: key}
	if expectedVersion == "" {
		h.rejectUnversioned(&res)
		return res, nil
	}
	id := h.keyString(key)
	out := h.call(ctx, ActionDelete, id, func(ctx context.Context) (StorageResponse, error) {
		return h.backend.Delete(ctx, id, expectedVersion, h.entityType)
	})
	h.fill(&res, out)
	if res.IsSuccess || res.Status == http.StatusNotFound || res.Status == http.StatusConflict {
		h.cacheDelete(ctx, key)
	}
	if res.IsSuccess {
		h.emit(ctx, ActionDelete, id, res.Version, nil)
	}
	return res, nil
}

// Version returns the current version token without the entity.
func (h *Handler[K, E]) Version(ctx context.Context, key K) (Response[K, E], error) {
	res := Response[K, E]{Key: key}
	id := h.keyString(key)
	out := h.call(ctx, ActionVersion, id, func(ctx context.Context) (StorageResponse, error) {
		return h.backend.Version(ctx, id, h.entityType)
	})
	h.fill(&res, out)
	return res, nil
}

func (h *Handler[K, E]) call(ctx context.Context, action, id string, op func(context.Context) (StorageResponse, error)) Outcome {
	h.requests.Add(1)
	out := h.retry.Do(ctx, op)
	if out.Attempts > 1 {
		h.retries.Add(uint64(out.Attempts - 1))
	}
	if out.TimedOut {
		h.timeouts.Add(1)
	}
	if out.Err != nil || out.TimedOut {
		h.log.Error("Storage operation failed", out.Err, loggingpkg.LogFields{
			"action":    action,
			"key":       id,
			"attempts":  out.Attempts,
			"timed_out": out.TimedOut,
		})
	}
	return out
}

func (h *Handler[K, E]) rejectUnversioned(res *Response[K, E]) {
	h.requests.Add(1)
	h.conflicts.Add(1)
	res.Status, res.IsSuccess = http.StatusConflict, false
}

// fill maps a retried backend outcome onto res. Errors, timeouts and
// exhausted transient statuses become 503; definitive statuses pass through.
func (h *Handler[K, E]) fill(res *Response[K, E], out Outcome) {
	res.Attempts = out.Attempts
	switch {
	case out.TimedOut:
		res.Status, res.IsSuccess, res.IsTimeout = http.StatusServiceUnavailable, false, true
	case out.Err != nil, out.Exhausted:
		res.Status, res.IsSuccess = http.StatusServiceUnavailable, false
	default:
		res.Status = out.Response.Status
		res.IsSuccess = out.Response.IsSuccess
		res.Version = out.Response.Version
	}
	if res.Status == http.StatusConflict {
		h.conflicts.Add(1)
	}
}

func (h *Handler[K, E]) cacheSet(ctx context.Context, key K, entity E, version string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Set(ctx, key, CacheEntry[E]{Entity: entity, Version: version}); err != nil {
		h.log.Error("Cache update failed", err, loggingpkg.LogFields{"key": h.keyString(key)})
	}
}

func (h *Handler[K, E]) cacheDelete(ctx context.Context, key K) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(ctx, key); err != nil {
		h.log.Error("Cache eviction failed", err, loggingpkg.LogFields{"key": h.keyString(key)})
	}
}

func (h *Handler[K, E]) emit(ctx context.Context, action, id, version string, body []byte) {
	if h.events == nil {
		return
	}
	err := h.events.Write(ctx, datacollectionpkg.SourceEvent{
		Time:          time.Now().UTC(),
		EntityType:    h.entityType,
		Key:           id,
		Action:        action,
		Version:       version,
		CorrelationID: correlationFrom(ctx),
		Body:          body,
	})
	if err != nil {
		h.log.Debug("Source event delivery failed", loggingpkg.LogFields{"key": id, "error": err.Error()})
	}
}

type correlationKey struct{}

// WithCorrelationID tags ctx so source events record the request that
// caused the change.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
