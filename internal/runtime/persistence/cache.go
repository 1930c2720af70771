package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	"github.com/drblury/taskflow/internal/runtime/jsoncodec"
	serializerpkg "github.com/drblury/taskflow/internal/runtime/serializer"
)

// CacheEntry is a cached entity together with its version token.
type CacheEntry[E any] struct {
	Entity  E
	Version string
}

// CacheManager is a best-effort read-through cache. The handler logs and
// ignores every cache error.
type CacheManager[K comparable, E any] interface {
	TryGet(ctx context.Context, key K) (CacheEntry[E], bool, error)
	Set(ctx context.Context, key K, entry CacheEntry[E]) error
	Delete(ctx context.Context, key K) error
}

type redisRecord struct {
	Version string `json:"version"`
	Body    []byte `json:"body"`
}

// RedisCache stores entities in Redis as a JSON record holding the version
// and the serialized entity.
type RedisCache[K comparable, E any] struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	serializer serializerpkg.Serializer
	keyString  func(K) string
}

// NewRedisCache builds a cache whose keys are prefix + ":" + key. A zero ttl
// keeps entries until they are deleted.
func NewRedisCache[K comparable, E any](client redis.UniversalClient, prefix string, ttl time.Duration, s serializerpkg.Serializer) (*RedisCache[K, E], error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client", errspkg.ErrBackendRequired)
	}
	if s == nil {
		s = serializerpkg.JSON()
	}
	return &RedisCache[K, E]{
		client:     client,
		prefix:     prefix,
		ttl:        ttl,
		serializer: s,
		keyString:  defaultKeyString[K],
	}, nil
}

func (c *RedisCache[K, E]) redisKey(key K) string {
	if c.prefix == "" {
		return c.keyString(key)
	}
	return c.prefix + ":" + c.keyString(key)
}

func (c *RedisCache[K, E]) TryGet(ctx context.Context, key K) (CacheEntry[E], bool, error) {
	var entry CacheEntry[E]
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	var rec redisRecord
	if err := jsoncodec.Unmarshal(data, &rec); err != nil {
		return entry, false, err
	}
	entity, err := serializerpkg.Decode[E](c.serializer, rec.Body)
	if err != nil {
		return entry, false, err
	}
	return CacheEntry[E]{Entity: entity, Version: rec.Version}, true, nil
}

func (c *RedisCache[K, E]) Set(ctx context.Context, key K, entry CacheEntry[E]) error {
	body, err := c.serializer.Serialize(entry.Entity)
	if err != nil {
		return err
	}
	data, err := jsoncodec.Marshal(redisRecord{Version: entry.Version, Body: body})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.redisKey(key), data, c.ttl).Err()
}

func (c *RedisCache[K, E]) Delete(ctx context.Context, key K) error {
	return c.client.Del(ctx, c.redisKey(key)).Err()
}

func defaultKeyString[K comparable](key K) string {
	if s, ok := any(key).(string); ok {
		return s
	}
	if s, ok := any(key).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(key)
}
