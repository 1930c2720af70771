package runtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	commandpkg "github.com/drblury/taskflow/internal/runtime/command"
	configpkg "github.com/drblury/taskflow/internal/runtime/config"
	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
	"github.com/drblury/taskflow/internal/runtime/persistence"
)

// RetryPolicy builds the persistence retry policy from conf. Zero values
// keep the persistence defaults.
func RetryPolicy(conf *configpkg.Config) persistence.RetryPolicy {
	policy := persistence.DefaultRetryPolicy()
	if conf == nil {
		return policy
	}
	if conf.RetryMaxAttempts > 0 {
		policy.MaxAttempts = conf.RetryMaxAttempts
	}
	if conf.RetryInitialInterval > 0 {
		policy.InitialInterval = conf.RetryInitialInterval
	}
	if conf.RetryMaxInterval > 0 {
		policy.MaxInterval = conf.RetryMaxInterval
	}
	if conf.RetryAttemptTimeout > 0 {
		policy.AttemptTimeout = conf.RetryAttemptTimeout
	}
	return policy
}

// OpenBackend opens the Postgres backend when PostgresURL is set and makes
// sure its table exists. Without it an in-memory backend is returned. The
// closer releases the connection pool.
func OpenBackend(ctx context.Context, conf *configpkg.Config) (persistence.StorageBackend, func(), error) {
	if conf == nil || conf.PostgresURL == "" {
		return persistence.NewMemoryBackend(), func() {}, nil
	}
	pool, err := persistence.OpenPostgres(ctx, conf.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	backend, err := persistence.NewPostgresBackend(pool, conf.PostgresTable)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := backend.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return backend, pool.Close, nil
}

// OpenRedis connects to RedisURL. It returns nil when no URL is configured.
func OpenRedis(conf *configpkg.Config) (*redis.Client, error) {
	if conf == nil || conf.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(conf.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewCache builds a Redis entity cache keyed by the service name and
// entity type, expiring entries after Config.CacheTTL.
func NewCache[K comparable, E any](m *Microservice, client redis.UniversalClient, entityType string) (*persistence.RedisCache[K, E], error) {
	prefix := entityType
	if m.conf.Name != "" {
		prefix = m.conf.Name + ":" + entityType
	}
	return persistence.NewRedisCache[K, E](client, prefix, m.conf.CacheTTL, m.serializers.Default())
}

// RegisterPersistence builds a persistence handler and registers it on
// channelID for every action of its entity type. Missing options default to
// the microservice retry policy, serializer, logger and collector.
func RegisterPersistence[K comparable, E any](m *Microservice, channelID string, opts persistence.Options[K, E]) (*persistence.Handler[K, E], error) {
	if opts.Retry == (persistence.RetryPolicy{}) {
		opts.Retry = RetryPolicy(&m.conf)
	}
	if opts.Serializer == nil {
		opts.Serializer = m.serializers.Default()
	}
	if opts.Logger == nil {
		opts.Logger = m.log.With(loggingpkg.LogFields{"entity_type": opts.EntityType})
	}
	if opts.Events == nil {
		opts.Events = m.collector
	}
	h, err := persistence.NewHandler(opts)
	if err != nil {
		return nil, m.record(err)
	}
	if err := m.RegisterCommand(commandpkg.Registration{
		Key:     h.Key(channelID),
		Name:    "persistence:" + opts.EntityType,
		Command: h,
	}); err != nil {
		return nil, err
	}
	return h, nil
}

// NewPersistenceClient returns a client that reaches the handler on
// channelID through initiator, using Config.RequestTimeout.
func NewPersistenceClient[K comparable, E any](m *Microservice, initiator *commandpkg.Initiator, channelID, entityType string) (*persistence.Client[K, E], error) {
	return persistence.NewClient[K, E](initiator, persistence.ClientOptions{
		ChannelID:  channelID,
		EntityType: entityType,
		Timeout:    m.conf.RequestTimeout,
	})
}
