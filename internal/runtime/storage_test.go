package runtime

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	channelpkg "github.com/drblury/taskflow/internal/runtime/channel"
	configpkg "github.com/drblury/taskflow/internal/runtime/config"
	datacollectionpkg "github.com/drblury/taskflow/internal/runtime/datacollection"
	"github.com/drblury/taskflow/internal/runtime/persistence"
)

type customer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestRetryPolicyFromConfig(t *testing.T) {
	assert.Equal(t, persistence.DefaultRetryPolicy(), RetryPolicy(nil))

	policy := RetryPolicy(&configpkg.Config{
		RetryMaxAttempts:    5,
		RetryMaxInterval:    2 * time.Second,
		RetryAttemptTimeout: 300 * time.Millisecond,
	})
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, persistence.DefaultRetryPolicy().InitialInterval, policy.InitialInterval)
	assert.Equal(t, 2*time.Second, policy.MaxInterval)
	assert.Equal(t, 300*time.Millisecond, policy.AttemptTimeout)
}

func TestOpenBackendDefaultsToMemory(t *testing.T) {
	backend, closeFn, err := OpenBackend(context.Background(), &configpkg.Config{})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &persistence.MemoryBackend{}, backend)
}

func TestOpenRedis(t *testing.T) {
	client, err := OpenRedis(&configpkg.Config{})
	require.NoError(t, err)
	assert.Nil(t, client)

	_, err = OpenRedis(&configpkg.Config{RedisURL: "mysql://nope"})
	assert.ErrorContains(t, err, "parse redis url")

	mr := miniredis.RunT(t)
	client, err = OpenRedis(&configpkg.Config{RedisURL: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestPersistenceOverChannels(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := OpenRedis(&configpkg.Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	collector := datacollectionpkg.NewMemoryCollector()
	svc, err := New(&configpkg.Config{Name: "crm", RequestTimeout: 2 * time.Second, CacheTTL: time.Minute}, nil, Dependencies{
		Collectors: []any{collector},
	})
	require.NoError(t, err)
	for _, id := range []string{"customers", "customers-replies"} {
		_, err := svc.AddChannel(channelpkg.Config{ID: id, Direction: channelpkg.Incoming, InternalOnly: true})
		require.NoError(t, err)
	}

	cache, err := NewCache[string, customer](svc, client, "customer")
	require.NoError(t, err)
	backend := persistence.NewMemoryBackend()
	_, err = RegisterPersistence(svc, "customers", persistence.Options[string, customer]{
		EntityType: "customer",
		KeyOf:      func(c customer) string { return c.ID },
		Backend:    backend,
		Cache:      cache,
	})
	require.NoError(t, err)

	initiator, err := svc.NewInitiator("customers-replies")
	require.NoError(t, err)
	store, err := NewPersistenceClient[string, customer](svc, initiator, "customers", "customer")
	require.NoError(t, err)

	require.NoError(t, svc.Start(context.Background()))
	defer func() { _ = svc.Stop(context.Background()) }()
	ctx := context.Background()

	created, err := store.Create(ctx, customer{ID: "c-1", Name: "Ada"})
	require.NoError(t, err)
	require.True(t, created.IsSuccess)
	assert.NotEmpty(t, created.Version)
	assert.True(t, mr.Exists("crm:customer:c-1"))
	assert.Equal(t, 1, backend.Len("customer"))

	read, err := store.Read(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", read.Entity.Name)
	assert.Equal(t, created.Version, read.Version)

	updated, err := store.Update(ctx, customer{ID: "c-1", Name: "Ada L."}, created.Version)
	require.NoError(t, err)
	require.True(t, updated.IsSuccess)
	assert.NotEqual(t, created.Version, updated.Version)

	stale, err := store.Update(ctx, customer{ID: "c-1", Name: "Stale"}, created.Version)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, stale.Status)

	deleted, err := store.Delete(ctx, "c-1", updated.Version)
	require.NoError(t, err)
	assert.True(t, deleted.IsSuccess)
	assert.False(t, mr.Exists("crm:customer:c-1"))

	missing, err := store.Read(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, missing.Status)

	assert.NotEmpty(t, collector.SourceEvents())
}
