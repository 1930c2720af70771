package persistence

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	datacollectionpkg "github.com/drblury/taskflow/internal/runtime/datacollection"
)

type order struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

func newOrderHandler(t *testing.T, backend StorageBackend, mutate func(*Options[string, order])) *Handler[string, order] {
	t.Helper()
	opts := Options[string, order]{
		EntityType: "order",
		KeyOf:      func(o order) string { return o.ID },
		Backend:    backend,
		Retry:      RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h, err := NewHandler(opts)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

// scriptedBackend wraps a MemoryBackend and lets tests inject failures.
type scriptedBackend struct {
	*MemoryBackend
	readCalls atomic.Int32
	read      func(call int32) (StorageResponse, bool, error)
}

func (s *scriptedBackend) Read(ctx context.Context, id, directory string) (StorageResponse, error) {
	call := s.readCalls.Add(1)
	if s.read != nil {
		if resp, ok, err := s.read(call); ok {
			return resp, err
		}
	}
	return s.MemoryBackend.Read(ctx, id, directory)
}

func TestVersionLaw(t *testing.T) {
	ctx := context.Background()
	h := newOrderHandler(t, NewMemoryBackend(), nil)

	created, err := h.Create(ctx, order{ID: "o-1", Amount: 10})
	if err != nil || created.Status != http.StatusCreated || !created.IsSuccess {
		t.Fatalf("create = %+v, %v", created, err)
	}
	v1 := created.Version
	if v1 == "" {
		t.Fatal("create returned no version")
	}

	updated, err := h.Update(ctx, order{ID: "o-1", Amount: 20}, v1)
	if err != nil || !updated.IsSuccess {
		t.Fatalf("update = %+v, %v", updated, err)
	}
	v2 := updated.Version
	if v2 == "" || v2 == v1 {
		t.Fatalf("update version %q must differ from %q", v2, v1)
	}

	stale, _ := h.Update(ctx, order{ID: "o-1", Amount: 30}, v1)
	if stale.Status != http.StatusConflict || stale.IsSuccess {
		t.Fatalf("stale update = %+v, want 409", stale)
	}
	if stale.Attempts != 1 {
		t.Fatalf("conflict retried %d times", stale.Attempts)
	}

	staleDelete, _ := h.Delete(ctx, "o-1", v1)
	if staleDelete.Status != http.StatusConflict {
		t.Fatalf("stale delete = %+v, want 409", staleDelete)
	}

	current, _ := h.Version(ctx, "o-1")
	if current.Version != v2 {
		t.Fatalf("Version() = %q, want %q", current.Version, v2)
	}

	read, _ := h.Read(ctx, "o-1")
	if read.Entity.Amount != 20 || read.Version != v2 {
		t.Fatalf("read = %+v", read)
	}

	deleted, _ := h.Delete(ctx, "o-1", v2)
	if !deleted.IsSuccess {
		t.Fatalf("delete = %+v", deleted)
	}
	missing, _ := h.Read(ctx, "o-1")
	if missing.Status != http.StatusNotFound || missing.Attempts != 1 {
		t.Fatalf("read after delete = %+v, want single-attempt 404", missing)
	}
}

func TestMutationsRequireVersion(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	h := newOrderHandler(t, backend, nil)

	created, err := h.Create(ctx, order{ID: "o-1", Amount: 10})
	if err != nil || !created.IsSuccess {
		t.Fatalf("create = %+v, %v", created, err)
	}

	update, _ := h.Update(ctx, order{ID: "o-1", Amount: 99}, "")
	if update.Status != http.StatusConflict || update.IsSuccess {
		t.Fatalf("update without version = %+v, want 409", update)
	}
	del, _ := h.Delete(ctx, "o-1", "")
	if del.Status != http.StatusConflict || del.IsSuccess {
		t.Fatalf("delete without version = %+v, want 409", del)
	}

	read, _ := h.Read(ctx, "o-1")
	if read.Entity.Amount != 10 || read.Version != created.Version {
		t.Fatalf("entity changed by unversioned mutation: %+v", read)
	}
	if h.Stats().Conflicts != 2 {
		t.Fatalf("conflicts = %d, want 2", h.Stats().Conflicts)
	}

	if resp, _ := backend.Update(ctx, "o-1", []byte(`{}`), "", "v-next", "order"); resp.Status != http.StatusConflict {
		t.Fatalf("backend update without version = %+v, want 409", resp)
	}
	if resp, _ := backend.Delete(ctx, "o-1", "", "order"); resp.Status != http.StatusConflict {
		t.Fatalf("backend delete without version = %+v, want 409", resp)
	}
}

func TestCreateConflictsOnExistingKey(t *testing.T) {
	ctx := context.Background()
	h := newOrderHandler(t, NewMemoryBackend(), nil)
	if _, err := h.Create(ctx, order{ID: "o-1"}); err != nil {
		t.Fatal(err)
	}
	again, _ := h.Create(ctx, order{ID: "o-1"})
	if again.Status != http.StatusConflict {
		t.Fatalf("second create = %+v, want 409", again)
	}
	if h.Stats().Conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", h.Stats().Conflicts)
	}
}

func TestReadTimeoutMapsTo503(t *testing.T) {
	ctx := context.Background()
	backend := &scriptedBackend{
		MemoryBackend: NewMemoryBackend(),
		read: func(int32) (StorageResponse, bool, error) {
			return StorageResponse{}, true, context.DeadlineExceeded
		},
	}
	h := newOrderHandler(t, backend, nil)

	res, err := h.Read(ctx, "o-1")
	if err != nil {
		t.Fatalf("Read error = %v", err)
	}
	if !res.IsTimeout || res.Status != http.StatusServiceUnavailable || res.IsSuccess {
		t.Fatalf("read = %+v, want IsTimeout and 503", res)
	}
	if got := backend.readCalls.Load(); got != 3 {
		t.Fatalf("backend calls = %d, want 3", got)
	}
	if h.Stats().Timeouts != 1 || h.Stats().Retries != 2 {
		t.Fatalf("stats = %+v", h.Stats())
	}
}

func TestReadTimeoutResponseFromBackend(t *testing.T) {
	backend := &scriptedBackend{
		MemoryBackend: NewMemoryBackend(),
		read: func(int32) (StorageResponse, bool, error) {
			return TimeoutResponse(), true, nil
		},
	}
	h := newOrderHandler(t, backend, func(o *Options[string, order]) { o.Retry.MaxAttempts = 1 })

	res, _ := h.Read(context.Background(), "o-1")
	if !res.IsTimeout || res.Status != http.StatusServiceUnavailable {
		t.Fatalf("read = %+v", res)
	}
	if backend.readCalls.Load() != 1 {
		t.Fatalf("backend calls = %d, want 1", backend.readCalls.Load())
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	ctx := context.Background()
	backend := &scriptedBackend{
		MemoryBackend: NewMemoryBackend(),
		read: func(call int32) (StorageResponse, bool, error) {
			switch call {
			case 1:
				return StorageResponse{}, true, errors.New("connection reset")
			case 2:
				return statusResponse(http.StatusBadGateway), true, nil
			}
			return StorageResponse{}, false, nil
		},
	}
	h := newOrderHandler(t, backend, nil)
	if _, err := h.Create(ctx, order{ID: "o-1", Amount: 5}); err != nil {
		t.Fatal(err)
	}

	res, err := h.Read(ctx, "o-1")
	if err != nil || !res.IsSuccess || res.Entity.Amount != 5 {
		t.Fatalf("read = %+v, %v", res, err)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
}

func TestExhaustedBackendErrorsMapTo503(t *testing.T) {
	backend := &scriptedBackend{
		MemoryBackend: NewMemoryBackend(),
		read: func(int32) (StorageResponse, bool, error) {
			return StorageResponse{}, true, errors.New("connection refused")
		},
	}
	h := newOrderHandler(t, backend, nil)
	res, _ := h.Read(context.Background(), "o-1")
	if res.Status != http.StatusServiceUnavailable || res.IsTimeout {
		t.Fatalf("read = %+v, want plain 503", res)
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &scriptedBackend{
		MemoryBackend: NewMemoryBackend(),
		read: func(int32) (StorageResponse, bool, error) {
			cancel()
			return StorageResponse{}, true, context.Canceled
		},
	}
	h := newOrderHandler(t, backend, nil)
	res, _ := h.Read(ctx, "o-1")
	if res.Attempts != 3 || backend.readCalls.Load() != 3 {
		t.Fatalf("read = %+v after %d calls, want 3 attempts", res, backend.readCalls.Load())
	}
}

func TestReadServerErrorsExhaustTo503(t *testing.T) {
	backend := &scriptedBackend{
		MemoryBackend: NewMemoryBackend(),
		read: func(int32) (StorageResponse, bool, error) {
			return statusResponse(http.StatusInternalServerError), true, nil
		},
	}
	h := newOrderHandler(t, backend, nil)

	res, err := h.Read(context.Background(), "o-1")
	if err != nil {
		t.Fatalf("Read error = %v", err)
	}
	if res.Status != http.StatusServiceUnavailable || res.IsSuccess || res.IsTimeout {
		t.Fatalf("read = %+v, want 503 without timeout flag", res)
	}
	if res.Attempts != 3 || backend.readCalls.Load() != 3 {
		t.Fatalf("read = %+v after %d calls", res, backend.readCalls.Load())
	}
}

func TestReadRecoversAfterServerError(t *testing.T) {
	ctx := context.Background()
	backend := &scriptedBackend{
		MemoryBackend: NewMemoryBackend(),
		read: func(call int32) (StorageResponse, bool, error) {
			return statusResponse(http.StatusBadGateway), call == 1, nil
		},
	}
	h := newOrderHandler(t, backend, nil)
	if _, err := h.Create(ctx, order{ID: "o-1", Amount: 5}); err != nil {
		t.Fatal(err)
	}

	res, _ := h.Read(ctx, "o-1")
	if !res.IsSuccess || res.Status != http.StatusOK || res.Attempts != 2 || res.Entity.Amount != 5 {
		t.Fatalf("read = %+v, want success on second attempt", res)
	}
}

func TestMutationsWriteSourceEvents(t *testing.T) {
	collector := datacollectionpkg.NewMemoryCollector()
	h := newOrderHandler(t, NewMemoryBackend(), func(o *Options[string, order]) { o.Events = collector })
	ctx := WithCorrelationID(context.Background(), "corr-1")

	created, _ := h.Create(ctx, order{ID: "o-1"})
	_, _ = h.Read(ctx, "o-1")
	updated, _ := h.Update(ctx, order{ID: "o-1", Amount: 1}, created.Version)
	_, _ = h.Update(ctx, order{ID: "o-1", Amount: 2}, created.Version)
	_, _ = h.Delete(ctx, "o-1", updated.Version)

	events := collector.SourceEvents()
	want := []string{ActionCreate, ActionUpdate, ActionDelete}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i, ev := range events {
		if ev.Action != want[i] || ev.EntityType != "order" || ev.Key != "o-1" || ev.CorrelationID != "corr-1" {
			t.Fatalf("event %d = %+v", i, ev)
		}
	}
}

func TestNewHandlerValidates(t *testing.T) {
	_, err := NewHandler(Options[string, order]{Retry: RetryPolicy{MaxAttempts: -1}})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

type failingSerializer struct{}

func (failingSerializer) Serialize(any) ([]byte, error) { return nil, errors.New("boom") }
func (failingSerializer) Deserialize([]byte, any) error { return errors.New("boom") }
func (failingSerializer) ContentType() string           { return "application/x-broken" }

func TestCreateReportsEncodingErrors(t *testing.T) {
	h := newOrderHandler(t, NewMemoryBackend(), func(o *Options[string, order]) { o.Serializer = failingSerializer{} })
	res, err := h.Create(context.Background(), order{ID: "o-1"})
	if !errors.Is(err, ErrEncoding) || res.Status != http.StatusBadRequest {
		t.Fatalf("create = %+v, %v", res, err)
	}
}
