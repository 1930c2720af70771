// Package persistence implements the generic entity persistence handler: a
// versioned CRUD contract over a pluggable StorageBackend with retry, cache
// and change events.
package persistence

import (
	"bytes"
	"context"
	"net/http"
	"sync"
)

// StorageResponse is what a backend reports for one operation. Status uses
// HTTP status codes. A backend that gave up waiting sets IsTimeout.
type StorageResponse struct {
	Status    int
	IsSuccess bool
	IsTimeout bool
	Content   []byte
	Version   string
}

func statusResponse(status int) StorageResponse {
	return StorageResponse{Status: status, IsSuccess: status >= 200 && status < 300}
}

// TimeoutResponse is the canonical response for an operation that timed out.
func TimeoutResponse() StorageResponse {
	return StorageResponse{Status: http.StatusServiceUnavailable, IsTimeout: true}
}

// StorageBackend stores opaque entity bodies under an id inside a directory.
// Implementations enforce version checks atomically: Update and Delete fail
// with 409 when expectedVersion differs from the stored one. An empty
// expectedVersion never matches.
type StorageBackend interface {
	Create(ctx context.Context, id string, body []byte, version, directory string) (StorageResponse, error)
	Read(ctx context.Context, id, directory string) (StorageResponse, error)
	Update(ctx context.Context, id string, body []byte, expectedVersion, newVersion, directory string) (StorageResponse, error)
	Delete(ctx context.Context, id, expectedVersion, directory string) (StorageResponse, error)
	Version(ctx context.Context, id, directory string) (StorageResponse, error)
}

type memoryRecord struct {
	body    []byte
	version string
}

// MemoryBackend keeps entities in process memory.
type MemoryBackend struct {
	mu          sync.RWMutex
	directories map[string]map[string]memoryRecord
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{directories: map[string]map[string]memoryRecord{}}
}

func (m *MemoryBackend) Create(ctx context.Context, id string, body []byte, version, directory string) (StorageResponse, error) {
	if err := ctx.Err(); err != nil {
		return StorageResponse{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dir := m.directories[directory]
	if dir == nil {
		dir = map[string]memoryRecord{}
		m.directories[directory] = dir
	}
	if _, exists := dir[id]; exists {
		return statusResponse(http.StatusConflict), nil
	}
	dir[id] = memoryRecord{body: bytes.Clone(body), version: version}
	resp := statusResponse(http.StatusCreated)
	resp.Content = bytes.Clone(body)
	resp.Version = version
	return resp, nil
}

func (m *MemoryBackend) Read(ctx context.Context, id, directory string) (StorageResponse, error) {
	if err := ctx.Err(); err != nil {
		return StorageResponse{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.directories[directory][id]
	if !ok {
		return statusResponse(http.StatusNotFound), nil
	}
	resp := statusResponse(http.StatusOK)
	resp.Content = bytes.Clone(rec.body)
	resp.Version = rec.version
	return resp, nil
}

func (m *MemoryBackend) Update(ctx context.Context, id string, body []byte, expectedVersion, newVersion, directory string) (StorageResponse, error) {
	if err := ctx.Err(); err != nil {
		return StorageResponse{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.directories[directory][id]
	if !ok {
		return statusResponse(http.StatusNotFound), nil
	}
	if expectedVersion != rec.version {
		resp := statusResponse(http.StatusConflict)
		resp.Version = rec.version
		return resp, nil
	}
	m.directories[directory][id] = memoryRecord{body: bytes.Clone(body), version: newVersion}
	resp := statusResponse(http.StatusOK)
	resp.Content = bytes.Clone(body)
	resp.Version = newVersion
	return resp, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, id, expectedVersion, directory string) (StorageResponse, error) {
	if err := ctx.Err(); err != nil {
		return StorageResponse{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.directories[directory][id]
	if !ok {
		return statusResponse(http.StatusNotFound), nil
	}
	if expectedVersion != rec.version {
		resp := statusResponse(http.StatusConflict)
		resp.Version = rec.version
		return resp, nil
	}
	delete(m.directories[directory], id)
	resp := statusResponse(http.StatusOK)
	resp.Version = rec.version
	return resp, nil
}

func (m *MemoryBackend) Version(ctx context.Context, id, directory string) (StorageResponse, error) {
	if err := ctx.Err(); err != nil {
		return StorageResponse{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.directories[directory][id]
	if !ok {
		return statusResponse(http.StatusNotFound), nil
	}
	resp := statusResponse(http.StatusOK)
	resp.Version = rec.version
	return resp, nil
}

// Len reports how many entities a directory holds.
func (m *MemoryBackend) Len(directory string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.directories[directory])
}
