package blob

import (
	"context"
	"sort"
	"sync"

	"github.com/TheMichaelB/capsync/internal/models"
)

// MockStore provides an in-memory Store with failure injection for testing.
type MockStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	// Failure injection
	PutErr    error
	GetErr    error
	RemoveErr error
}

// NewMockStore creates an empty mock blob store.
func NewMockStore() *MockStore {
	return &MockStore{blobs: make(map[string][]byte)}
}

// Put stores a copy of data under key.
func (m *MockStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PutErr != nil {
		return &models.WriteError{Op: "blob_put", Key: key, Err: m.PutErr}
	}
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the stored payload.
func (m *MockStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.GetErr != nil {
		return nil, m.GetErr
	}
	data, ok := m.blobs[key]
	if !ok {
		return nil, models.ErrBlobNotFound
	}
	return append([]byte(nil), data...), nil
}

// Remove deletes the payload for key.
func (m *MockStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RemoveErr != nil {
		return &models.WriteError{Op: "blob_remove", Key: key, Err: m.RemoveErr}
	}
	delete(m.blobs, key)
	return nil
}

// ListKeys returns all stored keys, sorted.
func (m *MockStore) ListKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Len reports the number of stored blobs.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
