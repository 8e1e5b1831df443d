package metadata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/capsync/internal/models"
)

// MockStore provides an in-memory Store with controllable readiness and
// failure injection for testing.
type MockStore struct {
	mu      sync.Mutex
	ready   chan struct{}
	initErr error

	records map[string]models.FileRecord // id -> record
	inserts []string                     // blob keys in commit order

	aggregateCalls int

	// Failure injection
	InsertErr    error
	SelectErr    error
	DeleteErr    error
	AggregateErr error

	// AggregateHook, when set, runs at the start of every Aggregate call,
	// outside the store lock. Tests use it to gate reconciliation passes.
	AggregateHook func()
}

// NewMockStore creates a mock store that is ready immediately.
func NewMockStore() *MockStore {
	s := NewPendingMockStore()
	s.SetReady()
	return s
}

// NewPendingMockStore creates a mock store that stays not-ready until
// SetReady or FailInit is called.
func NewPendingMockStore() *MockStore {
	return &MockStore{
		ready:   make(chan struct{}),
		records: make(map[string]models.FileRecord),
	}
}

// SetReady marks the store ready, releasing Handle callers.
func (m *MockStore) SetReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
}

// FailInit marks initialization as failed with the given cause.
func (m *MockStore) FailInit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.ready:
	default:
		m.initErr = &models.InitializationError{Store: "mock", Err: err}
		close(m.ready)
	}
}

// Handle blocks until SetReady or FailInit.
func (m *MockStore) Handle(ctx context.Context) (QueryHandle, error) {
	select {
	case <-m.ready:
		if m.initErr != nil {
			return nil, m.initErr
		}
		return &mockHandle{store: m}, nil
	case <-ctx.Done():
		return nil, &models.InitializationError{Store: "mock", Err: ctx.Err()}
	}
}

// Ready reports readiness without blocking.
func (m *MockStore) Ready() bool {
	select {
	case <-m.ready:
		return m.initErr == nil
	default:
		return false
	}
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// AggregateCount returns how many Aggregate calls completed, one per
// reconciliation pass.
func (m *MockStore) AggregateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregateCalls
}

// InsertOrder returns blob keys in the order they were committed.
func (m *MockStore) InsertOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.inserts...)
}

// Records returns a copy of all stored records.
func (m *MockStore) Records() []models.FileRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.FileRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}

// Seed stores a record directly, bypassing failure injection.
func (m *MockStore) Seed(rec models.FileRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
}

type mockHandle struct {
	store *MockStore
}

func (h *mockHandle) Insert(ctx context.Context, rec models.FileRecord) (models.FileRecord, error) {
	m := h.store
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InsertErr != nil {
		return models.FileRecord{}, &models.WriteError{Op: "meta_insert", Key: rec.BlobKey, Err: m.InsertErr}
	}
	if err := rec.Validate(); err != nil {
		return models.FileRecord{}, err
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	// Upsert by blob key keeps the original identity.
	for id, existing := range m.records {
		if existing.BlobKey == rec.BlobKey {
			rec.ID = id
			rec.CreatedAt = existing.CreatedAt
			break
		}
	}
	rec.DeletedAt = nil
	m.records[rec.ID] = rec
	m.inserts = append(m.inserts, rec.BlobKey)
	return rec, nil
}

func (h *mockHandle) Select(ctx context.Context, q Query) ([]models.FileRecord, error) {
	m := h.store
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SelectErr != nil {
		return nil, &models.QueryError{Op: "select", Err: m.SelectErr}
	}

	var out []models.FileRecord
	for _, rec := range m.records {
		if rec.SessionID != q.SessionID || rec.FileSet != q.FileSet || rec.DeletedAt != nil {
			continue
		}
		if q.Category != "" && rec.Category != q.Category {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (h *mockHandle) Delete(ctx context.Context, ids []string) error {
	m := h.store
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeleteErr != nil {
		return &models.WriteError{Op: "meta_delete", Err: m.DeleteErr}
	}
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

func (h *mockHandle) Aggregate(ctx context.Context, sessionID string) ([]models.FileSetAggregate, error) {
	m := h.store
	if m.AggregateHook != nil {
		m.AggregateHook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregateCalls++

	if m.AggregateErr != nil {
		return nil, &models.QueryError{Op: "aggregate", Err: m.AggregateErr}
	}

	type acc struct {
		count  int
		latest models.FileRecord
	}
	groups := make(map[string]*acc)
	for _, rec := range m.records {
		if rec.SessionID != sessionID || rec.DeletedAt != nil {
			continue
		}
		g, ok := groups[rec.FileSet]
		if !ok {
			g = &acc{}
			groups[rec.FileSet] = g
		}
		g.count++
		if g.latest.BlobKey == "" || rec.CreatedAt.After(g.latest.CreatedAt) {
			g.latest = rec
		}
	}

	var aggs []models.FileSetAggregate
	for name, g := range groups {
		aggs = append(aggs, models.FileSetAggregate{
			FileSet:       name,
			Count:         g.count,
			LatestBlobKey: g.latest.BlobKey,
		})
	}
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].FileSet < aggs[j].FileSet })
	return aggs, nil
}
