package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/TheMichaelB/capsync/internal/events"
)

// handleScheme prefixes every allocated display handle. Handles are
// process-local tokens; they must never be serialized or reused across
// sessions.
const handleScheme = "capmem://"

// Allocator manages ephemeral display handles: revocable, process-local
// references to binary payloads for UI consumption. For any allocated
// handle, Revoke is called at most once; the engine revokes a handle
// exactly when no published entry references it anymore.
type Allocator struct {
	logger *events.Logger

	mu        sync.Mutex
	live      map[string][]byte
	allocated int
	revoked   int
}

// NewAllocator creates an empty allocator.
func NewAllocator(logger *events.Logger) *Allocator {
	return &Allocator{
		logger: logger.WithField("component", "handle_allocator"),
		live:   make(map[string][]byte),
	}
}

// Allocate registers data under a fresh handle and returns the handle.
func (a *Allocator) Allocate(data []byte) string {
	handle := handleScheme + uuid.NewString()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.live[handle] = data
	a.allocated++
	return handle
}

// Resolve returns the payload a live handle points at.
func (a *Allocator) Resolve(handle string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, ok := a.live[handle]
	return data, ok
}

// Revoke releases a handle. Revoking an unknown or already-revoked handle
// is a no-op.
func (a *Allocator) Revoke(handle string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.live[handle]; !ok {
		return
	}
	delete(a.live, handle)
	a.revoked++
}

// RevokeAll releases every live handle.
func (a *Allocator) RevokeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.revoked += len(a.live)
	a.live = make(map[string][]byte)
}

// Stats returns lifetime allocation and revocation counts.
func (a *Allocator) Stats() (allocated, revoked int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated, a.revoked
}

// Live returns the number of currently live handles.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
