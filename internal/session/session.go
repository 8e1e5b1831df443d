// Package session exposes the logical session identity the engine scopes
// its queries by, plus change notifications when that identity moves.
package session

import "sync"

// Context reports the current logical session id.
type Context interface {
	// CurrentSessionID returns the active session id.
	CurrentSessionID() string

	// Subscribe registers a listener called on session change. The returned
	// function removes the listener.
	Subscribe(fn func(sessionID string)) (unsubscribe func())
}

// Static is a Context with a fixed session id. CLI invocations use it.
type Static struct {
	ID string
}

// CurrentSessionID returns the fixed id.
func (s Static) CurrentSessionID() string { return s.ID }

// Subscribe never fires; the id cannot change.
func (s Static) Subscribe(fn func(string)) func() { return func() {} }

// Switchable is a Context whose session id can be changed at runtime,
// notifying subscribers. Long-running embeddings and tests use it.
type Switchable struct {
	mu        sync.Mutex
	id        string
	nextSub   int
	listeners map[int]func(string)
}

// NewSwitchable creates a switchable context starting at id.
func NewSwitchable(id string) *Switchable {
	return &Switchable{
		id:        id,
		listeners: make(map[int]func(string)),
	}
}

// CurrentSessionID returns the active session id.
func (s *Switchable) CurrentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Switch changes the session id and notifies subscribers. Switching to the
// current id is a no-op.
func (s *Switchable) Switch(id string) {
	s.mu.Lock()
	if s.id == id {
		s.mu.Unlock()
		return
	}
	s.id = id
	listeners := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(id)
	}
}

// Subscribe registers a change listener.
func (s *Switchable) Subscribe(fn func(string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.nextSub
	s.nextSub++
	s.listeners[key] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, key)
	}
}
