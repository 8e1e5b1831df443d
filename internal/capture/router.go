// Package capture routes freshly saved records to interested consumers. It
// is a side channel: delivery failures never affect save correctness.
package capture

import (
	"sync"

	"github.com/TheMichaelB/capsync/internal/models"
)

// Target consumes one saved record.
type Target func(rec models.FileRecord)

// Router holds at most one pending target per category. A target is
// one-shot: taking it removes it.
type Router struct {
	mu      sync.Mutex
	targets map[string]Target
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{targets: make(map[string]Target)}
}

// SetTarget registers the target for a category, replacing any previous
// one. A nil target clears the registration.
func (r *Router) SetTarget(category string, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t == nil {
		delete(r.targets, category)
		return
	}
	r.targets[category] = t
}

// Take removes and returns the target for a category, or nil.
func (r *Router) Take(category string) Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.targets[category]
	delete(r.targets, category)
	return t
}
