// Package blob defines the payload side of the storage pair: a key to
// binary store with no query capability beyond key lookup.
package blob

import "context"

// Store manages raw binary payloads.
type Store interface {
	// Put writes data under key, replacing any existing payload.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the payload for key, or models.ErrBlobNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Remove deletes the payload for key. Removing an absent key is not an
	// error.
	Remove(ctx context.Context, key string) error

	// ListKeys returns all stored keys.
	ListKeys(ctx context.Context) ([]string, error)
}
