// Package metadata defines the record-index side of the storage pair: an
// async-initializing relational store of FileRecords, queryable by session,
// file set, and category.
package metadata

import (
	"context"

	"github.com/TheMichaelB/capsync/internal/models"
)

// Store manages FileRecord persistence. Implementations initialize
// asynchronously; Handle blocks until the store is usable.
type Store interface {
	// Handle returns the query handle once the store is ready. It blocks
	// until readiness, initialization failure, or ctx cancellation, and
	// returns an *models.InitializationError if the store never came up.
	Handle(ctx context.Context) (QueryHandle, error)

	// Ready reports, without blocking, whether Handle would return
	// immediately.
	Ready() bool

	// Close releases resources.
	Close() error
}

// QueryHandle executes queries against a ready store.
type QueryHandle interface {
	// Insert commits a record, upserting by blob key, and returns the
	// stored row.
	Insert(ctx context.Context, rec models.FileRecord) (models.FileRecord, error)

	// Select returns live records matching the query, newest first.
	Select(ctx context.Context, q Query) ([]models.FileRecord, error)

	// Delete removes the rows with the given ids. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Aggregate returns per-file-set counts and latest blob keys for a
	// session.
	Aggregate(ctx context.Context, sessionID string) ([]models.FileSetAggregate, error)
}

// Query scopes a Select call. Category is optional; empty matches all.
type Query struct {
	SessionID string
	FileSet   string
	Category  string
	Limit     int
}
