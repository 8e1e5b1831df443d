package engine

import (
	"context"
	"sync"

	"github.com/TheMichaelB/capsync/internal/models"
)

// SaveTicket is the caller's window onto an in-flight save. It settles once
// with the committed (or provisional) record, or with the error that
// stopped the save.
type SaveTicket struct {
	// BlobKey is the provisional blob key, usable immediately as a
	// correlation id.
	BlobKey string

	// ID is the provisional record id.
	ID string

	once sync.Once
	done chan struct{}
	rec  *models.FileRecord
	err  error
}

func newSaveTicket(id, blobKey string) *SaveTicket {
	return &SaveTicket{
		BlobKey: blobKey,
		ID:      id,
		done:    make(chan struct{}),
	}
}

func (t *SaveTicket) resolve(rec models.FileRecord) {
	t.once.Do(func() {
		t.rec = &rec
		close(t.done)
	})
}

func (t *SaveTicket) reject(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done is closed once the ticket settles.
func (t *SaveTicket) Done() <-chan struct{} { return t.done }

// Wait blocks until the ticket settles or ctx is cancelled.
func (t *SaveTicket) Wait(ctx context.Context) (*models.FileRecord, error) {
	select {
	case <-t.done:
		return t.rec, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
