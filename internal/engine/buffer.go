package engine

import (
	"sync"

	"github.com/TheMichaelB/capsync/internal/models"
)

// PendingWrite is one save waiting for the metadata store to become ready.
// Its blob has already been written; only the index row is outstanding.
type PendingWrite struct {
	Record models.FileRecord
	Data   []byte
	Ticket *SaveTicket
}

// PendingBuffer is a bounded FIFO queue of writes issued before the
// metadata store was ready. The bound is the engine's only backpressure
// point.
type PendingBuffer struct {
	limit int

	mu      sync.Mutex
	entries []*PendingWrite
}

// NewPendingBuffer creates a buffer holding at most limit entries.
func NewPendingBuffer(limit int) *PendingBuffer {
	return &PendingBuffer{limit: limit}
}

// Enqueue appends a write, or returns *models.BufferFullError when the
// buffer already holds limit entries.
func (b *PendingBuffer) Enqueue(w *PendingWrite) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= b.limit {
		return &models.BufferFullError{Limit: b.limit}
	}
	b.entries = append(b.entries, w)
	return nil
}

// Drain removes and returns all buffered writes in enqueue order.
func (b *PendingBuffer) Drain() []*PendingWrite {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.entries
	b.entries = nil
	return entries
}

// RejectAll drains the buffer and settles every ticket with err.
func (b *PendingBuffer) RejectAll(err error) {
	for _, w := range b.Drain() {
		w.Ticket.reject(err)
	}
}

// Len returns the number of buffered writes.
func (b *PendingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
