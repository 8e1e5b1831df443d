package models

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrEmptyPayload   = errors.New("payload is empty")
	ErrMissingID      = errors.New("record id is required")
	ErrMissingSession = errors.New("session id is required")
	ErrMissingBlobKey = errors.New("blob key is required")
	ErrBlobNotFound   = errors.New("blob not found")
	ErrStoreClosed    = errors.New("metadata store closed")
	ErrEngineClosed   = errors.New("engine closed")
)

// InitializationError means a store never became ready.
type InitializationError struct {
	Store string
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Store, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// WriteError means a blob or metadata write failed.
type WriteError struct {
	Op  string // "blob_put", "meta_insert", "validate", ...
	Key string // blob key or record id
	Err error
}

func (e *WriteError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("write %s [%s]: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("write %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// BufferFullError is the backpressure signal from the pending-write buffer.
type BufferFullError struct {
	Limit int
}

func (e *BufferFullError) Error() string {
	return fmt.Sprintf("pending-write buffer full (limit %d)", e.Limit)
}

// QueryError means an aggregate or select against the metadata store failed.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// ConsistencyRecoveryError means a forced resync itself failed; the view may
// stay stale until something else triggers a pass.
type ConsistencyRecoveryError struct {
	Cause error // the failure that forced the resync
	Err   error // the resync failure
}

func (e *ConsistencyRecoveryError) Error() string {
	return fmt.Sprintf("consistency recovery after %v: %v", e.Cause, e.Err)
}

func (e *ConsistencyRecoveryError) Unwrap() error { return e.Err }
