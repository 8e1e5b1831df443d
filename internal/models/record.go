package models

import (
	"strings"
	"time"
)

// Well-known capture categories. Records may carry any category string;
// these two drive the filtered views in EngineState.
const (
	CategoryCamera = "camera"
	CategoryAudio  = "audio"
)

// FileRecord is one row in the metadata store. BlobKey is unique and is
// the join key into the blob store.
type FileRecord struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	FileSet   string     `json:"file_set"`
	Category  string     `json:"category,omitempty"`
	FileName  string     `json:"file_name"`
	MimeType  string     `json:"mime_type"`
	Size      int64      `json:"size"`
	BlobKey   string     `json:"blob_key"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Validate checks the fields the stores rely on.
func (r *FileRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return &WriteError{Op: "validate", Key: r.BlobKey, Err: ErrMissingID}
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return &WriteError{Op: "validate", Key: r.BlobKey, Err: ErrMissingSession}
	}
	if strings.TrimSpace(r.BlobKey) == "" {
		return &WriteError{Op: "validate", Key: r.ID, Err: ErrMissingBlobKey}
	}
	return nil
}

// ToolFile is the view-model shape published to subscribers. DisplayHandle
// is empty until a handle has been resolved for the record's blob.
type ToolFile struct {
	FileRecord

	DisplayHandle string `json:"-"`
	IsPending     bool   `json:"is_pending"`
}

// FileSetSummary describes one named group of records within a session.
type FileSetSummary struct {
	Name          string `json:"name"`
	Count         int    `json:"count"`
	LatestBlobKey string `json:"latest_blob_key,omitempty"`
	DisplayHandle string `json:"-"`
}

// Signature returns the structural identity used for cache reuse: two
// summaries with equal signatures need no fresh blob resolution.
func (s *FileSetSummary) Signature() SummarySignature {
	return SummarySignature{Count: s.Count, LatestBlobKey: s.LatestBlobKey}
}

// SummarySignature is comparable; see FileSetSummary.Signature.
type SummarySignature struct {
	Count         int
	LatestBlobKey string
}

// FileSetAggregate is one row of the grouped metadata query.
type FileSetAggregate struct {
	FileSet       string
	Count         int
	LatestBlobKey string
}
