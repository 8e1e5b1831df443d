package models

// SaveOptions controls how a payload is recorded.
type SaveOptions struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type,omitempty"`
	Category string `json:"category,omitempty"`

	// BlobKey, when supplied, must be globally unique; saving twice with the
	// same key upserts the record instead of creating a second one.
	BlobKey string `json:"blob_key,omitempty"`

	// FileSet overrides the engine's currently selected group.
	FileSet string `json:"file_set,omitempty"`
}

// DeleteTarget identifies one record to remove from both stores.
type DeleteTarget struct {
	BlobKey string `json:"blob_key"`
	ID      string `json:"id"`
}
