package models

// SyncStatus reports what the engine is currently doing.
type SyncStatus string

const (
	SyncIdle      SyncStatus = "idle"
	SyncBuffering SyncStatus = "buffering"
	SyncSyncing   SyncStatus = "syncing"
	SyncError     SyncStatus = "error"
)

// EngineState is the snapshot published to subscribers. It is replaced
// wholesale on every mutation and must never be modified after publication.
type EngineState struct {
	Files       []ToolFile `json:"files"`
	CameraFiles []ToolFile `json:"camera_files"`
	AudioFiles  []ToolFile `json:"audio_files"`

	FileSets       []string         `json:"file_sets"`
	FileSetInfo    []FileSetSummary `json:"file_set_info"`
	CurrentFileSet string           `json:"current_file_set"`

	IsDBReady    bool       `json:"is_db_ready"`
	PendingSaves int        `json:"pending_saves"`
	SyncStatus   SyncStatus `json:"sync_status"`
	Err          error      `json:"-"`
}

// NewEngineState returns an empty snapshot for the given file set.
func NewEngineState(fileSet string) *EngineState {
	return &EngineState{
		Files:          []ToolFile{},
		CameraFiles:    []ToolFile{},
		AudioFiles:     []ToolFile{},
		FileSets:       []string{fileSet},
		FileSetInfo:    []FileSetSummary{{Name: fileSet}},
		CurrentFileSet: fileSet,
		SyncStatus:     SyncIdle,
	}
}

// Clone returns a copy with fresh slices, safe to mutate before publishing.
func (s *EngineState) Clone() *EngineState {
	c := *s
	c.Files = append([]ToolFile(nil), s.Files...)
	c.CameraFiles = append([]ToolFile(nil), s.CameraFiles...)
	c.AudioFiles = append([]ToolFile(nil), s.AudioFiles...)
	c.FileSets = append([]string(nil), s.FileSets...)
	c.FileSetInfo = append([]FileSetSummary(nil), s.FileSetInfo...)
	return &c
}

// FindFile returns the visible ToolFile with the given blob key.
func (s *EngineState) FindFile(blobKey string) (ToolFile, bool) {
	for _, f := range s.Files {
		if f.BlobKey == blobKey {
			return f, true
		}
	}
	return ToolFile{}, false
}
