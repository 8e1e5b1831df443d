package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/TheMichaelB/capsync/internal/events"
	"github.com/TheMichaelB/capsync/internal/models"
)

// LocalStore keeps blobs as files under a base directory. Keys are opaque
// strings, so file names carry the hex-encoded key and ListKeys decodes
// them back.
type LocalStore struct {
	baseDir string
	logger  *events.Logger
}

// NewLocalStore creates a filesystem blob store rooted at baseDir.
func NewLocalStore(baseDir string, logger *events.Logger) (*LocalStore, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &LocalStore{
		baseDir: absPath,
		logger:  logger.WithField("component", "local_blob_store"),
	}, nil
}

// Put writes atomically via a temp file and rename.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := s.pathFor(key)

	tmp, err := os.CreateTemp(s.baseDir, ".put-*")
	if err != nil {
		return &models.WriteError{Op: "blob_put", Key: key, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &models.WriteError{Op: "blob_put", Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &models.WriteError{Op: "blob_put", Key: key, Err: err}
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return &models.WriteError{Op: "blob_put", Key: key, Err: err}
	}

	s.logger.WithFields(map[string]interface{}{
		"key":  key,
		"size": len(data),
	}).Debug("Wrote blob")

	return nil
}

// Get reads the payload for key.
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.pathFor(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, models.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

// Remove deletes the payload for key; absent keys are ignored.
func (s *LocalStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(s.pathFor(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &models.WriteError{Op: "blob_remove", Key: key, Err: err}
	}
	return nil
}

// ListKeys returns all stored keys.
func (s *LocalStore) ListKeys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := hex.DecodeString(entry.Name())
		if err != nil {
			// Temp files and foreign content are skipped.
			continue
		}
		keys = append(keys, string(raw))
	}
	return keys, nil
}

func (s *LocalStore) pathFor(key string) string {
	return filepath.Join(s.baseDir, hex.EncodeToString([]byte(key)))
}
