// Package testutil provides shared helpers for package and integration
// tests.
package testutil

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/TheMichaelB/capsync/internal/config"
	"github.com/TheMichaelB/capsync/internal/engine"
	"github.com/TheMichaelB/capsync/internal/events"
	"github.com/TheMichaelB/capsync/internal/models"
)

// NewTestLogger creates a debug logger capturing output in a buffer.
func NewTestLogger() (*events.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return events.New(events.DebugLevel, "json", &buf), &buf
}

// TestContext returns a context with the standard test deadline.
func TestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// TestConfig returns a valid configuration rooted in a per-test temp
// directory.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(dir, "blobs")
	cfg.Storage.MetadataPath = filepath.Join(dir, "metadata.db")
	cfg.Session.ID = "test-session"
	return cfg
}

// WaitForState blocks until the engine publishes a snapshot satisfying
// cond, or fails the test on timeout.
func WaitForState(t *testing.T, eng *engine.Engine, cond func(*models.EngineState) bool) *models.EngineState {
	t.Helper()

	matched := make(chan *models.EngineState, 1)
	cancel := eng.Subscribe(func(s *models.EngineState) {
		if cond(s) {
			select {
			case matched <- s:
			default:
			}
		}
	})
	defer cancel()

	if s := eng.Snapshot(); cond(s) {
		return s
	}

	select {
	case s := <-matched:
		return s
	case <-time.After(10 * time.Second):
		t.Fatal("engine never published the expected state")
		return nil
	}
}

// WaitSettled blocks until the engine is ready and idle.
func WaitSettled(t *testing.T, eng *engine.Engine) *models.EngineState {
	t.Helper()
	eng.RequestSync()
	return WaitForState(t, eng, func(s *models.EngineState) bool {
		return s.IsDBReady && s.SyncStatus == models.SyncIdle
	})
}
