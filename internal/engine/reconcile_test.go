package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/capsync/internal/blob"
	"github.com/TheMichaelB/capsync/internal/events"
	"github.com/TheMichaelB/capsync/internal/metadata"
	"github.com/TheMichaelB/capsync/internal/models"
	"github.com/TheMichaelB/capsync/internal/session"
)

func newEngineWithMocks(t *testing.T) (*Engine, *metadata.MockStore) {
	t.Helper()

	meta := metadata.NewMockStore()
	eng := New(meta, blob.NewMockStore(), session.Static{ID: "s1"}, nil, nil, events.NewNop())
	t.Cleanup(func() { require.NoError(t, eng.Close()) })
	return eng, meta
}

func waitStatus(t *testing.T, eng *Engine, status models.SyncStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return eng.Snapshot().SyncStatus == status
	}, 5*time.Second, 5*time.Millisecond, "engine never reached %s", status)
}

func TestSummaryHandleNeverPublishedIsRevoked(t *testing.T) {
	eng, meta := newEngineWithMocks(t)
	ctx := context.Background()

	save := func(name string) {
		t.Helper()
		ticket, err := eng.SaveFile(ctx, []byte(name), models.SaveOptions{FileName: name})
		require.NoError(t, err)
		_, err = ticket.Wait(ctx)
		require.NoError(t, err)
	}

	save("a.txt")
	waitStatus(t, eng, models.SyncIdle)

	// While selects fail, every pass dies after allocating a summary handle
	// it never publishes; each new save changes the group signature so the
	// cached handle keeps being superseded.
	meta.SelectErr = errors.New("locked")
	save("b.txt")
	waitStatus(t, eng, models.SyncError)
	save("c.txt")
	require.Eventually(t, func() bool {
		return len(meta.Records()) == 3
	}, 5*time.Second, 5*time.Millisecond)

	meta.SelectErr = nil
	eng.RequestSync()
	waitStatus(t, eng, models.SyncIdle)

	// Every live handle must be reachable from the settled snapshot.
	assert.Equal(t, len(referencedHandles(eng.Snapshot())), eng.Handles().Live())
}

func TestSettledPublishYieldsToNewPass(t *testing.T) {
	eng, _ := newEngineWithMocks(t)
	waitStatus(t, eng, models.SyncIdle)

	// Simulate a pass starting between the loop's phase reset and its
	// terminal status publish.
	eng.publish(func(next *models.EngineState) { next.SyncStatus = models.SyncSyncing })
	eng.mu.Lock()
	eng.phase = phaseRunning
	eng.mu.Unlock()

	eng.publishSettled()
	assert.Equal(t, models.SyncSyncing, eng.Snapshot().SyncStatus,
		"stale settle must not overwrite an in-flight pass")

	eng.mu.Lock()
	eng.phase = phaseIdle
	eng.mu.Unlock()

	eng.publishSettled()
	assert.Equal(t, models.SyncIdle, eng.Snapshot().SyncStatus)
}
