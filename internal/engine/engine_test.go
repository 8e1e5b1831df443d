package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/capsync/internal/blob"
	"github.com/TheMichaelB/capsync/internal/capture"
	"github.com/TheMichaelB/capsync/internal/engine"
	"github.com/TheMichaelB/capsync/internal/events"
	"github.com/TheMichaelB/capsync/internal/metadata"
	"github.com/TheMichaelB/capsync/internal/models"
	"github.com/TheMichaelB/capsync/internal/session"
)

const (
	waitTimeout = 5 * time.Second
	tick        = 5 * time.Millisecond
)

type fixture struct {
	meta   *metadata.MockStore
	blobs  *blob.MockStore
	sess   *session.Switchable
	router *capture.Router
	eng    *engine.Engine
}

func newFixture(t *testing.T, meta *metadata.MockStore) *fixture {
	t.Helper()

	f := &fixture{
		meta:   meta,
		blobs:  blob.NewMockStore(),
		sess:   session.NewSwitchable("session-1"),
		router: capture.NewRouter(),
	}
	f.eng = engine.New(f.meta, f.blobs, f.sess, f.router, nil, events.NewNop())
	t.Cleanup(func() { require.NoError(t, f.eng.Close()) })
	return f
}

func (f *fixture) waitIdle(t *testing.T) *models.EngineState {
	t.Helper()
	require.Eventually(t, func() bool {
		s := f.eng.Snapshot()
		return s.IsDBReady && s.SyncStatus == models.SyncIdle
	}, waitTimeout, tick, "engine did not settle")
	return f.eng.Snapshot()
}

func (f *fixture) waitPendingSaves(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.eng.Snapshot().PendingSaves == n
	}, waitTimeout, tick, "expected %d pending saves", n)
}

func TestSaveFileRoundTrip(t *testing.T) {
	f := newFixture(t, metadata.NewMockStore())
	ctx := context.Background()

	payload := []byte("round trip payload")
	ticket, err := f.eng.SaveFile(ctx, payload, models.SaveOptions{FileName: "a.txt"})
	require.NoError(t, err)

	rec, err := ticket.Wait(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.NotEmpty(t, rec.BlobKey)

	stored, err := f.blobs.Get(ctx, rec.BlobKey)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	require.Eventually(t, func() bool {
		return len(f.meta.Records()) == 1
	}, waitTimeout, tick)
	assert.Equal(t, "a.txt", f.meta.Records()[0].FileName)

	state := f.waitIdle(t)
	require.Len(t, state.Files, 1)
	assert.False(t, state.Files[0].IsPending)
}

func TestSaveFileOptimisticEntryIsImmediate(t *testing.T) {
	// The entry must be visible before any storage I/O settles.
	f := newFixture(t, metadata.NewMockStore())

	_, err := f.eng.SaveFile(context.Background(), []byte("x"), models.SaveOptions{
		FileName: "instant.bin",
		Category: models.CategoryCamera,
	})
	require.NoError(t, err)

	state := f.eng.Snapshot()
	require.Len(t, state.Files, 1)
	assert.True(t, state.Files[0].IsPending)
	assert.NotEmpty(t, state.Files[0].DisplayHandle)
	require.Len(t, state.CameraFiles, 1)

	_, live := f.eng.Handles().Resolve(state.Files[0].DisplayHandle)
	assert.True(t, live)
}

func TestSaveFileEmptyPayload(t *testing.T) {
	f := newFixture(t, metadata.NewMockStore())

	_, err := f.eng.SaveFile(context.Background(), nil, models.SaveOptions{FileName: "a"})
	assert.ErrorIs(t, err, models.ErrEmptyPayload)
}

func TestSaveFileBlobFailureLeavesNoResidue(t *testing.T) {
	f := newFixture(t, metadata.NewMockStore())
	f.blobs.PutErr = errors.New("disk full")

	ticket, err := f.eng.SaveFile(context.Background(), []byte("x"), models.SaveOptions{FileName: "a"})
	require.NoError(t, err)

	_, err = ticket.Wait(context.Background())
	var werr *models.WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "blob_put", werr.Op)

	require.Eventually(t, func() bool {
		return len(f.eng.Snapshot().Files) == 0
	}, waitTimeout, tick)

	allocated, revoked := f.eng.Handles().Stats()
	assert.Equal(t, allocated, revoked, "failed save must not leak its handle")
}

func TestRequestSyncCoalescing(t *testing.T) {
	meta := metadata.NewMockStore()

	entered := make(chan struct{}, 64)
	gate := make(chan struct{})
	meta.AggregateHook = func() {
		entered <- struct{}{}
		<-gate
	}

	f := newFixture(t, meta)

	// The readiness pass is now parked inside Aggregate.
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("no pass started")
	}

	// A storm of requests while a pass runs coalesces into one follow-up.
	for i := 0; i < 25; i++ {
		go f.eng.RequestSync()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)

	f.waitIdle(t)
	assert.Equal(t, 2, meta.AggregateCount(),
		"expected the in-flight pass plus exactly one more")
}

func TestBufferingOrderWhileStoreNotReady(t *testing.T) {
	f := newFixture(t, metadata.NewPendingMockStore())
	ctx := context.Background()

	var tickets []*engine.SaveTicket
	names := []string{"one.txt", "two.txt", "three.txt"}
	for i, name := range names {
		ticket, err := f.eng.SaveFile(ctx, []byte(name), models.SaveOptions{FileName: name})
		require.NoError(t, err)
		tickets = append(tickets, ticket)
		f.waitPendingSaves(t, i+1)
	}

	state := f.eng.Snapshot()
	assert.False(t, state.IsDBReady)
	assert.Equal(t, models.SyncBuffering, state.SyncStatus)

	// No ticket may settle before the store is ready.
	select {
	case <-tickets[0].Done():
		t.Fatal("ticket settled while store not ready")
	case <-time.After(50 * time.Millisecond):
	}

	f.meta.SetReady()

	for i, ticket := range tickets {
		rec, err := ticket.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, names[i], rec.FileName)
	}

	order := f.meta.InsertOrder()
	require.Len(t, order, 3)
	assert.Equal(t, tickets[0].BlobKey, order[0])
	assert.Equal(t, tickets[1].BlobKey, order[1])
	assert.Equal(t, tickets[2].BlobKey, order[2])
}

func TestBufferBackpressure(t *testing.T) {
	f := newFixture(t, metadata.NewPendingMockStore())
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := f.eng.SaveFile(ctx, []byte{byte(i)}, models.SaveOptions{FileName: "f"})
		require.NoError(t, err)
		f.waitPendingSaves(t, i+1)
	}

	ticket, err := f.eng.SaveFile(ctx, []byte("one too many"), models.SaveOptions{FileName: "g"})
	require.NoError(t, err)

	_, err = ticket.Wait(ctx)
	var full *models.BufferFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 50, full.Limit)

	// The rejected save leaves no optimistic residue.
	require.Eventually(t, func() bool {
		return len(f.eng.Snapshot().Files) == 50
	}, waitTimeout, tick)
}

func TestDeleteConsistency(t *testing.T) {
	f := newFixture(t, metadata.NewMockStore())
	ctx := context.Background()

	ticket, err := f.eng.SaveFile(ctx, []byte("doomed"), models.SaveOptions{FileName: "d.txt"})
	require.NoError(t, err)
	rec, err := ticket.Wait(ctx)
	require.NoError(t, err)
	f.waitIdle(t)

	f.eng.DeleteFiles([]models.DeleteTarget{{BlobKey: rec.BlobKey, ID: rec.ID}})

	// Removal from the views is synchronous.
	assert.Empty(t, f.eng.Snapshot().Files)

	require.Eventually(t, func() bool {
		_, err := f.blobs.Get(ctx, rec.BlobKey)
		return errors.Is(err, models.ErrBlobNotFound) && len(f.meta.Records()) == 0
	}, waitTimeout, tick)
}

func TestDeleteAfterCommitBeforePromotion(t *testing.T) {
	// A record whose metadata row committed while reconciliation was still
	// in flight must delete durably, even though no pass promoted it yet.
	meta := metadata.NewMockStore()
	entered := make(chan struct{}, 8)
	gate := make(chan struct{})
	meta.AggregateHook = func() {
		entered <- struct{}{}
		<-gate
	}

	f := newFixture(t, meta)
	ctx := context.Background()

	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("no pass started")
	}

	ticket, err := f.eng.SaveFile(ctx, []byte("committed early"), models.SaveOptions{FileName: "e.txt"})
	require.NoError(t, err)
	rec, err := ticket.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.meta.Records()) == 1
	}, waitTimeout, tick, "row never committed")

	require.NoError(t, f.eng.DeleteFilesWait(ctx,
		[]models.DeleteTarget{{BlobKey: rec.BlobKey, ID: rec.ID}}))
	assert.Empty(t, f.meta.Records(), "metadata row should be deleted")

	close(gate)
	state := f.waitIdle(t)
	assert.Empty(t, state.Files, "deleted record must not resurface")

	_, err = f.blobs.Get(ctx, rec.BlobKey)
	assert.ErrorIs(t, err, models.ErrBlobNotFound)
}

func TestDeleteFilesWaitSurfacesErrors(t *testing.T) {
	f := newFixture(t, metadata.NewMockStore())
	ctx := context.Background()

	ticket, err := f.eng.SaveFile(ctx, []byte("stuck"), models.SaveOptions{FileName: "s.txt"})
	require.NoError(t, err)
	rec, err := ticket.Wait(ctx)
	require.NoError(t, err)
	f.waitIdle(t)

	f.blobs.RemoveErr = errors.New("remove refused")

	err = f.eng.DeleteFilesWait(ctx, []models.DeleteTarget{{BlobKey: rec.BlobKey, ID: rec.ID}})
	require.Error(t, err)

	// The optimistic removal holds even though the background delete
	// failed; the next pass is the recovery mechanism.
	assert.Empty(t, f.eng.Snapshot().Files)
}

func TestPendingSaveScenario(t *testing.T) {
	// Save a 10-byte camera capture while the store is initializing; the
	// record must confirm once the store comes up.
	f := newFixture(t, metadata.NewPendingMockStore())
	ctx := context.Background()

	payload := []byte("0123456789")
	ticket, err := f.eng.SaveFile(ctx, payload, models.SaveOptions{
		FileName: "shot.jpg",
		MimeType: "image/jpeg",
		Category: models.CategoryCamera,
	})
	require.NoError(t, err)
	f.waitPendingSaves(t, 1)

	state := f.eng.Snapshot()
	require.Len(t, state.CameraFiles, 1)
	assert.True(t, state.CameraFiles[0].IsPending)

	select {
	case <-ticket.Done():
		t.Fatal("ticket settled before readiness")
	case <-time.After(50 * time.Millisecond):
	}

	f.meta.SetReady()

	rec, err := ticket.Wait(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, ticket.BlobKey, rec.BlobKey)

	require.Eventually(t, func() bool {
		s := f.eng.Snapshot()
		return len(s.CameraFiles) == 1 && !s.CameraFiles[0].IsPending
	}, waitTimeout, tick)
}

func TestHandleBalanceAcrossRepeatedSaves(t *testing.T) {
	f := newFixture(t, metadata.NewMockStore())
	ctx := context.Background()

	const key = "fixed-key"
	const saves = 5

	for i := 0; i < saves; i++ {
		ticket, err := f.eng.SaveFile(ctx, []byte{byte(i)}, models.SaveOptions{
			FileName: "same.bin",
			BlobKey:  key,
		})
		require.NoError(t, err)
		_, err = ticket.Wait(ctx)
		require.NoError(t, err)
		f.waitIdle(t)
	}

	state := f.eng.Snapshot()
	require.Len(t, state.Files, 1)
	require.NotEmpty(t, state.Files[0].DisplayHandle)

	// The visible entry handle and the set summary handle stay live;
	// every superseded handle was revoked exactly once.
	allocated, revoked := f.eng.Handles().Stats()
	assert.Equal(t, f.eng.Handles().Live(), allocated-revoked)
	assert.Equal(t, 2, f.eng.Handles().Live())

	_, live := f.eng.Handles().Resolve(state.Files[0].DisplayHandle)
	assert.True(t, live, "currently visible handle must never be revoked")
}

func TestSwitchFileSetKeepsEmptyGroupVisible(t *testing.T) {
	f := newFixture(t, metadata.NewMockStore())
	f.waitIdle(t)

	f.eng.SwitchFileSet("trip-notes")

	state := f.waitIdle(t)
	assert.Equal(t, "trip-notes", state.CurrentFileSet)
	assert.Contains(t, state.FileSets, "trip-notes")
	assert.Contains(t, state.FileSets, "default")

	found := false
	for _, info := range state.FileSetInfo {
		if info.Name == "trip-notes" {
			found = true
			assert.Equal(t, 0, info.Count)
		}
	}
	assert.True(t, found, "selected group must stay visible while empty")
}

func TestSwitchFileSetShowsGroupRecords(t *testing.T) {
	meta := metadata.NewMockStore()
	meta.Seed(models.FileRecord{
		ID:        "seed-1",
		SessionID: "session-1",
		FileSet:   "archive",
		FileName:  "old.txt",
		BlobKey:   "seed-blob-1",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})

	f := newFixture(t, meta)
	require.NoError(t, f.blobs.Put(context.Background(), "seed-blob-1", []byte("old content")))
	f.waitIdle(t)

	f.eng.SwitchFileSet("archive")

	require.Eventually(t, func() bool {
		s := f.eng.Snapshot()
		return s.CurrentFileSet == "archive" && len(s.Files) == 1
	}, waitTimeout, tick)

	// Hydration resolves the handle from the blob store.
	require.Eventually(t, func() bool {
		s := f.eng.Snapshot()
		return len(s.Files) == 1 && s.Files[0].DisplayHandle != ""
	}, waitTimeout, tick)

	data, ok := f.eng.Handles().Resolve(f.eng.Snapshot().Files[0].DisplayHandle)
	require.True(t, ok)
	assert.Equal(t, []byte("old content"), data)
}

func TestSessionSwitchRescopesView(t *testing.T) {
	f := newFixture(t, metadata.NewMockStore())
	ctx := context.Background()

	ticket, err := f.eng.SaveFile(ctx, []byte("mine"), models.SaveOptions{FileName: "m.txt"})
	require.NoError(t, err)
	_, err = ticket.Wait(ctx)
	require.NoError(t, err)
	f.waitIdle(t)
	require.Len(t, f.eng.Snapshot().Files, 1)

	f.sess.Switch("session-2")

	require.Eventually(t, func() bool {
		return len(f.eng.Snapshot().Files) == 0
	}, waitTimeout, tick)
}

func TestCaptureTargetOffer(t *testing.T) {
	f := newFixture(t, metadata.NewMockStore())
	ctx := context.Background()

	offered := make(chan models.FileRecord, 1)
	f.router.SetTarget(models.CategoryAudio, func(rec models.FileRecord) {
		offered <- rec
	})

	ticket, err := f.eng.SaveFile(ctx, []byte("pcm"), models.SaveOptions{
		FileName: "clip.ogg",
		Category: models.CategoryAudio,
	})
	require.NoError(t, err)
	_, err = ticket.Wait(ctx)
	require.NoError(t, err)

	select {
	case rec := <-offered:
		assert.Equal(t, "clip.ogg", rec.FileName)
	case <-time.After(waitTimeout):
		t.Fatal("capture target never offered")
	}

	// The target is one-shot.
	assert.Nil(t, f.router.Take(models.CategoryAudio))
}

func TestInitializationFailureRejectsBufferedWrites(t *testing.T) {
	f := newFixture(t, metadata.NewPendingMockStore())
	ctx := context.Background()

	ticket, err := f.eng.SaveFile(ctx, []byte("lost"), models.SaveOptions{FileName: "l.txt"})
	require.NoError(t, err)
	f.waitPendingSaves(t, 1)

	f.meta.FailInit(errors.New("corrupt database"))

	_, err = ticket.Wait(ctx)
	var initErr *models.InitializationError
	require.ErrorAs(t, err, &initErr)

	require.Eventually(t, func() bool {
		return f.eng.Snapshot().SyncStatus == models.SyncError
	}, waitTimeout, tick)
	assert.Error(t, f.eng.Snapshot().Err)
}

func TestQueryFailureDegradesAndRecovers(t *testing.T) {
	meta := metadata.NewMockStore()
	f := newFixture(t, meta)
	f.waitIdle(t)

	meta.AggregateErr = errors.New("locked")
	f.eng.RequestSync()

	require.Eventually(t, func() bool {
		return f.eng.Snapshot().SyncStatus == models.SyncError
	}, waitTimeout, tick)

	// A second failing pass is a failed recovery and is reported as one,
	// keeping the original cause reachable.
	f.eng.RequestSync()
	require.Eventually(t, func() bool {
		var rerr *models.ConsistencyRecoveryError
		return errors.As(f.eng.Snapshot().Err, &rerr)
	}, waitTimeout, tick)

	// Clearing the fault and syncing again self-heals.
	meta.AggregateErr = nil
	f.eng.RequestSync()

	state := f.waitIdle(t)
	assert.NoError(t, state.Err)
}

func TestSaveAfterClose(t *testing.T) {
	f := newFixture(t, metadata.NewMockStore())
	require.NoError(t, f.eng.Close())

	_, err := f.eng.SaveFile(context.Background(), []byte("x"), models.SaveOptions{FileName: "a"})
	assert.ErrorIs(t, err, models.ErrEngineClosed)
}
