// Package engine keeps the metadata store, the blob store, and the
// published view model consistent. Consumers call the façade operations
// (SaveFile, DeleteFiles, SwitchFileSet); the reconciliation loop is the
// only component that reads both stores together.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/capsync/internal/blob"
	"github.com/TheMichaelB/capsync/internal/capture"
	"github.com/TheMichaelB/capsync/internal/events"
	"github.com/TheMichaelB/capsync/internal/metadata"
	"github.com/TheMichaelB/capsync/internal/models"
	"github.com/TheMichaelB/capsync/internal/session"
)

// Config tunes engine behavior. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// BufferLimit bounds the pending-write buffer.
	BufferLimit int

	// HydrateChunkSize bounds how many display handles one reconciliation
	// pass resolves between publishes.
	HydrateChunkSize int

	// DefaultFileSet is the group selected at startup.
	DefaultFileSet string
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() *Config {
	return &Config{
		BufferLimit:      50,
		HydrateChunkSize: 5,
		DefaultFileSet:   "default",
	}
}

// syncPhase is the reconciliation re-entrancy state machine. RequestSync
// and pass completion are the only transitions.
type syncPhase int

const (
	// phaseIdle: no pass running.
	phaseIdle syncPhase = iota

	// phaseRunning: one pass in flight, no follow-up requested.
	phaseRunning

	// phaseRunningWithPending: one pass in flight plus exactly one more
	// guaranteed after it. Further requests coalesce into this state.
	phaseRunningWithPending
)

// Engine coordinates the stores and publishes EngineState snapshots.
type Engine struct {
	meta    metadata.Store
	blobs   blob.Store
	sess    session.Context
	router  *capture.Router // optional
	handles *Allocator
	buffer  *PendingBuffer
	cfg     *Config
	logger  *events.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// publishMu serializes snapshot replacement and notification so
	// subscribers observe states in publication order.
	publishMu sync.Mutex

	mu          sync.Mutex
	phase       syncPhase
	state       *models.EngineState
	optimistic  map[string]models.ToolFile // blobKey -> unconfirmed entry
	knownSets   map[string]struct{}
	summaries   map[string]models.FileSetSummary
	summarySess string
	subs        map[int]func(*models.EngineState)
	nextSub     int
	closed      bool

	unsubSession func()
}

// New constructs an engine around the injected stores and starts waiting
// for metadata-store readiness. router may be nil.
func New(
	meta metadata.Store,
	blobs blob.Store,
	sess session.Context,
	router *capture.Router,
	cfg *Config,
	logger *events.Logger,
) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		meta:       meta,
		blobs:      blobs,
		sess:       sess,
		router:     router,
		handles:    NewAllocator(logger),
		buffer:     NewPendingBuffer(cfg.BufferLimit),
		cfg:        cfg,
		logger:     logger.WithField("component", "sync_engine"),
		ctx:        ctx,
		cancel:     cancel,
		state:      models.NewEngineState(cfg.DefaultFileSet),
		optimistic: make(map[string]models.ToolFile),
		knownSets:  map[string]struct{}{cfg.DefaultFileSet: {}},
		summaries:  make(map[string]models.FileSetSummary),
		subs:       make(map[int]func(*models.EngineState)),
	}

	e.unsubSession = sess.Subscribe(func(string) { e.RequestSync() })

	e.wg.Add(1)
	go e.awaitReadiness()

	return e
}

// Snapshot returns the current published state. The snapshot is immutable.
func (e *Engine) Snapshot() *models.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe registers a listener invoked with every published snapshot.
// Listeners must return quickly and must not call engine operations
// synchronously. The returned function removes the listener.
func (e *Engine) Subscribe(fn func(*models.EngineState)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := e.nextSub
	e.nextSub++
	e.subs[key] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, key)
	}
}

// Handles exposes the display-handle allocator so consumers can resolve a
// published handle back to its payload.
func (e *Engine) Handles() *Allocator { return e.handles }

// SaveFile records a payload. The published views gain an optimistic entry
// before any storage I/O happens; the returned ticket settles once the
// write is durable (or buffered writes commit, or the write fails).
func (e *Engine) SaveFile(ctx context.Context, data []byte, opts models.SaveOptions) (*SaveTicket, error) {
	if len(data) == 0 {
		return nil, models.ErrEmptyPayload
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, models.ErrEngineClosed
	}
	fileSet := e.state.CurrentFileSet
	e.mu.Unlock()

	if opts.FileSet != "" {
		fileSet = opts.FileSet
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	blobKey := opts.BlobKey
	if blobKey == "" {
		blobKey = "cap-" + uuid.NewString()
	}

	now := time.Now().UTC()
	entry := models.ToolFile{
		FileRecord: models.FileRecord{
			ID:        uuid.NewString(),
			SessionID: e.sess.CurrentSessionID(),
			FileSet:   fileSet,
			Category:  opts.Category,
			FileName:  opts.FileName,
			MimeType:  mimeType,
			Size:      int64(len(data)),
			BlobKey:   blobKey,
			CreatedAt: now,
			UpdatedAt: now,
		},
		DisplayHandle: e.handles.Allocate(data),
		IsPending:     true,
	}

	ticket := newSaveTicket(entry.ID, blobKey)

	// Synchronous optimistic publish: the caller's own write is visible
	// before any storage I/O.
	e.publish(func(next *models.EngineState) {
		e.optimistic[blobKey] = entry
		e.knownSets[fileSet] = struct{}{}
		setViews(next, upsertEntry(next.Files, entry))
	})

	e.wg.Add(1)
	go e.completeSave(data, entry, ticket)

	return ticket, nil
}

// completeSave runs the durable half of a save: blob first, then the
// metadata commit or the pending-write buffer.
func (e *Engine) completeSave(data []byte, entry models.ToolFile, ticket *SaveTicket) {
	defer e.wg.Done()

	log := e.logger.WithFields(map[string]interface{}{
		"blob_key":  entry.BlobKey,
		"file_name": entry.FileName,
	})

	// Durability precedes indexing.
	if err := e.blobs.Put(e.ctx, entry.BlobKey, data); err != nil {
		log.WithError(err).Error("Blob write failed, rolling back optimistic entry")
		e.dropOptimistic(entry.BlobKey)
		ticket.reject(err)
		return
	}

	if !e.meta.Ready() {
		werr := e.buffer.Enqueue(&PendingWrite{
			Record: entry.FileRecord,
			Data:   data,
			Ticket: ticket,
		})
		if werr != nil {
			log.WithError(werr).Warn("Pending-write buffer full, rejecting save")
			e.dropOptimistic(entry.BlobKey)
			if rerr := e.blobs.Remove(e.ctx, entry.BlobKey); rerr != nil {
				log.WithError(rerr).Warn("Failed to remove blob for rejected save")
			}
			ticket.reject(werr)
			return
		}

		e.publish(func(next *models.EngineState) {
			next.SyncStatus = models.SyncBuffering
		})
		return
	}

	// Store is ready: the caller gets the provisional identity now; the
	// commit reconciles asynchronously.
	ticket.resolve(entry.FileRecord)

	qh, err := e.meta.Handle(e.ctx)
	if err != nil {
		log.WithError(err).Error("Metadata store unavailable after readiness check")
		e.RequestSync()
		return
	}

	committed, err := qh.Insert(e.ctx, entry.FileRecord)
	if err != nil {
		// Self-healing: the next pass re-derives the view from the stores.
		log.WithError(err).Error("Metadata commit failed, forcing resync")
		e.RequestSync()
		return
	}

	e.markCommitted(entry.BlobKey)
	e.offerCapture(committed)
	e.RequestSync()
}

// DeleteFiles removes the targets from the published views immediately and
// cleans both stores in the background. Failures are logged and trigger a
// recovery resync but are not surfaced; use DeleteFilesWait for that.
func (e *Engine) DeleteFiles(targets []models.DeleteTarget) {
	ids, keys := e.removeFromViews(targets)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.finishDelete(e.ctx, ids, keys); err != nil {
			e.logger.WithError(err).Warn("Background delete failed; next sync pass reconciles")
		}
	}()
}

// DeleteFilesWait is the awaitable variant of DeleteFiles: identical
// optimistic semantics, but the background outcome is returned.
func (e *Engine) DeleteFilesWait(ctx context.Context, targets []models.DeleteTarget) error {
	ids, keys := e.removeFromViews(targets)
	return e.finishDelete(ctx, ids, keys)
}

// removeFromViews drops the targets from the snapshot and returns the
// metadata row ids (provisional ids filtered out) and blob keys to clean.
func (e *Engine) removeFromViews(targets []models.DeleteTarget) (ids, keys []string) {
	e.publish(func(next *models.EngineState) {
		drop := make(map[string]struct{}, len(targets))
		for _, t := range targets {
			if t.BlobKey == "" {
				continue
			}
			drop[t.BlobKey] = struct{}{}
			keys = append(keys, t.BlobKey)

			// Rows that only ever existed optimistically have no durable id
			// to delete. Committed entries keep theirs even before a pass
			// promotes them out of the optimistic map.
			opt, tracked := e.optimistic[t.BlobKey]
			delete(e.optimistic, t.BlobKey)
			if t.ID != "" && !(tracked && opt.IsPending) {
				ids = append(ids, t.ID)
			}
		}

		kept := next.Files[:0:0]
		for _, f := range next.Files {
			if _, gone := drop[f.BlobKey]; !gone {
				kept = append(kept, f)
			}
		}
		setViews(next, kept)
	})
	return ids, keys
}

// finishDelete removes metadata rows and blobs in parallel, then forces one
// reconciliation pass regardless of outcome.
func (e *Engine) finishDelete(ctx context.Context, ids, keys []string) error {
	defer e.RequestSync()

	errCh := make(chan error, len(keys)+1)
	var wg sync.WaitGroup

	if len(ids) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			qh, err := e.meta.Handle(ctx)
			if err != nil {
				errCh <- err
				return
			}
			if err := qh.Delete(ctx, ids); err != nil {
				errCh <- err
			}
		}()
	}

	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if err := e.blobs.Remove(ctx, key); err != nil {
				errCh <- err
			}
		}(key)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SwitchFileSet selects a different group and triggers reconciliation. The
// selected group stays visible in the published views even while empty.
func (e *Engine) SwitchFileSet(name string) {
	if name == "" {
		return
	}

	changed := false
	e.publish(func(next *models.EngineState) {
		if next.CurrentFileSet == name {
			return
		}
		changed = true
		next.CurrentFileSet = name
		e.knownSets[name] = struct{}{}
		if !containsString(next.FileSets, name) {
			next.FileSets = append(next.FileSets, name)
		}
		if !containsSummary(next.FileSetInfo, name) {
			next.FileSetInfo = append(next.FileSetInfo, models.FileSetSummary{Name: name})
		}
	})

	if changed {
		e.RequestSync()
	}
}

// RequestSync schedules a reconciliation pass. It is idempotent and
// coalescing: while a pass runs, any number of requests collapse into
// exactly one follow-up pass.
func (e *Engine) RequestSync() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	switch e.phase {
	case phaseIdle:
		e.phase = phaseRunning
		e.wg.Add(1)
		go e.runLoop()
	case phaseRunning:
		e.phase = phaseRunningWithPending
	case phaseRunningWithPending:
		// Already guaranteed one more full pass.
	}
}

// Close stops background work, settles buffered writes, and revokes all
// live handles.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.unsubSession()
	e.buffer.RejectAll(models.ErrEngineClosed)
	e.wg.Wait()
	e.handles.RevokeAll()
	return nil
}

// awaitReadiness resolves the metadata handle once and kicks off the first
// reconciliation, or fails every buffered write if the store never comes
// up.
func (e *Engine) awaitReadiness() {
	defer e.wg.Done()

	if _, err := e.meta.Handle(e.ctx); err != nil {
		if e.ctx.Err() != nil {
			return
		}
		e.logger.WithError(err).Error("Metadata store failed to initialize")
		e.buffer.RejectAll(err)
		e.publish(func(next *models.EngineState) {
			next.SyncStatus = models.SyncError
			next.Err = err
		})
		return
	}

	e.logger.Info("Metadata store ready")
	e.publish(func(next *models.EngineState) {
		next.IsDBReady = true
		if next.SyncStatus != models.SyncError {
			next.SyncStatus = models.SyncSyncing
		}
	})
	e.RequestSync()
}

// offerCapture hands a freshly committed record to the interested consumer,
// if one registered for its category. Pure side channel.
func (e *Engine) offerCapture(rec models.FileRecord) {
	if e.router == nil || rec.Category == "" {
		return
	}
	if target := e.router.Take(rec.Category); target != nil {
		target(rec)
	}
}

// markCommitted flags the optimistic entry for blobKey as durably indexed.
// The entry stays visible until a pass promotes it, but a delete arriving
// before that promotion must treat its id as a real row id.
func (e *Engine) markCommitted(blobKey string) {
	e.mu.Lock()
	if opt, ok := e.optimistic[blobKey]; ok {
		opt.IsPending = false
		e.optimistic[blobKey] = opt
	}
	e.mu.Unlock()
}

// dropOptimistic removes a never-confirmed entry from the views.
func (e *Engine) dropOptimistic(blobKey string) {
	e.publish(func(next *models.EngineState) {
		delete(e.optimistic, blobKey)
		kept := next.Files[:0:0]
		for _, f := range next.Files {
			if f.BlobKey != blobKey {
				kept = append(kept, f)
			}
		}
		setViews(next, kept)
	})
}

// publish atomically replaces the snapshot and notifies subscribers. The
// mutate callback runs with the engine lock held; display handles dropped
// by the mutation are revoked exactly once.
func (e *Engine) publish(mutate func(next *models.EngineState)) {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	e.mu.Lock()
	prev := e.state
	next := prev.Clone()
	mutate(next)
	next.PendingSaves = e.buffer.Len()
	e.state = next
	subs := make([]func(*models.EngineState), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	e.revokeDropped(prev, next)

	for _, fn := range subs {
		fn(next)
	}
}

// revokeDropped releases handles referenced by prev but not by next.
func (e *Engine) revokeDropped(prev, next *models.EngineState) {
	stillLive := referencedHandles(next)
	for h := range referencedHandles(prev) {
		if _, ok := stillLive[h]; !ok {
			e.handles.Revoke(h)
		}
	}
}

func referencedHandles(s *models.EngineState) map[string]struct{} {
	refs := make(map[string]struct{})
	for _, f := range s.Files {
		if f.DisplayHandle != "" {
			refs[f.DisplayHandle] = struct{}{}
		}
	}
	for _, info := range s.FileSetInfo {
		if info.DisplayHandle != "" {
			refs[info.DisplayHandle] = struct{}{}
		}
	}
	return refs
}

// setViews installs files as the visible set and re-derives the
// category-filtered views.
func setViews(next *models.EngineState, files []models.ToolFile) {
	camera := []models.ToolFile{}
	audio := []models.ToolFile{}
	for _, f := range files {
		switch f.Category {
		case models.CategoryCamera:
			camera = append(camera, f)
		case models.CategoryAudio:
			audio = append(audio, f)
		}
	}
	next.Files = files
	next.CameraFiles = camera
	next.AudioFiles = audio
}

// upsertEntry prepends entry, replacing any existing entry with the same
// blob key.
func upsertEntry(files []models.ToolFile, entry models.ToolFile) []models.ToolFile {
	out := make([]models.ToolFile, 0, len(files)+1)
	out = append(out, entry)
	for _, f := range files {
		if f.BlobKey != entry.BlobKey {
			out = append(out, f)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsSummary(list []models.FileSetSummary, name string) bool {
	for _, v := range list {
		if v.Name == name {
			return true
		}
	}
	return false
}
