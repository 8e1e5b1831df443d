package engine

import (
	"context"
	"sort"

	"github.com/TheMichaelB/capsync/internal/metadata"
	"github.com/TheMichaelB/capsync/internal/models"
)

// runLoop executes reconciliation passes until no follow-up is pending and
// nothing drifted mid-pass. It is the only goroutine allowed to read both
// stores together; the phase state machine guarantees a single instance.
func (e *Engine) runLoop() {
	defer e.wg.Done()

	for {
		stale := e.runPass(e.ctx)

		e.mu.Lock()
		if e.closed {
			e.phase = phaseIdle
			e.mu.Unlock()
			return
		}
		if e.phase == phaseRunningWithPending || stale {
			e.phase = phaseRunning
			e.mu.Unlock()
			continue
		}
		e.phase = phaseIdle
		e.mu.Unlock()

		e.publishSettled()
		return
	}
}

// publishSettled writes the terminal status for a finished loop. The mutate
// callback runs under e.mu, so the phase re-check is race-free: a pass that
// started between the loop's phase reset and this publish owns the status
// and must not be overwritten with a stale idle.
func (e *Engine) publishSettled() {
	e.publish(func(next *models.EngineState) {
		if next.SyncStatus == models.SyncError {
			return
		}
		if e.phase != phaseIdle {
			return
		}
		if e.buffer.Len() > 0 {
			next.SyncStatus = models.SyncBuffering
		} else {
			next.SyncStatus = models.SyncIdle
		}
	})
}

// runPass performs one full reconciliation. It returns true when the pass
// went stale mid-flight (session or group drifted, or hydration was
// interrupted by a new request) and must be repeated from the top.
func (e *Engine) runPass(ctx context.Context) (stale bool) {
	// Step 1: pin the inputs for this pass.
	sessionID := e.sess.CurrentSessionID()
	e.mu.Lock()
	fileSet := e.state.CurrentFileSet
	e.mu.Unlock()

	if !e.meta.Ready() {
		// Nothing durable to reconcile against yet; republish the
		// optimistic view so buffered saves stay visible.
		e.publish(func(next *models.EngineState) {
			next.IsDBReady = false
			if e.buffer.Len() > 0 {
				next.SyncStatus = models.SyncBuffering
			}
		})
		return false
	}

	qh, err := e.meta.Handle(ctx)
	if err != nil {
		e.publishFailure(err)
		return false
	}

	// Step 2: drain buffered writes in FIFO order.
	if pending := e.buffer.Drain(); len(pending) > 0 {
		e.publish(func(next *models.EngineState) {
			next.IsDBReady = true
			next.SyncStatus = models.SyncSyncing
		})
		for _, w := range pending {
			committed, err := qh.Insert(ctx, w.Record)
			if err != nil {
				e.logger.WithError(err).WithField("blob_key", w.Record.BlobKey).
					Error("Buffered write failed to commit")
				w.Ticket.reject(err)
				continue
			}
			w.Ticket.resolve(committed)
			e.markCommitted(w.Record.BlobKey)
			e.offerCapture(committed)
		}
	}

	// Step 3: one grouped query for the whole session.
	aggs, err := qh.Aggregate(ctx, sessionID)
	if err != nil {
		e.publishFailure(err)
		return false
	}

	summaries := e.buildSummaries(ctx, sessionID, fileSet, aggs)

	// Step 5: the visible record set, newest first. Category views derive
	// from the same result.
	records, err := qh.Select(ctx, metadata.Query{
		SessionID: sessionID,
		FileSet:   fileSet,
	})
	if err != nil {
		e.publishFailure(err)
		return false
	}

	// Steps 6-8: merge optimistic entries, publish; the publish diff
	// revokes handles owned by entries that dropped out (step 7).
	names := make([]string, 0, len(summaries))
	for _, s := range summaries {
		names = append(names, s.Name)
	}

	e.publish(func(next *models.EngineState) {
		setViews(next, e.mergeOptimistic(records, next.Files, sessionID, fileSet))
		next.FileSets = names
		next.FileSetInfo = summaries
		next.IsDBReady = true
		next.SyncStatus = models.SyncSyncing
		next.Err = nil
	})

	// Step 9: resolve missing display handles in small chunks so one pass
	// never monopolizes the blob store.
	if interrupted := e.hydrateHandles(ctx); interrupted {
		return true
	}

	// Step 10: drift check against the pinned inputs.
	e.mu.Lock()
	currentSet := e.state.CurrentFileSet
	e.mu.Unlock()
	return sessionID != e.sess.CurrentSessionID() || fileSet != currentSet
}

// buildSummaries executes step 4: union the aggregated group names with the
// previously known set plus the current selection, reuse cached summaries
// whose (count, latestBlobKey) signature is unchanged, and resolve a fresh
// display handle for the rest.
func (e *Engine) buildSummaries(ctx context.Context, sessionID, fileSet string, aggs []models.FileSetAggregate) []models.FileSetSummary {
	byName := make(map[string]models.FileSetAggregate, len(aggs))
	for _, agg := range aggs {
		byName[agg.FileSet] = agg
	}

	var orphans []string

	e.mu.Lock()
	if e.summarySess != sessionID {
		// Cached summaries belong to another session's records. Handles
		// that never made it into a snapshot have no publish diff to
		// revoke them, so they are released here.
		published := referencedHandles(e.state)
		for _, prev := range e.summaries {
			if prev.DisplayHandle == "" {
				continue
			}
			if _, ok := published[prev.DisplayHandle]; !ok {
				orphans = append(orphans, prev.DisplayHandle)
			}
		}
		e.summaries = make(map[string]models.FileSetSummary)
		e.summarySess = sessionID
	}
	names := make([]string, 0, len(e.knownSets)+len(aggs)+1)
	seen := make(map[string]struct{}, len(e.knownSets)+len(aggs)+1)
	for name := range e.knownSets {
		names = append(names, name)
		seen[name] = struct{}{}
	}
	for _, agg := range aggs {
		if _, ok := seen[agg.FileSet]; !ok {
			names = append(names, agg.FileSet)
			seen[agg.FileSet] = struct{}{}
			e.knownSets[agg.FileSet] = struct{}{}
		}
	}
	if _, ok := seen[fileSet]; !ok {
		names = append(names, fileSet)
		e.knownSets[fileSet] = struct{}{}
	}
	cached := make(map[string]models.FileSetSummary, len(e.summaries))
	for k, v := range e.summaries {
		cached[k] = v
	}
	e.mu.Unlock()

	sort.Strings(names)

	summaries := make([]models.FileSetSummary, 0, len(names))
	for _, name := range names {
		agg := byName[name] // zero value for empty groups
		summary := models.FileSetSummary{
			Name:          name,
			Count:         agg.Count,
			LatestBlobKey: agg.LatestBlobKey,
		}

		if prev, ok := cached[name]; ok && prev.Signature() == summary.Signature() {
			summaries = append(summaries, prev)
			continue
		}

		if summary.LatestBlobKey != "" {
			data, err := e.blobs.Get(ctx, summary.LatestBlobKey)
			if err != nil {
				e.logger.WithError(err).WithField("blob_key", summary.LatestBlobKey).
					Warn("Could not resolve latest blob for file set")
			} else {
				summary.DisplayHandle = e.handles.Allocate(data)
			}
		}
		summaries = append(summaries, summary)
	}

	fresh := make(map[string]models.FileSetSummary, len(summaries))
	for _, s := range summaries {
		fresh[s.Name] = s
	}

	e.mu.Lock()
	published := referencedHandles(e.state)
	for name, prev := range e.summaries {
		if prev.DisplayHandle == "" {
			continue
		}
		if cur, ok := fresh[name]; ok && cur.DisplayHandle == prev.DisplayHandle {
			continue
		}
		// Superseded before it ever appeared in a snapshot: no publish
		// diff will revoke it.
		if _, ok := published[prev.DisplayHandle]; !ok {
			orphans = append(orphans, prev.DisplayHandle)
		}
	}
	e.summaries = fresh
	e.mu.Unlock()

	for _, h := range orphans {
		e.handles.Revoke(h)
	}

	return summaries
}

// mergeOptimistic builds the new visible set: queried records first (they
// are authoritative), then any still-unconfirmed optimistic entries on top
// so a caller's own write never flickers out. Confirmed entries are
// promoted: their optimistic copy is dropped and its handle carried over.
// Must be called with e.mu held (inside a publish mutation).
func (e *Engine) mergeOptimistic(records []models.FileRecord, prevFiles []models.ToolFile, sessionID, fileSet string) []models.ToolFile {
	carry := make(map[string]string, len(prevFiles))
	for _, f := range prevFiles {
		if f.DisplayHandle != "" {
			carry[f.BlobKey] = f.DisplayHandle
		}
	}

	files := make([]models.ToolFile, 0, len(records)+len(e.optimistic))
	confirmed := make(map[string]struct{}, len(records))
	for _, rec := range records {
		confirmed[rec.BlobKey] = struct{}{}

		tf := models.ToolFile{FileRecord: rec}
		if opt, ok := e.optimistic[rec.BlobKey]; ok {
			// Promoted: the record is durable now.
			tf.DisplayHandle = opt.DisplayHandle
			delete(e.optimistic, rec.BlobKey)
		} else if h, ok := carry[rec.BlobKey]; ok {
			tf.DisplayHandle = h
		}
		files = append(files, tf)
	}

	// Unconfirmed writes for this session and group stay visible, newest
	// position.
	var heads []models.ToolFile
	for key, opt := range e.optimistic {
		if _, ok := confirmed[key]; ok {
			continue
		}
		if opt.SessionID != sessionID || opt.FileSet != fileSet {
			continue
		}
		heads = append(heads, opt)
	}
	sort.Slice(heads, func(i, j int) bool {
		return heads[i].CreatedAt.After(heads[j].CreatedAt)
	})

	return append(heads, files...)
}

// hydrateHandles resolves display handles for visible entries that lack
// one, chunked and published incrementally. Returns true when a new sync
// request arrived mid-chunk and the pass should restart instead.
func (e *Engine) hydrateHandles(ctx context.Context) (interrupted bool) {
	e.mu.Lock()
	var missing []string
	for _, f := range e.state.Files {
		if f.DisplayHandle == "" {
			missing = append(missing, f.BlobKey)
		}
	}
	e.mu.Unlock()

	chunkSize := e.cfg.HydrateChunkSize
	for start := 0; start < len(missing); start += chunkSize {
		if e.pendingRequested() {
			return true
		}

		end := start + chunkSize
		if end > len(missing) {
			end = len(missing)
		}

		resolved := make(map[string]string, end-start)
		for _, key := range missing[start:end] {
			data, err := e.blobs.Get(ctx, key)
			if err != nil {
				e.logger.WithError(err).WithField("blob_key", key).
					Debug("Skipping handle resolution")
				continue
			}
			resolved[key] = e.handles.Allocate(data)
		}
		if len(resolved) == 0 {
			continue
		}

		var unused []string
		e.publish(func(next *models.EngineState) {
			files := append([]models.ToolFile(nil), next.Files...)
			for i := range files {
				h, ok := resolved[files[i].BlobKey]
				if !ok {
					continue
				}
				if files[i].DisplayHandle != "" {
					// A concurrent save already attached a fresher handle.
					unused = append(unused, h)
					continue
				}
				files[i].DisplayHandle = h
				delete(resolved, files[i].BlobKey)
			}
			// Entries that vanished between publishes leave their freshly
			// resolved handles unused.
			for _, h := range resolved {
				unused = append(unused, h)
			}
			setViews(next, files)
		})
		for _, h := range unused {
			e.handles.Revoke(h)
		}
	}
	return false
}

func (e *Engine) pendingRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase == phaseRunningWithPending
}

// publishFailure degrades to "stale but self-correcting": the error is
// surfaced on the snapshot and the view keeps whatever it had. A pass that
// fails while the snapshot already carries an error is a failed recovery,
// reported as such with the original cause preserved.
func (e *Engine) publishFailure(err error) {
	e.logger.WithError(err).Error("Reconciliation pass failed")
	e.publish(func(next *models.EngineState) {
		if next.SyncStatus == models.SyncError && next.Err != nil {
			cause := next.Err
			if prev, ok := cause.(*models.ConsistencyRecoveryError); ok {
				cause = prev.Cause
			}
			err = &models.ConsistencyRecoveryError{Cause: cause, Err: err}
		}
		next.SyncStatus = models.SyncError
		next.Err = err
	})
}
