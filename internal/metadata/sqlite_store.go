package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/capsync/internal/events"
	"github.com/TheMichaelB/capsync/internal/models"
)

// SQLiteStore implements Store on a local SQLite database. The database is
// opened and migrated in the background; callers block on Handle until the
// schema is in place, mirroring the async boundary the engine is built for.
type SQLiteStore struct {
	logger *events.Logger

	ready   chan struct{}
	initErr error

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// NewSQLiteStore starts opening the database at dbPath. The returned store
// is usable immediately; queries become available once initialization
// completes.
func NewSQLiteStore(dbPath string, logger *events.Logger) *SQLiteStore {
	s := &SQLiteStore{
		logger: logger.WithField("component", "sqlite_metadata_store"),
		ready:  make(chan struct{}),
	}

	go s.initialize(dbPath)
	return s
}

func (s *SQLiteStore) initialize(dbPath string) {
	defer close(s.ready)

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		s.initErr = &models.InitializationError{Store: "sqlite", Err: err}
		return
	}

	schema := `
    CREATE TABLE IF NOT EXISTS file_records (
        id TEXT PRIMARY KEY,
        session_id TEXT NOT NULL,
        file_set TEXT NOT NULL,
        category TEXT,
        file_name TEXT NOT NULL,
        mime_type TEXT,
        size INTEGER NOT NULL DEFAULT 0,
        blob_key TEXT NOT NULL UNIQUE,
        created_at TIMESTAMP NOT NULL,
        updated_at TIMESTAMP NOT NULL,
        deleted_at TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_records_session_set
        ON file_records(session_id, file_set);
    CREATE INDEX IF NOT EXISTS idx_records_blob_key
        ON file_records(blob_key);
    `

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		s.initErr = &models.InitializationError{Store: "sqlite", Err: fmt.Errorf("create schema: %w", err)}
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		db.Close()
		s.initErr = &models.InitializationError{Store: "sqlite", Err: models.ErrStoreClosed}
		return
	}
	s.db = db
	s.mu.Unlock()

	s.logger.WithField("path", dbPath).Debug("Metadata store ready")
}

// Handle blocks until the schema is migrated.
func (s *SQLiteStore) Handle(ctx context.Context) (QueryHandle, error) {
	select {
	case <-s.ready:
		if s.initErr != nil {
			return nil, s.initErr
		}
		return &sqliteHandle{store: s}, nil
	case <-ctx.Done():
		return nil, &models.InitializationError{Store: "sqlite", Err: ctx.Err()}
	}
}

// Ready reports whether initialization has completed successfully.
func (s *SQLiteStore) Ready() bool {
	select {
	case <-s.ready:
		return s.initErr == nil
	default:
		return false
	}
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type sqliteHandle struct {
	store *SQLiteStore
}

func (h *sqliteHandle) Insert(ctx context.Context, rec models.FileRecord) (models.FileRecord, error) {
	if err := rec.Validate(); err != nil {
		return models.FileRecord{}, err
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := h.store.db.ExecContext(ctx, `
        INSERT INTO file_records
            (id, session_id, file_set, category, file_name, mime_type, size,
             blob_key, created_at, updated_at, deleted_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
        ON CONFLICT(blob_key) DO UPDATE SET
            session_id = excluded.session_id,
            file_set   = excluded.file_set,
            category   = excluded.category,
            file_name  = excluded.file_name,
            mime_type  = excluded.mime_type,
            size       = excluded.size,
            updated_at = excluded.updated_at,
            deleted_at = NULL
    `, rec.ID, rec.SessionID, rec.FileSet, nullString(rec.Category),
		rec.FileName, rec.MimeType, rec.Size, rec.BlobKey,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return models.FileRecord{}, &models.WriteError{Op: "meta_insert", Key: rec.BlobKey, Err: err}
	}

	// Upserting by blob key keeps the original row id; read it back so the
	// caller sees the stored identity.
	row := h.store.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM file_records WHERE blob_key = ?`, rec.BlobKey)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return models.FileRecord{}, &models.WriteError{Op: "meta_insert", Key: rec.BlobKey, Err: err}
	}

	return rec, nil
}

func (h *sqliteHandle) Select(ctx context.Context, q Query) ([]models.FileRecord, error) {
	query := `
        SELECT id, session_id, file_set, category, file_name, mime_type,
               size, blob_key, created_at, updated_at
        FROM file_records
        WHERE session_id = ? AND file_set = ? AND deleted_at IS NULL`
	args := []interface{}{q.SessionID, q.FileSet}

	if q.Category != "" {
		query += " AND category = ?"
		args = append(args, q.Category)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := h.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &models.QueryError{Op: "select", Err: err}
	}
	defer rows.Close()

	var records []models.FileRecord
	for rows.Next() {
		var rec models.FileRecord
		var category sql.NullString
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.FileSet, &category,
			&rec.FileName, &rec.MimeType, &rec.Size, &rec.BlobKey,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, &models.QueryError{Op: "select", Err: err}
		}
		rec.Category = category.String
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, &models.QueryError{Op: "select", Err: err}
	}
	return records, nil
}

func (h *sqliteHandle) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := h.store.db.ExecContext(ctx,
		"DELETE FROM file_records WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return &models.WriteError{Op: "meta_delete", Err: err}
	}
	return nil
}

func (h *sqliteHandle) Aggregate(ctx context.Context, sessionID string) ([]models.FileSetAggregate, error) {
	// SQLite resolves bare columns in a MAX() group to the row holding the
	// maximum, so blob_key here is the newest record's key per file set.
	rows, err := h.store.db.QueryContext(ctx, `
        SELECT file_set, COUNT(*), blob_key, MAX(created_at)
        FROM file_records
        WHERE session_id = ? AND deleted_at IS NULL
        GROUP BY file_set
        ORDER BY file_set
    `, sessionID)
	if err != nil {
		return nil, &models.QueryError{Op: "aggregate", Err: err}
	}
	defer rows.Close()

	var aggs []models.FileSetAggregate
	for rows.Next() {
		var agg models.FileSetAggregate
		// The MAX() expression carries no declared column type, so the
		// driver hands it back as text. Only its grouping side effect
		// matters; the value itself is unused.
		var latest sql.NullString
		if err := rows.Scan(&agg.FileSet, &agg.Count, &agg.LatestBlobKey, &latest); err != nil {
			return nil, &models.QueryError{Op: "aggregate", Err: err}
		}
		aggs = append(aggs, agg)
	}

	return aggs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
