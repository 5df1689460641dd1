package auditlog

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore implements Store on SQLite. Documents are kept as JSON with
// the commonly filtered fields mirrored into columns; blobs are split into
// ChunkSize rows.
type SQLiteStore struct {
	db        *sql.DB
	retention *retention
}

// NewSQLiteStore creates the tables if they don't exist and starts the
// cleanup loop when retention is configured.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS monitor_requests (
			id TEXT PRIMARY KEY,
			internal_id TEXT,
			start_time DATETIME NOT NULL,
			path TEXT,
			service TEXT,
			response_status INTEGER DEFAULT 0,
			request_body_id TEXT,
			response_body_id TEXT,
			data JSON NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitor_blobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			parent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			length INTEGER NOT NULL,
			chunk_size INTEGER NOT NULL,
			uploaded_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitor_blob_chunks (
			blob_id TEXT NOT NULL,
			n INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (blob_id, n)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create monitor tables: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_monitor_start_time ON monitor_requests(start_time)",
		"CREATE INDEX IF NOT EXISTS idx_monitor_path ON monitor_requests(path)",
		"CREATE INDEX IF NOT EXISTS idx_monitor_service ON monitor_requests(service)",
		"CREATE INDEX IF NOT EXISTS idx_monitor_internal_id ON monitor_requests(internal_id)",
		"CREATE INDEX IF NOT EXISTS idx_monitor_blob_parent ON monitor_blobs(parent_id)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{db: db}
	store.retention = newRetention(retentionDays, store.cleanup)
	return store, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, doc *Document) (string, error) {
	id := uuid.NewString()
	stored := *doc
	stored.ID = id

	data, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("marshal request document: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO monitor_requests (id, internal_id, start_time, path, service, response_status,
			request_body_id, response_body_id, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		stored.InternalID,
		stored.StartTime.UTC().Format(time.RFC3339Nano),
		stored.Path,
		stored.Service,
		stored.ResponseStatus,
		nullString(stored.RequestBodyID),
		nullString(stored.ResponseBodyID),
		string(data),
	)
	if err != nil {
		return "", fmt.Errorf("insert request document: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) UpdateFields(ctx context.Context, id string, fields Fields) error {
	if err := validateFields(fields); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	err = tx.QueryRowContext(ctx, "SELECT data FROM monitor_requests WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load request document %s: %w", id, err)
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("decode request document %s: %w", id, err)
	}
	if err := doc.Apply(fields); err != nil {
		return err
	}
	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal request document: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE monitor_requests SET request_body_id = ?, response_body_id = ?, data = ? WHERE id = ?",
		nullString(doc.RequestBodyID), nullString(doc.ResponseBodyID), string(data), id)
	if err != nil {
		return fmt.Errorf("update request document %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Find(ctx context.Context, id string) (*Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM monitor_requests WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find request document %s: %w", id, err)
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode request document %s: %w", id, err)
	}
	doc.ID = id
	return &doc, nil
}

func (s *SQLiteStore) Upload(ctx context.Context, name string, r io.Reader, meta BlobMetadata) (string, error) {
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin upload: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	length, err := writeChunks(r, func(n int, chunk []byte) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO monitor_blob_chunks (blob_id, n, data) VALUES (?, ?, ?)", id, n, chunk)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO monitor_blobs (id, name, parent_id, kind, length, chunk_size, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, name, meta.ParentID, string(meta.Kind), length, ChunkSize,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return id, nil
}

func (s *SQLiteStore) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	var length int64
	err := s.db.QueryRowContext(ctx, "SELECT length FROM monitor_blobs WHERE id = ?", id).Scan(&length)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT data FROM monitor_blob_chunks WHERE blob_id = ? ORDER BY n", id)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	defer rows.Close()

	buf := bytes.NewBuffer(make([]byte, 0, length))
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, fmt.Errorf("read blob %s: %w", id, err)
		}
		buf.Write(chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	return io.NopCloser(buf), nil
}

// Close stops the cleanup goroutine.
// Note: We don't close the DB here as it's managed by the storage layer.
// Safe to call multiple times.
func (s *SQLiteStore) Close() error {
	s.retention.close()
	return nil
}

// cleanup deletes records older than the retention period and the blobs
// that belonged to them.
func (s *SQLiteStore) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := s.retention.cutoff().Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, "DELETE FROM monitor_requests WHERE start_time < ?", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old monitor records", "error", err)
		return
	}

	orphans := []string{
		"DELETE FROM monitor_blob_chunks WHERE blob_id IN (SELECT id FROM monitor_blobs WHERE parent_id NOT IN (SELECT id FROM monitor_requests))",
		"DELETE FROM monitor_blobs WHERE parent_id NOT IN (SELECT id FROM monitor_requests)",
	}
	for _, stmt := range orphans {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			slog.Error("failed to cleanup orphaned monitor blobs", "error", err)
			return
		}
	}

	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected > 0 {
		slog.Info("cleaned up old monitor records", "deleted", rowsAffected)
	}
}

// writeChunks splits r into ChunkSize pieces and hands each to write.
// It returns the total length.
func writeChunks(r io.Reader, write func(n int, chunk []byte) error) (int64, error) {
	var total int64
	buf := make([]byte, ChunkSize)
	for n := 0; ; n++ {
		read, err := io.ReadFull(r, buf)
		if read > 0 {
			chunk := make([]byte, read)
			copy(chunk, buf[:read])
			if werr := write(n, chunk); werr != nil {
				return total, werr
			}
			total += int64(read)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
