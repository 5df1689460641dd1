package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store on PostgreSQL with a JSONB document
// column and BYTEA blob chunks.
type PostgreSQLStore struct {
	pool      *pgxpool.Pool
	retention *retention
}

// NewPostgreSQLStore creates the tables if they don't exist and starts the
// cleanup loop when retention is configured.
func NewPostgreSQLStore(pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	ctx := context.Background()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS monitor_requests (
			id UUID PRIMARY KEY,
			internal_id TEXT,
			start_time TIMESTAMPTZ NOT NULL,
			path TEXT,
			service TEXT,
			response_status INTEGER DEFAULT 0,
			request_body_id UUID,
			response_body_id UUID,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitor_blobs (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			parent_id UUID NOT NULL,
			kind TEXT NOT NULL,
			length BIGINT NOT NULL,
			chunk_size INTEGER NOT NULL,
			uploaded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitor_blob_chunks (
			blob_id UUID NOT NULL REFERENCES monitor_blobs(id) ON DELETE CASCADE,
			n INTEGER NOT NULL,
			data BYTEA NOT NULL,
			PRIMARY KEY (blob_id, n)
		)`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create monitor tables: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_monitor_start_time ON monitor_requests(start_time)",
		"CREATE INDEX IF NOT EXISTS idx_monitor_path ON monitor_requests(path)",
		"CREATE INDEX IF NOT EXISTS idx_monitor_service ON monitor_requests(service)",
		"CREATE INDEX IF NOT EXISTS idx_monitor_data_gin ON monitor_requests USING GIN (data)",
		"CREATE INDEX IF NOT EXISTS idx_monitor_blob_parent ON monitor_blobs(parent_id)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &PostgreSQLStore{pool: pool}
	store.retention = newRetention(retentionDays, store.cleanup)
	return store, nil
}

func (s *PostgreSQLStore) Insert(ctx context.Context, doc *Document) (string, error) {
	id := uuid.NewString()
	stored := *doc
	stored.ID = id

	data, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("marshal request document: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO monitor_requests (id, internal_id, start_time, path, service, response_status,
			request_body_id, response_body_id, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, stored.InternalID, stored.StartTime, stored.Path, stored.Service, stored.ResponseStatus,
		stored.RequestBodyID, stored.ResponseBodyID, data)
	if err != nil {
		return "", fmt.Errorf("insert request document: %w", err)
	}
	return id, nil
}

func (s *PostgreSQLStore) UpdateFields(ctx context.Context, id string, fields Fields) error {
	if err := validateFields(fields); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var raw []byte
	err = tx.QueryRow(ctx, "SELECT data FROM monitor_requests WHERE id = $1 FOR UPDATE", id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load request document %s: %w", id, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode request document %s: %w", id, err)
	}
	if err := doc.Apply(fields); err != nil {
		return err
	}
	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal request document: %w", err)
	}

	_, err = tx.Exec(ctx,
		"UPDATE monitor_requests SET request_body_id = $1, response_body_id = $2, data = $3 WHERE id = $4",
		doc.RequestBodyID, doc.ResponseBodyID, data, id)
	if err != nil {
		return fmt.Errorf("update request document %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgreSQLStore) Find(ctx context.Context, id string) (*Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}

	var raw []byte
	err := s.pool.QueryRow(ctx, "SELECT data FROM monitor_requests WHERE id = $1", id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find request document %s: %w", id, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode request document %s: %w", id, err)
	}
	doc.ID = id
	return &doc, nil
}

func (s *PostgreSQLStore) Upload(ctx context.Context, name string, r io.Reader, meta BlobMetadata) (string, error) {
	id := uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin upload: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO monitor_blobs (id, name, parent_id, kind, length, chunk_size, uploaded_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		id, name, meta.ParentID, string(meta.Kind), ChunkSize, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}

	batch := &pgx.Batch{}
	length, err := writeChunks(r, func(n int, chunk []byte) error {
		batch.Queue("INSERT INTO monitor_blob_chunks (blob_id, n, data) VALUES ($1, $2, $3)", id, n, chunk)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	batch.Queue("UPDATE monitor_blobs SET length = $1 WHERE id = $2", length, id)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return id, nil
}

func (s *PostgreSQLStore) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}

	var length int64
	err := s.pool.QueryRow(ctx, "SELECT length FROM monitor_blobs WHERE id = $1", id).Scan(&length)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, "SELECT data FROM monitor_blob_chunks WHERE blob_id = $1 ORDER BY n", id)
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
// Note: We don't close the pool here as it's managed by the storage layer.
func (s *PostgreSQLStore) Close() error {
	s.retention.close()
	return nil
}

// cleanup deletes records older than the retention period; their blobs go
// with them.
func (s *PostgreSQLStore) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := s.pool.Exec(ctx, "DELETE FROM monitor_requests WHERE start_time < $1", s.retention.cutoff())
	if err != nil {
		slog.Error("failed to cleanup old monitor records", "error", err)
		return
	}
	if _, err := s.pool.Exec(ctx,
		"DELETE FROM monitor_blobs WHERE parent_id NOT IN (SELECT id FROM monitor_requests)"); err != nil {
		slog.Error("failed to cleanup orphaned monitor blobs", "error", err)
		return
	}

	if result.RowsAffected() > 0 {
		slog.Info("cleaned up old monitor records", "deleted", result.RowsAffected())
	}
}
