package auditlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"geomonitor/config"
	"geomonitor/internal/queue"
	"geomonitor/internal/storage"
)

// Service holds the DAO and the resources behind it.
// The caller must call Close during shutdown.
type Service struct {
	DAO     *DAO
	Store   Store
	Storage storage.Storage
}

// Close drains the executor within ctx, then releases the store and the
// storage connection. Safe to call once.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.DAO != nil {
		if err := s.DAO.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("executor shutdown: %w", err))
		}
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if s.Storage != nil {
		if err := s.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New opens storage, creates the matching store and builds the DAO with
// an inline or pipelined executor per MONITOR_SYNC.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	conn, err := storage.New(ctx, buildStorageConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	store, err := createStore(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	dao := NewDAO(store, store, newExecutor(cfg.Monitor), Options{
		MaxRequestBodySize:  cfg.Monitor.MaxRequestBodySize,
		MaxResponseBodySize: cfg.Monitor.MaxResponseBodySize,
	})

	slog.Info("monitor storage ready",
		"type", conn.Type(),
		"sync", cfg.Monitor.Sync,
		"workers", cfg.Monitor.Workers,
	)
	return &Service{DAO: dao, Store: store, Storage: conn}, nil
}

func newExecutor(cfg config.MonitorConfig) queue.Executor {
	if cfg.Sync == config.SyncModeSync {
		return queue.NewInline()
	}
	return queue.NewPipeline(queue.Options{
		Workers:    cfg.Workers,
		MaxPending: cfg.QueueSize,
	})
}

// buildStorageConfig creates a storage.Config from the application config.
func buildStorageConfig(cfg *config.Config) storage.Config {
	storageCfg := storage.DefaultConfig()
	if cfg.Storage.Type != "" {
		storageCfg.Type = cfg.Storage.Type
	}
	if cfg.Storage.MongoDB.URL != "" {
		storageCfg.MongoDB.URL = cfg.Storage.MongoDB.URL
	}
	if cfg.Storage.MongoDB.Database != "" {
		storageCfg.MongoDB.Database = cfg.Storage.MongoDB.Database
	}
	if cfg.Storage.SQLite.Path != "" {
		storageCfg.SQLite.Path = cfg.Storage.SQLite.Path
	}
	storageCfg.PostgreSQL.URL = cfg.Storage.PostgreSQL.URL
	if cfg.Storage.PostgreSQL.MaxConns > 0 {
		storageCfg.PostgreSQL.MaxConns = cfg.Storage.PostgreSQL.MaxConns
	}
	return storageCfg
}

// createStore creates the Store for the given storage backend.
func createStore(conn storage.Storage, cfg *config.Config) (Store, error) {
	retentionDays := cfg.Monitor.RetentionDays

	switch conn.Type() {
	case storage.TypeMongoDB:
		return NewMongoDBStore(conn.MongoDatabase(), MongoDBOptions{
			Collection:    cfg.Storage.MongoDB.Collection,
			Bucket:        cfg.Storage.MongoDB.Bucket,
			RetentionDays: retentionDays,
		})
	case storage.TypeSQLite:
		return NewSQLiteStore(conn.SQLiteDB(), retentionDays)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(conn.PostgreSQLPool(), retentionDays)
	case storage.TypeMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", conn.Type())
	}
}
