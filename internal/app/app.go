// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the monitor.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"geomonitor/config"
	"geomonitor/internal/auditlog"
	"geomonitor/internal/filter"
	"geomonitor/internal/server"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config  *config.Config
	monitor *auditlog.Service
	filter  *filter.Cell
	watcher *filter.Watcher
	server  *server.Server

	stopWatcher context.CancelFunc
	watcherDone chan struct{}

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Server.UpstreamURL == "" {
		return nil, fmt.Errorf("UPSTREAM_URL is required")
	}

	app := &App{config: cfg}

	cell, watcher, err := NewFilter(cfg.Monitor)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize monitor filter: %w", err)
	}
	app.filter = cell
	app.watcher = watcher

	monitor, err := auditlog.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize monitor storage: %w", err)
	}
	app.monitor = monitor

	srv, err := server.New(monitor.DAO, &server.Config{
		UpstreamURL:     cfg.Server.UpstreamURL,
		APIKey:          cfg.Server.APIKey,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		Monitor: auditlog.MiddlewareConfig{
			Filter:              cell,
			MaxRequestBodySize:  cfg.Monitor.MaxRequestBodySize,
			MaxResponseBodySize: cfg.Monitor.MaxResponseBodySize,
			InternalHost:        cfg.Server.InternalHost,
		},
	})
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Monitor.ShutdownTimeout)
		defer cancel()
		if closeErr := monitor.Close(closeCtx); closeErr != nil {
			return nil, fmt.Errorf("failed to create server: %w (also: monitor close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	app.server = srv

	watchCtx, cancel := context.WithCancel(context.Background())
	app.stopWatcher = cancel
	app.watcherDone = make(chan struct{})
	go func() {
		defer close(app.watcherDone)
		watcher.Run(watchCtx)
	}()

	app.logStartupInfo()
	return app, nil
}

// NewFilter installs the bundled rules when the rule file is missing, loads
// it once and returns the cell together with a watcher to keep it current.
// A rule file that fails to parse leaves an empty chain in force.
func NewFilter(cfg config.MonitorConfig) (*filter.Cell, *filter.Watcher, error) {
	mode := filter.Mode(cfg.FilterMode)
	parse, err := filter.ParserFor(mode)
	if err != nil {
		return nil, nil, err
	}

	cell := filter.NewCell(nil)
	watcher := filter.NewWatcher(cfg.FilterFile, parse, cell, cfg.FilterReloadInterval)
	if err := watcher.EnsureDefault(filter.DefaultResource(mode)); err != nil {
		return nil, nil, err
	}
	if _, err := watcher.CheckAndReload(); err != nil {
		slog.Warn("monitor filter not loaded, no request will be recorded until it is fixed",
			"path", cfg.FilterFile,
			"error", err,
		)
	}
	return cell, watcher, nil
}

// Filter returns the active filter cell.
func (a *App) Filter() *filter.Cell {
	return a.filter
}

// DAO returns the record DAO.
func (a *App) DAO() *auditlog.DAO {
	if a.monitor == nil {
		return nil
	}
	return a.monitor.DAO
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown, so no new record is produced.
// 2. Filter watcher stop.
// 3. Monitor close: drains pending persistence tasks within ctx, then
// releases the store and the database connection.
//
// Shutdown is idempotent. It attempts every step and returns a joined error
// if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	// 1. Shutdown HTTP server first (stop accepting new requests)
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	// 2. Stop watching the rule file
	if a.stopWatcher != nil {
		a.stopWatcher()
		<-a.watcherDone
	}

	// 3. Drain and close monitor storage
	if a.monitor != nil {
		if err := a.monitor.Close(ctx); err != nil {
			slog.Error("monitor close error", "error", err)
			errs = append(errs, fmt.Errorf("monitor close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	slog.Info("monitor configured",
		"upstream", cfg.Server.UpstreamURL,
		"filter_mode", cfg.Monitor.FilterMode,
		"filter_file", cfg.Monitor.FilterFile,
		"max_request_body_size", cfg.Monitor.MaxRequestBodySize,
		"max_response_body_size", cfg.Monitor.MaxResponseBodySize,
		"retention_days", cfg.Monitor.RetentionDays,
	)

	if cfg.Server.APIKey == "" {
		slog.Warn("MONITOR_API_KEY not set - record read API is unauthenticated")
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}
}
