package filter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultReloadInterval is how often Run polls the rule resource.
const DefaultReloadInterval = time.Second

var filterReloads = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "geomonitor_filter_reloads_total",
		Help: "Number of rule resource reload attempts by result",
	},
	[]string{"result"},
)

// Signature identifies one version of the rule resource.
type Signature struct {
	ModTime time.Time
	Size    int64
	Hash    uint64
}

func (s Signature) sameStat(other Signature) bool {
	return s.ModTime.Equal(other.ModTime) && s.Size == other.Size
}

// hashEvery is how many polls Run makes between content hashes of a file
// whose modification time and size look unchanged.
const hashEvery = 10

// Watcher reloads a rule resource into a Cell when the file changes.
//
// A poll compares modification time and size first and hashes the content
// only when they differ. An edit that keeps the size within the
// filesystem's timestamp granularity passes that check, so Run also hashes
// the content every hashEvery polls.
type Watcher struct {
	path     string
	parse    Parser
	cell     *Cell
	interval time.Duration

	mu   sync.Mutex // serializes reloads
	last atomic.Pointer[Signature]
}

// NewWatcher creates a watcher for the file at path. The cell is the single
// owner of the active filter; the watcher only publishes into it.
func NewWatcher(path string, parse Parser, cell *Cell, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	return &Watcher{
		path:     path,
		parse:    parse,
		cell:     cell,
		interval: interval,
	}
}

// Path returns the watched file.
func (w *Watcher) Path() string {
	return w.path
}

// EnsureDefault installs content at the watched path when no file exists.
func (w *Watcher) EnsureDefault(content []byte) error {
	if _, err := os.Stat(w.path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", w.path, err)
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", w.path, err)
	}
	if err := os.WriteFile(w.path, content, 0644); err != nil {
		return fmt.Errorf("failed to install default rules at %s: %w", w.path, err)
	}
	slog.Info("installed default monitor filter", "path", w.path)
	return nil
}

// CheckAndReload reparses the resource if its signature changed and
// publishes the result. It returns the newly published filter, or nil when
// nothing changed or the reload failed. On failure the previous filter stays
// in force.
func (w *Watcher) CheckAndReload() (Filter, error) {
	return w.reload(false)
}

// reload is CheckAndReload; with force set the content is hashed even when
// the stat signature is unchanged.
func (w *Watcher) reload(force bool) (Filter, error) {
	sig, err := w.stat()
	if err != nil {
		return nil, err
	}
	if last := w.last.Load(); !force && last != nil && last.sameStat(sig) {
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Another caller may have reloaded while we waited for the lock.
	sig, err = w.stat()
	if err != nil {
		return nil, err
	}
	last := w.last.Load()
	if !force && last != nil && last.sameStat(sig) {
		return nil, nil
	}

	version := w.cell.Version()
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", w.path, err)
	}
	sig.Hash = xxhash.Sum64(data)
	if last != nil && last.Hash == sig.Hash {
		// Touched but unchanged.
		w.last.Store(&sig)
		return nil, nil
	}

	f, err := w.parse(data)
	// Remember the failed signature as well so a broken file is reported once
	// and retried only after it changes again.
	w.last.Store(&sig)
	if err != nil {
		filterReloads.WithLabelValues("failure").Inc()
		slog.Error("failed to reload monitor filter, keeping previous rules",
			"path", w.path,
			"error", err,
		)
		return nil, err
	}

	if !w.cell.CompareAndPublish(version, f) {
		// The cell was published by someone else in between; ours is newer
		// on disk so it still wins.
		w.cell.Publish(f)
	}
	filterReloads.WithLabelValues("success").Inc()

	attrs := []any{"path", w.path}
	if n, ok := f.(interface{ Len() int }); ok {
		attrs = append(attrs, "rules", n.Len())
	}
	slog.Info("monitor filter reloaded", attrs...)
	return f, nil
}

// Run polls the resource until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		select {
		case <-ticker.C:
			// Failures are logged by reload.
			_, _ = w.reload(polls%hashEvery == 0)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) stat() (Signature, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return Signature{}, fmt.Errorf("failed to stat %s: %w", w.path, err)
	}
	return Signature{ModTime: info.ModTime(), Size: info.Size()}, nil
}
