package auditlog

import (
	"sync"
	"time"
)

// CleanupInterval is how often SQL stores delete expired records.
const CleanupInterval = 1 * time.Hour

// RunCleanupLoop runs cleanupFn immediately and then every CleanupInterval
// until stop is closed.
func RunCleanupLoop(stop <-chan struct{}, cleanupFn func()) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	cleanupFn()

	for {
		select {
		case <-ticker.C:
			cleanupFn()
		case <-stop:
			return
		}
	}
}

// retention owns the cleanup goroutine of a SQL store.
type retention struct {
	days      int
	stop      chan struct{}
	closeOnce sync.Once
}

func newRetention(days int, cleanupFn func()) *retention {
	r := &retention{days: days, stop: make(chan struct{})}
	if days > 0 {
		go RunCleanupLoop(r.stop, cleanupFn)
	}
	return r
}

// cutoff is the oldest start time that is kept.
func (r *retention) cutoff() time.Time {
	return time.Now().AddDate(0, 0, -r.days).UTC()
}

// close stops the loop. Safe to call multiple times.
func (r *retention) close() {
	r.closeOnce.Do(func() {
		close(r.stop)
	})
}
