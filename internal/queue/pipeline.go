package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultWorkers is used when Options.Workers is not positive.
	DefaultWorkers = 4
	// DefaultMaxPending is used when Options.MaxPending is not positive.
	DefaultMaxPending = 10000
	// DefaultCancelGrace is used when Options.CancelGrace is not positive.
	DefaultCancelGrace = 5 * time.Second
)

// Options configures a Pipeline.
type Options struct {
	// Workers bounds how many keys make progress at once.
	Workers int
	// MaxPending bounds how many tasks may wait for a worker. Submissions
	// beyond it fail with ErrSaturated.
	MaxPending int
	// CancelGrace is how long Shutdown waits for in-flight tasks to return
	// after a drain timeout cancels them.
	CancelGrace time.Duration
}

// Pipeline is a key-ordered worker pool.
//
// Each key owns a FIFO of tasks. A key is either idle, waiting in the ready
// list, or held by exactly one worker; it re-enters the ready list only after
// its current task returns.
type Pipeline struct {
	mu         sync.Mutex
	cond       *sync.Cond
	queues     map[string][]Task
	ready      []string
	active     map[string]struct{}
	pending    int
	maxPending int
	closed     bool

	cancelGrace time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPipeline starts the workers.
func NewPipeline(opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		queues:      make(map[string][]Task),
		active:      make(map[string]struct{}),
		maxPending:  opts.MaxPending,
		cancelGrace: opts.CancelGrace,
		ctx:         ctx,
		cancel:      cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues task behind any earlier task with the same key.
// It never blocks on storage.
func (p *Pipeline) Submit(key string, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		droppedTotal.WithLabelValues("closed").Inc()
		return ErrClosed
	}
	if p.pending >= p.maxPending {
		droppedTotal.WithLabelValues("saturated").Inc()
		slog.Warn("persistence queue full, dropping task",
			"key", key,
			"pending", p.pending,
		)
		return ErrSaturated
	}

	q := append(p.queues[key], task)
	p.queues[key] = q
	p.pending++
	pendingGauge.Inc()
	submittedTotal.Inc()

	if _, busy := p.active[key]; !busy && len(q) == 1 {
		p.ready = append(p.ready, key)
		p.cond.Signal()
	}
	return nil
}

// Pending returns the number of tasks waiting for a worker.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.ready) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.ready) == 0 {
			p.mu.Unlock()
			return
		}

		key := p.ready[0]
		p.ready = p.ready[1:]
		q := p.queues[key]
		task := q[0]
		q[0] = nil
		p.queues[key] = q[1:]
		p.active[key] = struct{}{}
		p.pending--
		pendingGauge.Dec()
		p.mu.Unlock()

		run(p.ctx, key, task)

		p.mu.Lock()
		delete(p.active, key)
		if len(p.queues[key]) > 0 {
			p.ready = append(p.ready, key)
			p.cond.Signal()
		} else {
			delete(p.queues, key)
		}
		p.mu.Unlock()
	}
}

// Shutdown stops accepting tasks and waits for queued and in-flight tasks to
// finish. If ctx expires first, queued tasks are discarded, in-flight tasks
// see their context cancelled and the number of discarded tasks is logged.
// Shutdown then waits up to Options.CancelGrace for in-flight tasks to
// return, so callers may release what those tasks use.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	dropped := p.pending
	p.queues = make(map[string][]Task)
	p.ready = nil
	p.pending = 0
	pendingGauge.Sub(float64(dropped))
	p.cond.Broadcast()
	p.mu.Unlock()

	p.cancel()
	select {
	case <-done:
	case <-time.After(p.cancelGrace):
		slog.Warn("persistence workers still running after cancellation", "grace", p.cancelGrace)
	}
	droppedTotal.WithLabelValues("shutdown").Add(float64(dropped))
	slog.Error("persistence queue drain timed out",
		"dropped", dropped,
		"error", ctx.Err(),
	)
	return fmt.Errorf("drain persistence queue: %w", ctx.Err())
}
