// Package queue runs persistence tasks off the request path.
//
// Tasks are submitted under a key. Tasks sharing a key run one at a time in
// submission order; tasks with different keys run concurrently up to the
// worker count. The Inline executor runs each task on the caller's goroutine
// before Submit returns.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrSaturated is returned when the pending limit is reached. The task is
	// dropped, logged and counted.
	ErrSaturated = errors.New("persistence queue saturated")

	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("persistence queue closed")
)

// Task is a unit of persistence work. The context is cancelled when a
// shutdown gives up waiting for in-flight work.
type Task func(ctx context.Context)

// Executor accepts keyed tasks.
type Executor interface {
	Submit(key string, task Task) error
	Shutdown(ctx context.Context) error
}

var (
	submittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geomonitor_queue_submitted_total",
		Help: "Tasks accepted by the persistence queue",
	})
	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geomonitor_queue_dropped_total",
		Help: "Tasks dropped by the persistence queue",
	}, []string{"reason"})
	executedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geomonitor_queue_executed_total",
		Help: "Tasks run to completion, including ones that panicked",
	})
	panicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geomonitor_queue_panics_total",
		Help: "Tasks that panicked",
	})
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geomonitor_queue_pending",
		Help: "Tasks waiting for a worker",
	})
)

// run executes task and turns a panic into a log line so one bad record
// cannot take down a worker.
func run(ctx context.Context, key string, task Task) {
	defer func() {
		executedTotal.Inc()
		if r := recover(); r != nil {
			panicsTotal.Inc()
			slog.Error("persistence task panicked",
				"key", key,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	task(ctx)
}

// Inline runs tasks synchronously on the submitting goroutine.
type Inline struct {
	closed atomic.Bool
}

// NewInline creates an inline executor.
func NewInline() *Inline {
	return &Inline{}
}

// Submit runs task before returning.
func (e *Inline) Submit(key string, task Task) error {
	if e.closed.Load() {
		droppedTotal.WithLabelValues("closed").Inc()
		return ErrClosed
	}
	submittedTotal.Inc()
	run(context.Background(), key, task)
	return nil
}

// Shutdown rejects further submissions.
func (e *Inline) Shutdown(_ context.Context) error {
	e.closed.Store(true)
	return nil
}
