package telemetry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// AsyncReporter queues reports for a background worker so callers never
// block. When the queue is full the report is dropped and counted.
type AsyncReporter struct {
	next   Reporter
	queue  chan map[string]string
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsyncReporter starts a worker delivering to next. size bounds the queue.
func NewAsyncReporter(next Reporter, size int, logger zerolog.Logger) *AsyncReporter {
	if size <= 0 {
		size = 1
	}
	r := &AsyncReporter{
		next:   next,
		queue:  make(chan map[string]string, size),
		logger: logger.With().Str("component", "telemetry").Logger(),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// ReportProperties enqueues props. It returns false when the report was
// dropped.
func (r *AsyncReporter) ReportProperties(props map[string]string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		return false
	}
	select {
	case r.queue <- props:
		return true
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn().Int64("dropped", r.dropped.Load()).Msg("Telemetry queue full, dropping reports")
		}
		return false
	}
}

func (r *AsyncReporter) run() {
	defer close(r.done)
	for props := range r.queue {
		if !r.next.ReportProperties(props) {
			r.failed.Add(1)
		}
	}
}

// Close stops accepting reports and waits for queued ones to be delivered or
// for ctx to end.
func (r *AsyncReporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many reports were discarded.
func (r *AsyncReporter) Dropped() int64 { return r.dropped.Load() }

// Failed returns how many reports the downstream reporter rejected.
func (r *AsyncReporter) Failed() int64 { return r.failed.Load() }
