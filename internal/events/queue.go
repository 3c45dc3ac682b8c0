// Package events fans committed change events out to sinks.
//
// Producers push onto a bounded queue and never block; a single goroutine
// drains the queue and delivers each event to every sink.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fentz26/taskpilot/internal/models"
)

// DefaultQueueSize is the queue capacity used when none is configured.
const DefaultQueueSize = 1024

// Sink receives change events.
type Sink interface {
	// Name returns the sink identifier.
	Name() string

	// Send delivers one event.
	Send(ctx context.Context, ev models.ChangeEvent) error
}

// Queue is a bounded, drop-on-full event queue.
type Queue struct {
	ch     chan models.ChangeEvent
	sinks  []Sink
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewQueue creates a queue with the given capacity delivering to sinks.
func NewQueue(size int, logger *slog.Logger, sinks ...Sink) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		ch:     make(chan models.ChangeEvent, size),
		sinks:  sinks,
		logger: logger,
	}
}

// Publish enqueues events without blocking. Events that do not fit are
// dropped and counted. It returns the number accepted.
func (q *Queue) Publish(events ...models.ChangeEvent) int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.dropped.Add(int64(len(events)))
		return 0
	}

	accepted := 0
	for _, ev := range events {
		select {
		case q.ch <- ev:
			accepted++
		default:
			q.dropped.Add(1)
		}
	}
	q.published.Add(int64(accepted))
	if accepted < len(events) {
		q.logger.Warn("event queue full, events dropped", "dropped", len(events)-accepted)
	}
	return accepted
}

// Run drains the queue until it is closed or ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-q.ch:
			if !ok {
				return nil
			}
			q.fanOut(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (q *Queue) fanOut(ctx context.Context, ev models.ChangeEvent) {
	for _, s := range q.sinks {
		if err := s.Send(ctx, ev); err != nil {
			q.failed.Add(1)
			q.logger.Warn("event sink failed", "sink", s.Name(), "kind", ev.Kind, "entity_id", ev.EntityID, "err", err)
		}
	}
}

// Close stops accepting events. Run returns once the remaining events are drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Stats returns queue counters.
func (q *Queue) Stats() map[string]int64 {
	return map[string]int64{
		"published":    q.published.Load(),
		"dropped":      q.dropped.Load(),
		"sink_errors":  q.failed.Load(),
		"queue_length": int64(len(q.ch)),
	}
}

// Dropped returns how many events were discarded because the queue was full or closed.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}
