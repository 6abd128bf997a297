// Package relay holds the message processor, the outbound delivery queue
// with its push workers, and the cache janitor.
package relay

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/mastodon-ml/relay/internal/ap"
	"github.com/mastodon-ml/relay/internal/db"
	"github.com/mastodon-ml/relay/internal/metrics"
)

// queueCapacity bounds the delivery backlog. Enqueue blocks when full, which
// backpressures the processor rather than growing without bound.
const queueCapacity = 256

// PostItem is one pending delivery: an activity bound for a peer inbox.
type PostItem struct {
	Inbox    string
	Message  *ap.Message
	Instance db.Instance
}

// Queue is the bounded MPMC channel between the processor and the push
// workers. The mutex orders in-flight Pushes against Close so late
// enqueues from still-running processor goroutines fail instead of
// hitting a closed channel.
type Queue struct {
	ch   chan PostItem
	mu   sync.RWMutex
	done chan struct{}
}

// NewQueue creates an empty delivery queue.
func NewQueue() *Queue {
	return &Queue{
		ch:   make(chan PostItem, queueCapacity),
		done: make(chan struct{}),
	}
}

// Push enqueues a delivery, blocking when the queue is full. Returns false
// once ctx is cancelled or the queue is closed.
func (q *Queue) Push(ctx context.Context, item PostItem) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.ch <- item:
		metrics.QueueDepth.Inc()
		return true
	case <-q.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close stops accepting deliveries; workers drain what remains and exit.
// Safe to call more than once and concurrently with Push.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.done:
		return
	default:
	}
	close(q.done)
	close(q.ch)
}

// Len reports the current backlog.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Poster is what a push worker needs from the HTTP client.
type Poster interface {
	Post(ctx context.Context, inbox string, msg *ap.Message, software string) error
	Close()
}

// Workers consumes the queue with a fixed pool of goroutines, each owning
// its own HTTP client so connection pools are not shared across workers.
type Workers struct {
	queue     *Queue
	count     int
	newClient func() Poster
}

// NewWorkers sizes the pool; count <= 0 means one worker per logical CPU.
func NewWorkers(queue *Queue, count int, newClient func() Poster) *Workers {
	if count <= 0 {
		count = runtime.NumCPU()
	}
	return &Workers{queue: queue, count: count, newClient: newClient}
}

// Start launches the pool and blocks until the queue is closed and drained.
// Cancelling ctx aborts in-flight deliveries through the request context.
func (w *Workers) Start(ctx context.Context) {
	slog.Info("push workers started", "count", w.count)

	var wg sync.WaitGroup
	for i := 0; i < w.count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.run(ctx, id)
		}(i)
	}
	wg.Wait()

	slog.Info("push workers stopped")
}

// run is one worker's loop. Delivery failures are logged and never kill the
// worker.
func (w *Workers) run(ctx context.Context, id int) {
	client := w.newClient()
	defer client.Close()

	for item := range w.queue.ch {
		metrics.QueueDepth.Dec()

		if ctx.Err() != nil {
			metrics.Deliveries.WithLabelValues("failed").Inc()
			continue
		}

		if err := client.Post(ctx, item.Inbox, item.Message, item.Instance.Software); err != nil {
			metrics.Deliveries.WithLabelValues("failed").Inc()
			slog.Warn("delivery failed",
				"worker", id, "domain", item.Instance.Domain,
				"type", item.Message.Type, "error", err)
			continue
		}
		metrics.Deliveries.WithLabelValues("ok").Inc()
	}
}
