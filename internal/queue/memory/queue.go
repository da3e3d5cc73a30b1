// Package memory provides a bounded in-process run queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ajslaghu/open-agenda-api/internal/ingest"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = ingest.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch     chan ingest.RunRequest
	mu     sync.RWMutex
	closed bool
}

var _ ingest.Queue = (*Queue)(nil)

// NewQueue constructs a queue holding at most capacity pending requests.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan ingest.RunRequest, capacity)}
}

// Enqueue blocks until there is room, the context ends or the queue closes.
func (q *Queue) Enqueue(ctx context.Context, req ingest.RunRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		return nil
	}
}

// TryEnqueue adds req only if there is room right now.
func (q *Queue) TryEnqueue(req ingest.RunRequest) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- req:
		return true
	default:
		return false
	}
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (ingest.RunRequest, error) {
	select {
	case <-ctx.Done():
		return ingest.RunRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return ingest.RunRequest{}, ErrClosed
		}
		return req, nil
	}
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Pending requests can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
