package bus

import (
	"context"
	"sync"
	"time"
)

// QueueMetrics is a copy of the queue counters. Counters are cumulative
// for the queue's lifetime; Clear does not reset them.
type QueueMetrics struct {
	Enqueued uint64 `json:"enqueued"`
	Dequeued uint64 `json:"dequeued"`
	Dropped  uint64 `json:"dropped"`
	MaxDepth int    `json:"max_depth"`
	Depth    int    `json:"depth"`
}

// Queue is a bounded FIFO of messages with backpressure. Enqueue blocks up
// to a small timeout and drops on a full queue; Dequeue blocks until a
// message arrives or the context ends.
type Queue struct {
	ch             chan *Message
	enqueueTimeout time.Duration

	mu       sync.Mutex
	enqueued uint64
	dequeued uint64
	dropped  uint64
	maxDepth int
}

// NewQueue creates a queue with the given capacity. enqueueTimeout bounds
// how long Enqueue waits on a full queue before dropping.
func NewQueue(capacity int, enqueueTimeout time.Duration) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch:             make(chan *Message, capacity),
		enqueueTimeout: enqueueTimeout,
	}
}

// Enqueue appends m, waiting up to the enqueue timeout when the queue is
// full. Returns false and counts a drop on timeout.
func (q *Queue) Enqueue(m *Message) bool {
	select {
	case q.ch <- m:
		q.noteEnqueued()
		return true
	default:
	}

	if q.enqueueTimeout <= 0 {
		q.noteDropped()
		return false
	}

	timer := time.NewTimer(q.enqueueTimeout)
	defer timer.Stop()
	select {
	case q.ch <- m:
		q.noteEnqueued()
		return true
	case <-timer.C:
		q.noteDropped()
		return false
	}
}

// Dequeue removes the oldest message, blocking until one is available or
// ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (*Message, error) {
	select {
	case m := <-q.ch:
		q.mu.Lock()
		q.dequeued++
		q.mu.Unlock()
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Clear drains pending messages without touching the cumulative counters.
func (q *Queue) Clear() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}

// Metrics returns a copy of the queue counters.
func (q *Queue) Metrics() QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueMetrics{
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
		Dropped:  q.dropped,
		MaxDepth: q.maxDepth,
		Depth:    len(q.ch),
	}
}

func (q *Queue) noteEnqueued() {
	depth := len(q.ch)
	q.mu.Lock()
	q.enqueued++
	if depth > q.maxDepth {
		q.maxDepth = depth
	}
	q.mu.Unlock()
}

func (q *Queue) noteDropped() {
	q.mu.Lock()
	q.dropped++
	q.mu.Unlock()
}
