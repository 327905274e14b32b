package stream

import (
	"sync"
	"time"

	"github.com/noelgit/agent-s3-sub005/pkg/bus"
)

// offlineQueue buffers messages for a disconnected client identified by
// its resume token. Bounded by maxSize; overflow drops the newest message
// and counts it. Expired queues are pruned by the server's cleanup loop.
type offlineQueue struct {
	mu        sync.Mutex
	messages  []*bus.Message
	maxSize   int
	dropped   uint64
	updatedAt time.Time
}

func newOfflineQueue(maxSize int) *offlineQueue {
	return &offlineQueue{maxSize: maxSize, updatedAt: time.Now()}
}

// append adds a message, returning false on overflow.
func (q *offlineQueue) append(m *bus.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updatedAt = time.Now()
	if len(q.messages) >= q.maxSize {
		q.dropped++
		return false
	}
	q.messages = append(q.messages, m)
	return true
}

// drain removes and returns all buffered messages in arrival order.
func (q *offlineQueue) drain() []*bus.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	messages := q.messages
	q.messages = nil
	q.updatedAt = time.Now()
	return messages
}

// requeue puts undelivered messages back at the front, preserving order.
// Used when a replay fails partway.
func (q *offlineQueue) requeue(messages []*bus.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(messages, q.messages...)
	q.updatedAt = time.Now()
}

func (q *offlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *offlineQueue) expired(ttl time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return time.Since(q.updatedAt) > ttl
}
