package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(4, 10*time.Millisecond)

	first := terminalMsg(t, "first")
	second := terminalMsg(t, "second")
	require.True(t, q.Enqueue(first))
	require.True(t, q.Enqueue(second))

	ctx := context.Background()
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(2, 5*time.Millisecond)

	require.True(t, q.Enqueue(terminalMsg(t, "a")))
	require.True(t, q.Enqueue(terminalMsg(t, "b")))
	assert.False(t, q.Enqueue(terminalMsg(t, "c")))

	m := q.Metrics()
	assert.Equal(t, uint64(2), m.Enqueued)
	assert.Equal(t, uint64(1), m.Dropped)
	assert.LessOrEqual(t, m.MaxDepth, 2)
}

func TestQueueCounterInvariant(t *testing.T) {
	q := NewQueue(3, time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		q.Enqueue(terminalMsg(t, "x"))
		if i%2 == 0 {
			_, _ = q.Dequeue(ctx)
		}
	}

	m := q.Metrics()
	assert.LessOrEqual(t, m.Dequeued, m.Enqueued)
	assert.Equal(t, uint64(10), m.Enqueued+m.Dropped)
}

func TestQueueClearKeepsCounters(t *testing.T) {
	q := NewQueue(4, time.Millisecond)
	q.Enqueue(terminalMsg(t, "a"))
	q.Enqueue(terminalMsg(t, "b"))

	before := q.Metrics()
	q.Clear()
	after := q.Metrics()

	assert.Equal(t, before.Enqueued, after.Enqueued)
	assert.Equal(t, before.Dequeued, after.Dequeued)
	assert.Equal(t, before.Dropped, after.Dropped)
	assert.Zero(t, after.Depth)
}

func TestDequeueHonorsContext(t *testing.T) {
	q := NewQueue(1, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
