package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePutBlocksWhenFull(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Put(context.Background(), Item{Name: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Put(ctx, Item{Name: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())

	item, ok := q.Get(time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "a", item.Name)
	q.TaskDone()

	// the failed put was not counted
	joined := make(chan struct{})
	go func() {
		q.Join()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("join did not return")
	}
}

func TestQueueGetTimesOut(t *testing.T) {
	q := NewQueue(4)
	start := time.Now()
	_, ok := q.Get(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueueJoinWaitsForTaskDone(t *testing.T) {
	q := NewQueue(4)
	for _, name := range []string{"a", "b"} {
		require.NoError(t, q.Put(context.Background(), Item{Name: name}))
	}

	joined := make(chan struct{})
	go func() {
		q.Join()
		close(joined)
	}()

	for i := 0; i < 2; i++ {
		_, ok := q.Get(time.Second)
		require.True(t, ok)
		select {
		case <-joined:
			t.Fatal("join returned before every item was acknowledged")
		case <-time.After(10 * time.Millisecond):
		}
		q.TaskDone()
	}

	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("join did not return")
	}
}

func TestQueuePoisonPill(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.putPoisonPill(context.Background()))
	item, ok := q.Get(time.Second)
	require.True(t, ok)
	assert.True(t, item.IsPoisonPill())
	assert.Panics(t, func() {
		q.TaskDone()
		q.TaskDone()
	})
}
