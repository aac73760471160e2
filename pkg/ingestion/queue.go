package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/kernelci/kcidb-ingester/pkg/common/models"
	"github.com/kernelci/kcidb-ingester/pkg/observability/metrics"
)

// Item is one file's worth of records on its way to storage.
type Item struct {
	Name  string
	Batch *models.Batch
	pill  bool
}

func (it Item) IsPoisonPill() bool { return it.pill }

// Queue is a bounded channel with task accounting: every Put must be
// matched by a TaskDone from the consumer before Join returns.
type Queue struct {
	ch chan Item

	mu         sync.Mutex
	drained    *sync.Cond
	unfinished int
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	q := &Queue{ch: make(chan Item, size)}
	q.drained = sync.NewCond(&q.mu)
	return q
}

// Put blocks while the queue is full.
func (q *Queue) Put(ctx context.Context, item Item) error {
	q.mu.Lock()
	q.unfinished++
	q.mu.Unlock()

	select {
	case q.ch <- item:
		metrics.SetQueueDepth(len(q.ch))
		return nil
	case <-ctx.Done():
		q.TaskDone()
		return ctx.Err()
	}
}

func (q *Queue) putPoisonPill(ctx context.Context) error {
	return q.Put(ctx, Item{pill: true})
}

// Get waits up to timeout for an item.
func (q *Queue) Get(timeout time.Duration) (Item, bool) {
	select {
	case item := <-q.ch:
		metrics.SetQueueDepth(len(q.ch))
		return item, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-q.ch:
		metrics.SetQueueDepth(len(q.ch))
		return item, true
	case <-timer.C:
		return Item{}, false
	}
}

func (q *Queue) TaskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished <= 0 {
		panic("ingestion: TaskDone called more times than Put")
	}
	q.unfinished--
	if q.unfinished == 0 {
		q.drained.Broadcast()
	}
}

// Join blocks until every item put on the queue has been acknowledged.
func (q *Queue) Join() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.unfinished > 0 {
		q.drained.Wait()
	}
}

// Len reports the number of items waiting to be received.
func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }
