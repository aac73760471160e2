package ingestion

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kernelci/kcidb-ingester/pkg/common/logger"
	"github.com/kernelci/kcidb-ingester/pkg/common/models"
	"github.com/kernelci/kcidb-ingester/pkg/observability/metrics"
	"github.com/sirupsen/logrus"
)

// Store persists a batch atomically.
type Store interface {
	WriteBatch(ctx context.Context, batch *models.Batch) error
}

// DeadLetter receives batches whose flush failed.
type DeadLetter interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

type FlushPolicy string

const (
	PolicyDiscard    FlushPolicy = "discard"
	PolicyRequeue    FlushPolicy = "requeue"
	PolicyDeadLetter FlushPolicy = "dead-letter"

	EventFlushFailed = "kcidb.flush.failed"
	eventSource      = "kcidb-ingester"
)

func ParseFlushPolicy(s string) (FlushPolicy, error) {
	switch p := FlushPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PolicyDiscard:
		return PolicyDiscard, nil
	case PolicyRequeue, PolicyDeadLetter:
		return p, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownPolicy)
}

type WorkerConfig struct {
	BatchSize          int
	FlushTimeout       time.Duration
	PollInterval       time.Duration
	Policy             FlushPolicy
	MaxRequeueAttempts int
}

// WorkerStats is a snapshot of storage worker counters.
type WorkerStats struct {
	Flushes       int64 `json:"flushes"`
	FailedFlushes int64 `json:"failed_flushes"`
	ItemsWritten  int64 `json:"items_written"`
	ItemsDropped  int64 `json:"items_dropped"`
}

// StorageWorker is the only writer to the Store. Its buffer is touched by the
// worker goroutine alone.
type StorageWorker struct {
	cfg   WorkerConfig
	queue *Queue
	store Store
	dlq   DeadLetter

	stop    atomic.Bool
	started atomic.Bool
	done    chan struct{}

	buf       models.Batch
	lastFlush time.Time
	attempts  int
	now       func() time.Time

	flushes       atomic.Int64
	failedFlushes atomic.Int64
	written       atomic.Int64
	dropped       atomic.Int64
}

// NewStorageWorker builds a worker draining queue into store. dlq may be nil
// unless the policy is PolicyDeadLetter.
func NewStorageWorker(queue *Queue, store Store, dlq DeadLetter, cfg WorkerConfig) *StorageWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDiscard
	}
	return &StorageWorker{
		cfg:   cfg,
		queue: queue,
		store: store,
		dlq:   dlq,
		done:  make(chan struct{}),
		now:   time.Now,
	}
}

func (w *StorageWorker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrWorkerStarted
	}
	if w.cfg.Policy == PolicyDeadLetter && w.dlq == nil {
		return fmt.Errorf("dead-letter policy without a producer: %w", ErrUnknownPolicy)
	}
	// writes must outlive an interrupted run
	go w.run(context.WithoutCancel(ctx))
	return nil
}

// Shutdown sets the stop flag, pushes a poison pill and waits for the worker
// to drain the queue and exit.
func (w *StorageWorker) Shutdown() {
	if !w.started.Load() {
		return
	}
	w.stop.Store(true)

	pillCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.done:
			cancel()
		case <-pillCtx.Done():
		}
	}()
	if err := w.queue.putPoisonPill(pillCtx); err != nil {
		logger.Log.Debug("storage worker exited before the poison pill was queued")
	}
	<-w.done
}

func (w *StorageWorker) Done() <-chan struct{} { return w.done }

func (w *StorageWorker) Stats() WorkerStats {
	return WorkerStats{
		Flushes:       w.flushes.Load(),
		FailedFlushes: w.failedFlushes.Load(),
		ItemsWritten:  w.written.Load(),
		ItemsDropped:  w.dropped.Load(),
	}
}

func (w *StorageWorker) run(ctx context.Context) {
	defer close(w.done)
	defer w.finalFlush(ctx)

	logger.Log.WithFields(logrus.Fields{
		"batch_size":    w.cfg.BatchSize,
		"flush_timeout": w.cfg.FlushTimeout.String(),
		"policy":        w.cfg.Policy,
	}).Info("storage worker started")

	w.lastFlush = w.now()
	for !w.stop.Load() || w.queue.Len() > 0 {
		if w.step(ctx) {
			return
		}
	}
}

// step handles one receive. It returns true on the poison pill.
func (w *StorageWorker) step(ctx context.Context) (exit bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.WithField("panic", r).Error("storage worker recovered from panic")
		}
	}()

	item, ok := w.queue.Get(w.cfg.PollInterval)
	if !ok {
		if !w.buf.Empty() && w.now().Sub(w.lastFlush) > w.cfg.FlushTimeout {
			logger.Log.WithField("items", w.buf.Len()).Debug("idle flush")
			w.flush(ctx)
			w.lastFlush = w.now()
		}
		return false
	}
	defer w.queue.TaskDone()

	if item.IsPoisonPill() {
		logger.Log.Debug("storage worker received poison pill")
		return true
	}

	w.buf.Append(item.Batch)
	if w.buf.Len() >= w.cfg.BatchSize {
		w.flush(ctx)
		w.lastFlush = w.now()
	}
	return false
}

func (w *StorageWorker) finalFlush(ctx context.Context) {
	if r := recover(); r != nil {
		logger.Log.WithField("panic", r).Error("storage worker loop panicked")
	}
	// retained batches get one last attempt and are then subject to the policy
	w.attempts = w.cfg.MaxRequeueAttempts
	w.flush(ctx)
	logger.Log.WithFields(logrus.Fields{
		"flushes":       w.flushes.Load(),
		"items_written": w.written.Load(),
		"items_dropped": w.dropped.Load(),
	}).Info("storage worker stopped")
}

func (w *StorageWorker) flush(ctx context.Context) {
	if w.buf.Empty() {
		return
	}

	items := w.buf.Len()
	counts := w.buf.Counts()
	start := w.now()
	err := w.write(ctx)
	elapsed := w.now().Sub(start)

	fields := logrus.Fields{
		"items":       items,
		"duration_ms": elapsed.Milliseconds(),
		"items_sec":   itemsPerSecond(items, elapsed),
	}
	for kind, n := range counts {
		fields[kind+"s"] = n
	}
	metrics.ObserveFlush(err == nil, elapsed, counts)

	if err == nil {
		logger.Log.WithFields(fields).Info("flushed batch")
		w.flushes.Add(1)
		w.written.Add(int64(items))
		w.attempts = 0
		w.buf.Reset()
		return
	}

	w.failedFlushes.Add(1)
	err = &FlushError{Items: items, Err: err}
	logger.Log.WithError(err).WithFields(fields).Error("flush failed")

	switch w.cfg.Policy {
	case PolicyRequeue:
		w.attempts++
		if w.attempts <= w.cfg.MaxRequeueAttempts {
			logger.Log.WithFields(logrus.Fields{"items": items, "attempt": w.attempts}).Warn("keeping batch for the next flush")
			return
		}
	case PolicyDeadLetter:
		w.deadLetter(ctx, err, counts)
	}

	w.dropped.Add(int64(items))
	metrics.AddDropped(string(w.cfg.Policy), items)
	w.attempts = 0
	w.buf.Reset()
}

func (w *StorageWorker) write(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panicked: %v", r)
		}
	}()
	return w.store.WriteBatch(ctx, &w.buf)
}

func (w *StorageWorker) deadLetter(ctx context.Context, cause error, counts map[string]int) {
	data := map[string]interface{}{
		"error":  cause.Error(),
		"counts": counts,
		"batch":  &w.buf,
	}
	if err := w.dlq.PublishEvent(ctx, EventFlushFailed, eventSource, data); err != nil {
		logger.Log.WithError(err).Error("failed to push batch to dead-letter topic")
	}
}

func itemsPerSecond(items int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(items) / d.Seconds()
}
