package ingestion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/kernelci/kcidb-ingester/pkg/common/config"
	"github.com/kernelci/kcidb-ingester/pkg/common/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

type OrchestratorConfig struct {
	MaxWorkers       int
	QueueSize        int
	ProgressEvery    int
	ProgressInterval time.Duration
	ArchiveDir       string
	FailedDir        string
	Trees            config.TreeNames
	Worker           WorkerConfig
}

// JobResult is the outcome of one file.
type JobResult struct {
	Name     string
	OK       bool
	Size     int64
	Duration time.Duration
}

// RunResult summarizes one ingestion run.
type RunResult struct {
	RunID       string        `json:"run_id"`
	Total       int           `json:"total"`
	Submitted   int           `json:"submitted"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Bytes       int64         `json:"bytes"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Interrupted bool          `json:"interrupted"`
	Storage     WorkerStats   `json:"storage"`
}

// Orchestrator fans files out to a bounded pool of processors that feed a
// single storage worker.
type Orchestrator struct {
	cfg      OrchestratorConfig
	fs       afero.Fs
	preparer *Preparer
	builder  *Builder
	store    Store
	dlq      DeadLetter

	running atomic.Bool
	last    atomic.Pointer[RunResult]
}

func NewOrchestrator(cfg OrchestratorConfig, preparer *Preparer, builder *Builder, store Store, dlq DeadLetter) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 100
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 2 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		fs:       afero.NewOsFs(),
		preparer: preparer,
		builder:  builder,
		store:    store,
		dlq:      dlq,
	}
}

func (o *Orchestrator) SetFS(fs afero.Fs) {
	o.fs = fs
	o.preparer.SetFS(fs)
}

func (o *Orchestrator) LastResult() *RunResult { return o.last.Load() }

func (o *Orchestrator) Running() bool { return o.running.Load() }

// Run ingests files and returns once everything queued has been handed to
// the store. Cancelling ctx stops new submissions; files already being
// processed finish, the storage worker drains, and ctx.Err() is returned.
func (o *Orchestrator) Run(ctx context.Context, files []SubmissionFile) (*RunResult, error) {
	o.running.Store(true)
	defer o.running.Store(false)

	res := &RunResult{RunID: uuid.NewString(), Total: len(files), Started: time.Now()}
	for _, f := range files {
		res.Bytes += f.Size
	}
	log := logger.Log.WithField("run_id", res.RunID)
	log.WithFields(logrus.Fields{
		"files":   res.Total,
		"bytes":   humanize.Bytes(uint64(res.Bytes)),
		"workers": o.cfg.MaxWorkers,
	}).Info("ingestion run started")

	queue := NewQueue(o.cfg.QueueSize)
	log.WithField("queue_cap", queue.Cap()).Debug("queue created")
	worker := NewStorageWorker(queue, o.store, o.dlq, o.cfg.Worker)
	if err := worker.Start(ctx); err != nil {
		return nil, err
	}
	var shutdown sync.Once
	stopWorker := func() { shutdown.Do(worker.Shutdown) }
	defer stopWorker()

	proc := NewProcessor(o.preparer, o.builder, queue, o.cfg.Trees, o.cfg.ArchiveDir, o.cfg.FailedDir)
	proc.SetFS(o.fs)
	if err := proc.EnsureDirs(); err != nil {
		return nil, err
	}

	results := make(chan JobResult, o.cfg.MaxWorkers)
	tracker := newProgress(res, queue, o.cfg.ProgressEvery, o.cfg.ProgressInterval, log)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		tracker.collect(results)
	}()

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxWorkers)
	taskCtx := context.WithoutCancel(ctx)
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		res.Submitted++
		f := f
		g.Go(func() error {
			results <- o.runTask(taskCtx, proc, f)
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-collected

	if err := ctx.Err(); err != nil {
		res.Interrupted = true
		log.WithFields(logrus.Fields{
			"submitted": res.Submitted,
			"skipped":   res.Total - res.Submitted,
		}).Warn("ingestion interrupted; draining storage worker")
	} else {
		queue.Join()
	}

	stopWorker()
	res.Storage = worker.Stats()
	res.Duration = time.Since(res.Started)
	o.last.Store(res)

	log.WithFields(logrus.Fields{
		"succeeded":     res.Succeeded,
		"failed":        res.Failed,
		"bytes":         humanize.Bytes(uint64(res.Bytes)),
		"elapsed":       res.Duration.Round(time.Millisecond).String(),
		"items_written": res.Storage.ItemsWritten,
		"items_dropped": res.Storage.ItemsDropped,
	}).Info("ingestion run finished")

	if res.Interrupted {
		return res, ctx.Err()
	}
	return res, nil
}

func (o *Orchestrator) runTask(ctx context.Context, proc *Processor, f SubmissionFile) (jr JobResult) {
	start := time.Now()
	jr = JobResult{Name: f.Name, Size: f.Size}
	defer func() {
		if r := recover(); r != nil {
			logger.Log.WithFields(logrus.Fields{"file": f.Name, "panic": r}).Error("ingestion task failed")
			jr.OK = false
		}
		jr.Duration = time.Since(start)
	}()
	jr.OK = proc.Process(ctx, f)
	return jr
}

type progress struct {
	res      *RunResult
	queue    *Queue
	every    int
	interval time.Duration
	log      *logrus.Entry

	done     int
	lastDone int
}

func newProgress(res *RunResult, queue *Queue, every int, interval time.Duration, log *logrus.Entry) *progress {
	return &progress{res: res, queue: queue, every: every, interval: interval, log: log}
}

func (p *progress) collect(results <-chan JobResult) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case jr, ok := <-results:
			if !ok {
				p.report()
				return
			}
			p.done++
			if jr.OK {
				p.res.Succeeded++
			} else {
				p.res.Failed++
			}
			if p.done-p.lastDone >= p.every {
				p.report()
				ticker.Reset(p.interval)
			}
		case <-ticker.C:
			if p.done != p.lastDone {
				p.report()
			}
		}
	}
}

func (p *progress) report() {
	p.lastDone = p.done
	elapsed := time.Since(p.res.Started)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(p.done) / elapsed.Seconds()
	}
	eta := "unknown"
	if rate > 0 {
		remaining := float64(p.res.Total - p.done)
		eta = time.Duration(remaining / rate * float64(time.Second)).Round(time.Second).String()
	}
	p.log.WithFields(logrus.Fields{
		"done":        p.done,
		"total":       p.res.Total,
		"succeeded":   p.res.Succeeded,
		"failed":      p.res.Failed,
		"elapsed":     elapsed.Round(time.Millisecond).String(),
		"files_sec":   rate,
		"eta":         eta,
		"queue_depth": p.queue.Len(),
	}).Info("ingestion progress")
}
