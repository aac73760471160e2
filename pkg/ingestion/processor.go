package ingestion

import (
	"context"
	"path/filepath"

	"github.com/kernelci/kcidb-ingester/pkg/common/config"
	"github.com/kernelci/kcidb-ingester/pkg/common/logger"
	"github.com/kernelci/kcidb-ingester/pkg/observability/metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	outcomeArchived     = "archived"
	outcomeEmpty        = "empty"
	outcomeFailed       = "failed"
	outcomeArchiveError = "archive_error"
)

// Processor takes one submission file from the spool to the queue.
type Processor struct {
	fs         afero.Fs
	preparer   *Preparer
	builder    *Builder
	queue      *Queue
	trees      config.TreeNames
	archiveDir string
	failedDir  string
}

func NewProcessor(preparer *Preparer, builder *Builder, queue *Queue, trees config.TreeNames, archiveDir, failedDir string) *Processor {
	return &Processor{
		fs:         afero.NewOsFs(),
		preparer:   preparer,
		builder:    builder,
		queue:      queue,
		trees:      trees,
		archiveDir: archiveDir,
		failedDir:  failedDir,
	}
}

// SetFS switches the processor and its preparer to fs.
func (p *Processor) SetFS(fs afero.Fs) {
	p.fs = fs
	p.preparer.SetFS(fs)
}

// EnsureDirs creates the archive and failed directories.
func (p *Processor) EnsureDirs() error {
	for _, dir := range []string{p.archiveDir, p.failedDir} {
		if err := p.fs.MkdirAll(dir, 0o755); err != nil {
			return &FileError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return nil
}

// Process reports whether the file was consumed. Records are queued before
// the file is archived; a crash in between leads to a harmless re-ingestion.
func (p *Processor) Process(ctx context.Context, file SubmissionFile) (ok bool) {
	log := logger.Log.WithField("file", file.Name)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("panic while processing submission")
			metrics.IncFile(outcomeFailed)
			ok = false
		}
	}()

	doc, meta := p.preparer.Prepare(ctx, file, p.trees)
	if meta == nil {
		metrics.IncFile(outcomeEmpty)
		return true
	}
	if meta.Err != nil {
		p.quarantine(file, log)
		metrics.IncFile(outcomeFailed)
		return false
	}

	batch, stats := p.builder.Build(doc)
	if err := p.queue.Put(ctx, Item{Name: file.Name, Batch: batch}); err != nil {
		log.WithError(err).Error("failed to queue records; leaving file in spool")
		metrics.IncFile(outcomeFailed)
		return false
	}

	dest := filepath.Join(p.archiveDir, file.Name)
	if err := moveFile(p.fs, file.Path, dest); err != nil {
		log.WithError(&FileError{Op: "archive", Path: file.Path, Err: err}).Error("failed to archive submission")
		metrics.IncFile(outcomeArchiveError)
		return false
	}

	log.WithFields(logrus.Fields{
		"items":    batch.Len(),
		"skipped":  stats.Skipped,
		"prep_ms":  meta.ProcessingTime.Milliseconds(),
		"archived": dest,
	}).Debug("processed submission")
	metrics.IncFile(outcomeArchived)
	return true
}

func (p *Processor) quarantine(file SubmissionFile, log *logrus.Entry) {
	dest := filepath.Join(p.failedDir, file.Name)
	if err := moveFile(p.fs, file.Path, dest); err != nil {
		log.WithError(&FileError{Op: "quarantine", Path: file.Path, Err: err}).Error("failed to move submission to failed dir")
		return
	}
	log.WithField("failed", dest).Warn("moved submission to failed dir")
}
