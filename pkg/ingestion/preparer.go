package ingestion

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kernelci/kcidb-ingester/pkg/common/config"
	"github.com/kernelci/kcidb-ingester/pkg/common/logger"
	"github.com/kernelci/kcidb-ingester/pkg/observability/metrics"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// SubmissionFile is a spool entry awaiting ingestion.
type SubmissionFile struct {
	Path string
	Name string
	Size int64
}

// PrepareMeta describes a prepared file. Err is set when the file could not
// be parsed, validated or upgraded.
type PrepareMeta struct {
	Size           int64
	ProcessingTime time.Duration
	Err            error
}

type Preparer struct {
	fs       afero.Fs
	schema   Schema
	excerpts *ExcerptExtractor
}

// NewPreparer returns a preparer on the OS filesystem. A nil extractor
// leaves log excerpts inline.
func NewPreparer(schema Schema, excerpts *ExcerptExtractor) *Preparer {
	return &Preparer{fs: afero.NewOsFs(), schema: schema, excerpts: excerpts}
}

func (p *Preparer) SetFS(fs afero.Fs) {
	p.fs = fs
}

// Prepare loads one submission. An empty file is deleted and (nil, nil) is
// returned; any other failure returns a nil document and meta.Err.
func (p *Preparer) Prepare(ctx context.Context, file SubmissionFile, trees config.TreeNames) (Document, *PrepareMeta) {
	log := logger.Log.WithFields(logrus.Fields{"file": file.Name, "size": file.Size})

	if file.Size == 0 {
		if err := p.fs.Remove(file.Path); err != nil {
			log.WithError(err).Warn("failed to delete empty submission")
		} else {
			log.Debug("deleted empty submission")
		}
		return nil, nil
	}

	start := time.Now()
	doc, err := p.prepare(ctx, file, trees)
	if err != nil {
		log.WithError(err).Error("failed to prepare submission")
		return nil, &PrepareMeta{Size: file.Size, Err: err}
	}

	elapsed := time.Since(start)
	metrics.ObservePrepare(file.Size, elapsed)
	log.WithField("prepare_ms", elapsed.Milliseconds()).Debug("prepared submission")
	return doc, &PrepareMeta{Size: file.Size, ProcessingTime: elapsed}
}

func (p *Preparer) prepare(ctx context.Context, file SubmissionFile, trees config.TreeNames) (Document, error) {
	doc, err := p.read(file)
	if err != nil {
		return nil, err
	}

	if p.excerpts != nil {
		n, err := p.excerpts.Extract(ctx, doc)
		if err != nil {
			return nil, fmt.Errorf("extracting log excerpts: %w", err)
		}
		if n > 0 {
			logger.Log.WithFields(logrus.Fields{"file": file.Name, "excerpts": n}).Debug("moved log excerpts to side store")
		}
	}

	StandardizeTreeNames(doc, trees)

	if err := p.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validating: %w", err)
	}
	upgraded, err := p.schema.Upgrade(doc)
	if err != nil {
		return nil, fmt.Errorf("upgrading: %w", err)
	}
	return upgraded, nil
}

func (p *Preparer) read(file SubmissionFile) (Document, error) {
	f, err := p.fs.Open(file.Path)
	if err != nil {
		return nil, &FileError{Op: "open", Path: file.Path, Err: err}
	}
	defer f.Close()

	var r io.Reader = bufio.NewReaderSize(f, 1<<20)
	if strings.HasSuffix(file.Name, ".gz") {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, &FileError{Op: "gunzip", Path: file.Path, Err: err}
		}
		defer zr.Close()
		r = zr
	}

	var doc Document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	// a submission is exactly one JSON value
	if _, err := dec.Token(); err != io.EOF {
		if err == nil {
			err = errTrailingData
		}
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if doc == nil {
		return nil, validationErrorf("document: %w", errNotAnObject)
	}
	return doc, nil
}
