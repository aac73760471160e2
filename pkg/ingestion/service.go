package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/kernelci/kcidb-ingester/pkg/common/logger"
	"github.com/spf13/afero"
)

// Status is served by the status endpoint.
type Status struct {
	Running  bool       `json:"running"`
	SpoolDir string     `json:"spool_dir"`
	Pending  int        `json:"pending"`
	LastRun  *RunResult `json:"last_run,omitempty"`
}

// Service runs the orchestrator over the spool directory, once or on an
// interval.
type Service struct {
	orch         *Orchestrator
	fs           afero.Fs
	spoolDir     string
	scanInterval time.Duration
}

func NewService(orch *Orchestrator, spoolDir string, scanInterval time.Duration) *Service {
	if scanInterval <= 0 {
		scanInterval = 5 * time.Second
	}
	return &Service{orch: orch, fs: afero.NewOsFs(), spoolDir: spoolDir, scanInterval: scanInterval}
}

func (s *Service) SetFS(fs afero.Fs) {
	s.fs = fs
	s.orch.SetFS(fs)
}

// RunOnce ingests whatever is in the spool right now. It returns a nil
// result when the spool is empty.
func (s *Service) RunOnce(ctx context.Context) (*RunResult, error) {
	files, err := ScanSpool(s.fs, s.spoolDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		logger.Log.WithField("spool", s.spoolDir).Debug("no submissions to ingest")
		return nil, nil
	}
	return s.orch.Run(ctx, files)
}

// RunForever rescans the spool every scan interval until ctx is done.
func (s *Service) RunForever(ctx context.Context) error {
	logger.Log.WithFields(map[string]interface{}{
		"spool":    s.spoolDir,
		"interval": s.scanInterval.String(),
	}).Info("watching spool for submissions")

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Log.WithError(err).Error("ingestion run failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.scanInterval):
		}
	}
}

func (s *Service) Status() Status {
	st := Status{
		Running:  s.orch.Running(),
		SpoolDir: s.spoolDir,
		LastRun:  s.orch.LastResult(),
	}
	if files, err := ScanSpool(s.fs, s.spoolDir); err == nil {
		st.Pending = len(files)
	}
	return st
}
