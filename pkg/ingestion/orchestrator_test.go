package ingestion

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kernelci/kcidb-ingester/pkg/common/models"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(fs afero.Fs, store Store, workers int) *Orchestrator {
	o := NewOrchestrator(OrchestratorConfig{
		MaxWorkers:       workers,
		QueueSize:        4,
		ProgressEvery:    2,
		ProgressInterval: 10 * time.Millisecond,
		ArchiveDir:       "/spool/archive",
		FailedDir:        "/spool/failed",
		Trees:            testTrees,
		Worker:           WorkerConfig{BatchSize: 5, FlushTimeout: time.Hour, PollInterval: 5 * time.Millisecond},
	}, NewPreparer(NewKCIDBSchema(), nil), NewBuilder(), store, nil)
	o.SetFS(fs)
	return o
}

func TestRunMixedSpool(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := &memStore{}
	files := []SubmissionFile{
		writeSpoolFile(t, fs, "/spool", "a.json", scenarioA),
		writeSpoolFile(t, fs, "/spool", "v4.json", submissionV4),
		writeSpoolFile(t, fs, "/spool", "empty.json", ""),
		writeSpoolFile(t, fs, "/spool", "bad.json", invalidSubmission),
	}

	o := newTestOrchestrator(fs, store, 3)
	res, err := o.Run(context.Background(), files)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 4, res.Submitted)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Interrupted)
	assert.NotEmpty(t, res.RunID)

	// 4 from scenario A, 4 from the v4 submission
	assert.Equal(t, 8, store.Items())
	assert.Equal(t, int64(8), res.Storage.ItemsWritten)

	for _, path := range []string{"/spool/archive/a.json", "/spool/archive/v4.json", "/spool/failed/bad.json"} {
		ok, err := afero.Exists(fs, path)
		require.NoError(t, err)
		assert.True(t, ok, path)
	}

	assert.Same(t, res, o.LastResult())
	assert.False(t, o.Running())
}

func TestRunManyFilesFewWorkers(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := &memStore{}
	var files []SubmissionFile
	for i := 0; i < 20; i++ {
		files = append(files, writeSpoolFile(t, fs, "/spool", fmt.Sprintf("%02d.json", i), scenarioA))
	}

	res, err := newTestOrchestrator(fs, store, 2).Run(context.Background(), files)
	require.NoError(t, err)

	assert.Equal(t, 20, res.Succeeded)
	// identical submissions still produce one record each per file
	assert.Equal(t, 80, store.Items())
	archived, err := afero.ReadDir(fs, "/spool/archive")
	require.NoError(t, err)
	assert.Len(t, archived, 20)
}

func TestRunNoFiles(t *testing.T) {
	store := &memStore{}
	res, err := newTestOrchestrator(afero.NewMemMapFs(), store, 2).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, 0, store.Calls())
}

func TestRunCancelledBeforeStart(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := &memStore{}
	files := []SubmissionFile{writeSpoolFile(t, fs, "/spool", "a.json", scenarioA)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := newTestOrchestrator(fs, store, 2).Run(ctx, files)

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 0, res.Submitted)
	assert.Equal(t, 0, store.Calls())

	ok, err := afero.Exists(fs, "/spool/a.json")
	require.NoError(t, err)
	assert.True(t, ok, "unsubmitted files stay in the spool")
}

// slowStore delays every write so a run can be interrupted midway.
type slowStore struct {
	memStore
	delay time.Duration
}

func (s *slowStore) WriteBatch(ctx context.Context, batch *models.Batch) error {
	time.Sleep(s.delay)
	return s.memStore.WriteBatch(ctx, batch)
}

func TestRunInterruptedDrainsWhatWasQueued(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := &slowStore{delay: 20 * time.Millisecond}
	var files []SubmissionFile
	for i := 0; i < 50; i++ {
		files = append(files, writeSpoolFile(t, fs, "/spool", fmt.Sprintf("%02d.json", i), scenarioA))
	}

	o := NewOrchestrator(OrchestratorConfig{
		MaxWorkers: 1, QueueSize: 1, ArchiveDir: "/spool/archive", FailedDir: "/spool/failed",
		Worker: WorkerConfig{BatchSize: 1, FlushTimeout: time.Hour, PollInterval: 5 * time.Millisecond},
	}, NewPreparer(NewKCIDBSchema(), nil), NewBuilder(), store, nil)
	o.SetFS(fs)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(60*time.Millisecond, cancel)
	res, err := o.Run(ctx, files)

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Interrupted)
	assert.Less(t, res.Submitted, 50)

	// every archived file has its records stored
	archived, err := afero.ReadDir(fs, "/spool/archive")
	require.NoError(t, err)
	assert.Equal(t, len(archived)*4, store.Items())
	assert.Equal(t, res.Succeeded, len(archived))
}
