package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/kernelci/kcidb-ingester/pkg/common/models"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// renameFailFs refuses renames into dir.
type renameFailFs struct {
	afero.Fs
	dir string
}

func (f renameFailFs) Rename(oldname, newname string) error {
	if strings.HasPrefix(newname, f.dir+"/") {
		return errors.New("read-only archive")
	}
	return f.Fs.Rename(oldname, newname)
}

// crossDeviceFs refuses renames between directories, as os.Rename does across
// mount points.
type crossDeviceFs struct {
	afero.Fs
}

func (f crossDeviceFs) Rename(oldname, newname string) error {
	if filepath.Dir(oldname) != filepath.Dir(newname) {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: syscall.EXDEV}
	}
	return f.Fs.Rename(oldname, newname)
}

func newTestProcessor(t *testing.T, fs afero.Fs) (*Processor, *Queue) {
	t.Helper()
	q := NewQueue(8)
	p := NewProcessor(NewPreparer(NewKCIDBSchema(), nil), NewBuilder(), q, testTrees, "/spool/archive", "/spool/failed")
	p.SetFS(fs)
	require.NoError(t, p.EnsureDirs())
	return p, q
}

func exists(t *testing.T, fs afero.Fs, path string) bool {
	t.Helper()
	ok, err := afero.Exists(fs, path)
	require.NoError(t, err)
	return ok
}

func TestProcessValidFileIsQueuedAndArchived(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, q := newTestProcessor(t, fs)
	file := writeSpoolFile(t, fs, "/spool", "a.json", scenarioA)

	assert.True(t, p.Process(context.Background(), file))

	assert.False(t, exists(t, fs, "/spool/a.json"))
	assert.True(t, exists(t, fs, "/spool/archive/a.json"))

	require.Equal(t, 1, q.Len())
	item, ok := q.Get(time.Second)
	require.True(t, ok)
	assert.Equal(t, "a.json", item.Name)
	assert.Equal(t, map[string]int{
		models.KindIssue: 0, models.KindCheckout: 1, models.KindBuild: 1, models.KindTest: 2, models.KindIncident: 0,
	}, item.Batch.Counts())
	assert.Equal(t, "mainline", *item.Batch.Checkouts[0].TreeName)
}

func TestProcessEmptyFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, q := newTestProcessor(t, fs)
	file := writeSpoolFile(t, fs, "/spool", "empty.json", "")

	assert.True(t, p.Process(context.Background(), file))

	assert.Equal(t, 0, q.Len())
	assert.False(t, exists(t, fs, "/spool/empty.json"))
	assert.False(t, exists(t, fs, "/spool/archive/empty.json"))
	assert.False(t, exists(t, fs, "/spool/failed/empty.json"))
}

func TestProcessInvalidFileIsQuarantined(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, q := newTestProcessor(t, fs)
	file := writeSpoolFile(t, fs, "/spool", "bad.json", invalidSubmission)

	assert.False(t, p.Process(context.Background(), file))

	assert.Equal(t, 0, q.Len())
	assert.False(t, exists(t, fs, "/spool/bad.json"))
	assert.True(t, exists(t, fs, "/spool/failed/bad.json"))
	assert.False(t, exists(t, fs, "/spool/archive/bad.json"))
}

func TestProcessUnparsableFileIsQuarantined(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, _ := newTestProcessor(t, fs)
	file := writeSpoolFile(t, fs, "/spool", "junk.json", `{"checkouts": [`)

	assert.False(t, p.Process(context.Background(), file))
	assert.True(t, exists(t, fs, "/spool/failed/junk.json"))
}

func TestProcessArchiveFailureKeepsQueuedRecords(t *testing.T) {
	mem := afero.NewMemMapFs()
	p, q := newTestProcessor(t, renameFailFs{Fs: mem, dir: "/spool/archive"})
	file := writeSpoolFile(t, mem, "/spool", "a.json", scenarioA)

	assert.False(t, p.Process(context.Background(), file))

	assert.Equal(t, 1, q.Len(), "records were queued before archiving")
	assert.True(t, exists(t, mem, "/spool/a.json"), "file stays in the spool")
}

func TestProcessQueueFullLeavesFileInSpool(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := NewQueue(1)
	require.NoError(t, q.Put(context.Background(), Item{Name: "blocker"}))
	p := NewProcessor(NewPreparer(NewKCIDBSchema(), nil), NewBuilder(), q, testTrees, "/spool/archive", "/spool/failed")
	p.SetFS(fs)
	require.NoError(t, p.EnsureDirs())
	file := writeSpoolFile(t, fs, "/spool", "a.json", scenarioA)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, p.Process(ctx, file))

	assert.True(t, exists(t, fs, "/spool/a.json"))
	assert.False(t, exists(t, fs, "/spool/archive/a.json"))
}

func TestProcessArchivesAcrossFilesystems(t *testing.T) {
	mem := afero.NewMemMapFs()
	p, q := newTestProcessor(t, crossDeviceFs{Fs: mem})
	file := writeSpoolFile(t, mem, "/spool", "a.json", scenarioA)

	assert.True(t, p.Process(context.Background(), file))

	assert.Equal(t, 1, q.Len())
	assert.False(t, exists(t, mem, "/spool/a.json"))
	got, err := afero.ReadFile(mem, "/spool/archive/a.json")
	require.NoError(t, err)
	assert.Equal(t, scenarioA, string(got))
	assert.False(t, exists(t, mem, "/spool/archive/.a.json.tmp"))
}

func TestProcessQuarantinesAcrossFilesystems(t *testing.T) {
	mem := afero.NewMemMapFs()
	p, _ := newTestProcessor(t, crossDeviceFs{Fs: mem})
	file := writeSpoolFile(t, mem, "/spool", "bad.json", invalidSubmission)

	assert.False(t, p.Process(context.Background(), file))

	assert.False(t, exists(t, mem, "/spool/bad.json"))
	assert.True(t, exists(t, mem, "/spool/failed/bad.json"))
}

func TestMoveFileKeepsSourceWhenCopyFails(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeSpoolFile(t, mem, "/spool", "a.json", scenarioA)

	// the copy cannot be written
	err := moveFile(crossDeviceFs{Fs: afero.NewReadOnlyFs(mem)}, "/spool/a.json", "/spool/archive/a.json")
	require.Error(t, err)
	assert.True(t, exists(t, mem, "/spool/a.json"))
}
