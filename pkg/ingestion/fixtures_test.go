package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/kernelci/kcidb-ingester/pkg/common/models"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const (
	mainlineURL = "https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git"

	// one checkout, one build, two tests
	scenarioA = `{
  "version": {"major": 5, "minor": 3},
  "checkouts": [{
    "id": "maestro:c1", "origin": "maestro",
    "tree_name": "torvalds", "git_repository_url": "` + mainlineURL + `",
    "git_repository_branch": "master", "git_commit_hash": "abc123",
    "start_time": "2025-01-02T03:04:05Z", "unknown_field": 1
  }],
  "builds": [{
    "id": "maestro:b1", "origin": "maestro", "checkout_id": "maestro:c1",
    "architecture": "x86_64", "status": "PASS", "misc": {"lab": "lab-collabora"}
  }],
  "tests": [
    {"id": "maestro:t1", "origin": "maestro", "build_id": "maestro:b1", "status": "PASS",
     "path": "boot", "environment": {"comment": "qemu"}, "misc": {"runtime": "lava-baylibre"}},
    {"id": "maestro:t2", "origin": "maestro", "build_id": "maestro:b1", "status": "FAIL",
     "path": "kselftest.net", "number": {"value": 1.5, "unit": "s"}}
  ]
}`

	// a v4 submission carrying issues and an incident
	submissionV4 = `{
  "version": {"major": 4, "minor": 5},
  "issues": [{"id": "redhat:i1", "origin": "redhat", "version": 1, "comment": "oops"}],
  "builds": [
    {"id": "redhat:b1", "origin": "redhat", "checkout_id": "redhat:c1", "valid": false},
    {"id": "redhat:b2", "origin": "redhat", "checkout_id": "redhat:c1", "valid": true}
  ],
  "incidents": [{"id": "redhat:x1", "origin": "redhat", "issue_id": "redhat:i1",
    "issue_version": 1, "build_id": "redhat:b1", "present": true}]
}`

	// test status is not part of the schema
	invalidSubmission = `{
  "version": {"major": 5, "minor": 3},
  "tests": [{"id": "maestro:t1", "origin": "maestro", "build_id": "maestro:b1", "status": "BROKEN"}]
}`
)

func parseDoc(t *testing.T, raw string) Document {
	t.Helper()
	var doc Document
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func writeSpoolFile(t *testing.T, fs afero.Fs, dir, name, content string) SubmissionFile {
	t.Helper()
	require.NoError(t, fs.MkdirAll(dir, 0o755))
	path := dir + "/" + name
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	return SubmissionFile{Path: path, Name: name, Size: int64(len(content))}
}

func batchOf(issues, checkouts, builds, tests, incidents int) *models.Batch {
	b := &models.Batch{}
	for i := 0; i < issues; i++ {
		b.Issues = append(b.Issues, models.Issue{ID: "o:i", Version: int64(i)})
	}
	for i := 0; i < checkouts; i++ {
		b.Checkouts = append(b.Checkouts, models.Checkout{ID: "o:c"})
	}
	for i := 0; i < builds; i++ {
		b.Builds = append(b.Builds, models.Build{ID: "o:b"})
	}
	for i := 0; i < tests; i++ {
		b.Tests = append(b.Tests, models.Test{ID: "o:t"})
	}
	for i := 0; i < incidents; i++ {
		b.Incidents = append(b.Incidents, models.Incident{ID: "o:x"})
	}
	return b
}

var errStoreDown = errors.New("store unavailable")

// memStore keeps copies of every batch it is asked to write.
type memStore struct {
	mu       sync.Mutex
	writes   []models.Batch
	calls    int
	failNext int
	failAll  bool
}

func (s *memStore) WriteBatch(ctx context.Context, batch *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAll {
		return errStoreDown
	}
	if s.failNext > 0 {
		s.failNext--
		return errStoreDown
	}
	var copied models.Batch
	copied.Append(batch)
	s.writes = append(s.writes, copied)
	return nil
}

func (s *memStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *memStore) Writes() []models.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Batch(nil), s.writes...)
}

func (s *memStore) Items() int {
	n := 0
	for _, b := range s.Writes() {
		n += b.Len()
	}
	return n
}

type recordedEvent struct {
	Type string
	Data map[string]interface{}
}

type memDeadLetter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (d *memDeadLetter) PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// the batch is reused after publishing, so keep its JSON form
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	d.events = append(d.events, recordedEvent{Type: eventType, Data: decoded})
	return nil
}

func (d *memDeadLetter) Events() []recordedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]recordedEvent(nil), d.events...)
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}
