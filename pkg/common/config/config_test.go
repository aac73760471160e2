package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KCIDB_SPOOL_DIR", "/data/spool")
	cfg := Load()

	assert.Equal(t, "/data/spool", cfg.SpoolDir)
	assert.Equal(t, "/data/spool/archive", cfg.ArchiveDir)
	assert.Equal(t, "/data/spool/failed", cfg.FailedDir)
	assert.Equal(t, 5000, cfg.QueueMaxSize)
	assert.Equal(t, 10000, cfg.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.FlushTimeout)
	assert.Equal(t, "discard", cfg.FlushFailurePolicy)
	assert.False(t, cfg.LogExcerptExtract)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("INGEST_BATCH_SIZE", "42")
	t.Setenv("INGEST_FLUSH_TIMEOUT_SEC", "7")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("LOG_EXCERPT_EXTRACT", "true")
	t.Setenv("INGEST_QUEUE_MAXSIZE", "not-a-number")

	cfg := Load()
	assert.Equal(t, 42, cfg.BatchSize)
	assert.Equal(t, 7*time.Second, cfg.FlushTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.LogExcerptExtract)
	assert.Equal(t, 5000, cfg.QueueMaxSize)
}

func TestStatusAddr(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "0.0.0.0:8081", cfg.StatusAddr())

	t.Setenv("SERVER_HOST", "10.0.0.5")
	assert.Equal(t, "10.0.0.5:8081", Load().StatusAddr())

	t.Setenv("METRICS_ADDR", "127.0.0.1:9000")
	assert.Equal(t, "127.0.0.1:9000", Load().StatusAddr())
}

func TestParseTreeNames(t *testing.T) {
	data := []byte(`
trees:
  mainline:
    url: "https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git"
  next:
    url: https://git.kernel.org/pub/scm/linux/kernel/git/next/linux-next.git
  broken:
    url: ""
`)
	names, err := ParseTreeNames(data)
	require.NoError(t, err)
	assert.Len(t, names, 2)
	assert.Equal(t, "mainline", names["https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git"])
	assert.Equal(t, "next", names["https://git.kernel.org/pub/scm/linux/kernel/git/next/linux-next.git"])
}

func TestParseTreeNamesRejectsDuplicateURL(t *testing.T) {
	data := []byte(`
trees:
  mainline:
    url: https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git
  torvalds:
    url: " https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git"
`)
	_, err := ParseTreeNames(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `both "mainline" and "torvalds"`)
}

func TestLoadTreeNamesEmptyPath(t *testing.T) {
	names, err := LoadTreeNames("")
	require.NoError(t, err)
	assert.Empty(t, names)
}
