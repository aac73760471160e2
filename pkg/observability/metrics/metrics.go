package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kcidb"

type ingesterMetrics struct {
	once sync.Once

	items  *prometheus.CounterVec
	builds *prometheus.CounterVec
	tests  *prometheus.CounterVec

	files         *prometheus.CounterVec
	fileBytes     prometheus.Counter
	prepareTime   prometheus.Histogram
	itemErrors    *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	flushes       *prometheus.CounterVec
	flushDuration prometheus.Histogram
	flushedItems  *prometheus.CounterVec
	droppedItems  *prometheus.CounterVec
	excerpts      prometheus.Counter
}

var m ingesterMetrics

// Init registers collectors with the default registry. Safe to call more than once.
func Init() {
	m.once.Do(func() {
		m.items = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingested_items_total",
			Help: "Records built from submissions, by kind and origin.",
		}, []string{"kind", "origin"})
		m.builds = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingested_builds_total",
			Help: "Builds built from submissions, by origin and lab.",
		}, []string{"origin", "lab"})
		m.tests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingested_tests_total",
			Help: "Tests built from submissions, by origin and lab.",
		}, []string{"origin", "lab"})

		m.files = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "files_processed_total",
			Help: "Submission files by outcome (archived, empty, failed, archive_error).",
		}, []string{"outcome"})
		m.fileBytes = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "file_bytes_total",
			Help: "Bytes of submission files prepared.",
		})
		m.prepareTime = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "prepare_seconds",
			Help:    "Time to read, validate and upgrade one submission.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		})
		m.itemErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "item_errors_total",
			Help: "Records skipped because they could not be built.",
		}, []string{"kind"})
		m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Batches waiting for the storage worker.",
		})
		m.flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "flushes_total",
			Help: "Storage flushes by result.",
		}, []string{"result"})
		m.flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flush_seconds",
			Help:    "Duration of storage flush transactions.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		})
		m.flushedItems = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "flushed_items_total",
			Help: "Records written to storage, by kind.",
		}, []string{"kind"})
		m.droppedItems = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_items_total",
			Help: "Records discarded after a failed flush, by policy.",
		}, []string{"policy"})
		m.excerpts = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "log_excerpts_extracted_total",
			Help: "Oversized log excerpts moved to the side store.",
		})

		prometheus.MustRegister(
			m.items, m.builds, m.tests,
			m.files, m.fileBytes, m.prepareTime, m.itemErrors, m.queueDepth,
			m.flushes, m.flushDuration, m.flushedItems, m.droppedItems, m.excerpts,
		)
	})
}

func IncItem(kind, origin string) { Init(); m.items.WithLabelValues(kind, origin).Inc() }

func IncBuild(origin, lab string) { Init(); m.builds.WithLabelValues(origin, lab).Inc() }

func IncTest(origin, lab string) { Init(); m.tests.WithLabelValues(origin, lab).Inc() }

func IncItemError(kind string) { Init(); m.itemErrors.WithLabelValues(kind).Inc() }

func IncFile(outcome string) { Init(); m.files.WithLabelValues(outcome).Inc() }

func ObservePrepare(size int64, d time.Duration) {
	Init()
	m.fileBytes.Add(float64(size))
	m.prepareTime.Observe(d.Seconds())
}

func SetQueueDepth(n int) { Init(); m.queueDepth.Set(float64(n)) }

func ObserveFlush(ok bool, d time.Duration, counts map[string]int) {
	Init()
	result := "ok"
	if !ok {
		result = "error"
	}
	m.flushes.WithLabelValues(result).Inc()
	m.flushDuration.Observe(d.Seconds())
	if !ok {
		return
	}
	for kind, n := range counts {
		m.flushedItems.WithLabelValues(kind).Add(float64(n))
	}
}

func AddDropped(policy string, n int) { Init(); m.droppedItems.WithLabelValues(policy).Add(float64(n)) }

func IncExcerpt() { Init(); m.excerpts.Inc() }

// Handler serves the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}
