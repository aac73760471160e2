package config

import (
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerHost   string
	MetricsAddr  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers     []string
	KafkaGroupID     string
	SubmissionsTopic string

	// Spool layout
	SpoolDir   string
	ArchiveDir string
	FailedDir  string
	TreesFile  string

	// Ingestion
	QueueMaxSize        int
	BatchSize           int
	FlushTimeout        time.Duration
	PollInterval        time.Duration
	MaxWorkers          int
	InsertChunkSize     int
	FlushFailurePolicy  string
	MaxRequeueAttempts  int
	DLQTopic            string
	ScanInterval        time.Duration
	ProgressEvery       int
	ProgressInterval    time.Duration
	Verbose             bool
	LogExcerptExtract   bool
	LogExcerptThreshold int
	LogExcerptTTL       time.Duration
}

func Load() *Config {
	spool := getEnv("KCIDB_SPOOL_DIR", "/spool")
	return &Config{
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		MetricsAddr:  getEnv("METRICS_ADDR", ":8081"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "kcidb"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "kcidb"),
		PostgresDB:       getEnv("POSTGRES_DB", "kcidb"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:     getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "kcidb-ingester"),
		SubmissionsTopic: getEnv("SUBMISSIONS_TOPIC", "kcidb-submissions"),

		SpoolDir:   spool,
		ArchiveDir: getEnv("KCIDB_ARCHIVE_DIR", spool+"/archive"),
		FailedDir:  getEnv("KCIDB_FAILED_DIR", spool+"/failed"),
		TreesFile:  getEnv("KCIDB_TREES_FILE", ""),

		QueueMaxSize:        getIntEnv("INGEST_QUEUE_MAXSIZE", 5000),
		BatchSize:           getIntEnv("INGEST_BATCH_SIZE", 10000),
		FlushTimeout:        getSecondsEnv("INGEST_FLUSH_TIMEOUT_SEC", 2*time.Second),
		PollInterval:        getDuration("INGEST_POLL_INTERVAL", 500*time.Millisecond),
		MaxWorkers:          getIntEnv("INGEST_MAX_WORKERS", runtime.NumCPU()),
		InsertChunkSize:     getIntEnv("INGEST_INSERT_CHUNK", 1000),
		FlushFailurePolicy:  getEnv("INGEST_FLUSH_FAILURE_POLICY", "discard"),
		MaxRequeueAttempts:  getIntEnv("INGEST_MAX_REQUEUE_ATTEMPTS", 3),
		DLQTopic:            getEnv("INGEST_DLQ_TOPIC", "kcidb-ingest-dlq"),
		ScanInterval:        getDuration("INGEST_SCAN_INTERVAL", 5*time.Second),
		ProgressEvery:       getIntEnv("INGEST_PROGRESS_EVERY", 100),
		ProgressInterval:    getDuration("INGEST_PROGRESS_INTERVAL", 2*time.Second),
		Verbose:             getBoolEnv("VERBOSE", false),
		LogExcerptExtract:   getBoolEnv("LOG_EXCERPT_EXTRACT", false),
		LogExcerptThreshold: getIntEnv("LOG_EXCERPT_THRESHOLD", 256*1024),
		LogExcerptTTL:       getDuration("LOG_EXCERPT_TTL", 0),
	}
}

// StatusAddr is the listen address of the status server. A METRICS_ADDR
// without a host binds to SERVER_HOST.
func (c *Config) StatusAddr() string {
	host, port, err := net.SplitHostPort(c.MetricsAddr)
	if err != nil || host != "" {
		return c.MetricsAddr
	}
	return net.JoinHostPort(c.ServerHost, port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getSecondsEnv accepts a plain number of seconds as well as a Go duration.
func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return getDuration(key, defaultValue)
}
