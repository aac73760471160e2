package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kernelci/kcidb-ingester/pkg/common/config"
	"github.com/kernelci/kcidb-ingester/pkg/common/database"
	"github.com/kernelci/kcidb-ingester/pkg/common/kafka"
	"github.com/kernelci/kcidb-ingester/pkg/common/logger"
	"github.com/kernelci/kcidb-ingester/pkg/ingestion"
	"github.com/kernelci/kcidb-ingester/pkg/spool"
	"github.com/spf13/cobra"
)

func main() {
	logger.Init()
	cfg := config.Load()

	cmdRoot := &cobra.Command{
		Use:           "kcidb-ingester",
		Short:         "Ingest KCIDB submissions into PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetVerbose(cfg.Verbose)
			// archive and failed dirs follow --spool-dir unless set
			f := cmd.Flags()
			if f.Changed("spool-dir") && !f.Changed("archive-dir") && os.Getenv("KCIDB_ARCHIVE_DIR") == "" {
				cfg.ArchiveDir = filepath.Join(cfg.SpoolDir, "archive")
			}
			if f.Changed("spool-dir") && !f.Changed("failed-dir") && os.Getenv("KCIDB_FAILED_DIR") == "" {
				cfg.FailedDir = filepath.Join(cfg.SpoolDir, "failed")
			}
		},
	}
	addFlags(cmdRoot, cfg)
	cmdRoot.AddCommand(cmdRun(cfg), cmdOnce(cfg), cmdMigrate(cfg), cmdReceive(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logger.Log.WithField("signal", sig.String()).Warn("shutdown requested")
		cancel()
	}()

	if err := cmdRoot.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Log.Info("kcidb-ingester stopped")
			os.Exit(130)
		}
		logger.Log.WithError(err).Error("kcidb-ingester failed")
		os.Exit(1)
	}
}

func addFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.PersistentFlags()
	f.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "log more information")
	f.StringVar(&cfg.SpoolDir, "spool-dir", cfg.SpoolDir, "directory holding pending submissions")
	f.StringVar(&cfg.ArchiveDir, "archive-dir", cfg.ArchiveDir, "directory for ingested submissions")
	f.StringVar(&cfg.FailedDir, "failed-dir", cfg.FailedDir, "directory for rejected submissions")
	f.StringVar(&cfg.TreesFile, "trees", cfg.TreesFile, "YAML file mapping tree names to repository URLs")
	f.IntVar(&cfg.MaxWorkers, "workers", cfg.MaxWorkers, "number of files processed in parallel")
	f.IntVar(&cfg.QueueMaxSize, "queue-size", cfg.QueueMaxSize, "batches buffered ahead of the storage worker")
	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "records buffered before a flush")
	f.DurationVar(&cfg.FlushTimeout, "flush-timeout", cfg.FlushTimeout, "idle time before buffered records are flushed")
	f.StringVar(&cfg.FlushFailurePolicy, "flush-policy", cfg.FlushFailurePolicy, "what to do with a batch whose flush failed: discard, requeue or dead-letter")
	f.BoolVar(&cfg.LogExcerptExtract, "extract-log-excerpts", cfg.LogExcerptExtract, "move oversized log excerpts to redis")
}

func cmdRun(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the spool directory and ingest submissions until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, cleanup, err := newService(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			server := &http.Server{
				Addr:         cfg.StatusAddr(),
				Handler:      ingestion.NewRouter(ingestion.NewHTTPHandler(svc)),
				ReadTimeout:  cfg.ReadTimeout,
				WriteTimeout: cfg.WriteTimeout,
				IdleTimeout:  120 * time.Second,
			}
			go func() {
				logger.Log.WithField("addr", cfg.StatusAddr()).Info("status server started")
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Log.WithError(err).Error("status server failed")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Log.WithError(err).Error("status server forced to shutdown")
				}
			}()

			return svc.RunForever(ctx)
		},
	}
}

func cmdOnce(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Ingest the submissions currently in the spool directory and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newService(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := svc.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if res != nil && res.Failed > 0 {
				logger.Log.WithField("failed", res.Failed).Warn("some submissions were rejected; see the failed directory")
			}
			return nil
		},
	}
}

func cmdMigrate(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the KCIDB tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.GetPostgres()
			if err != nil {
				return err
			}
			defer database.ClosePostgres()

			if err := ingestion.NewRepository(db, cfg.InsertChunkSize).AutoMigrate(); err != nil {
				return err
			}
			logger.Log.Info("migrations applied")
			return nil
		},
	}
}

func cmdReceive(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "receive",
		Short: "Copy submissions from the Kafka submissions topic into the spool directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			consumer := kafka.NewConsumer(cfg.SubmissionsTopic, cfg.KafkaGroupID)
			defer consumer.Close()

			logger.Log.WithFields(map[string]interface{}{
				"topic": cfg.SubmissionsTopic,
				"spool": cfg.SpoolDir,
			}).Info("receiving submissions")
			return consumer.Consume(cmd.Context(), spool.NewReceiver(cfg.SpoolDir).Handle)
		},
	}
}

func newService(ctx context.Context, cfg *config.Config) (*ingestion.Service, func(), error) {
	policy, err := ingestion.ParseFlushPolicy(cfg.FlushFailurePolicy)
	if err != nil {
		return nil, nil, err
	}
	trees, err := config.LoadTreeNames(cfg.TreesFile)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.GetPostgres()
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{database.ClosePostgres}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Log.WithError(err).Warn("cleanup failed")
			}
		}
	}

	var excerpts *ingestion.ExcerptExtractor
	if cfg.LogExcerptExtract {
		client, err := database.GetRedis(ctx)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, database.CloseRedis)
		excerpts = ingestion.NewExcerptExtractor(
			ingestion.NewRedisExcerptStore(client, cfg.LogExcerptTTL), cfg.LogExcerptThreshold, cfg.LogExcerptTTL)
	}

	var dlq ingestion.DeadLetter
	if policy == ingestion.PolicyDeadLetter {
		producer := kafka.NewProducer(cfg.DLQTopic)
		closers = append(closers, producer.Close)
		dlq = producer
		logger.Log.WithField("topic", producer.Topic()).Info("failed flushes go to the dead-letter topic")
	}

	orch := ingestion.NewOrchestrator(ingestion.OrchestratorConfig{
		MaxWorkers:       cfg.MaxWorkers,
		QueueSize:        cfg.QueueMaxSize,
		ProgressEvery:    cfg.ProgressEvery,
		ProgressInterval: cfg.ProgressInterval,
		ArchiveDir:       cfg.ArchiveDir,
		FailedDir:        cfg.FailedDir,
		Trees:            trees,
		Worker: ingestion.WorkerConfig{
			BatchSize:          cfg.BatchSize,
			FlushTimeout:       cfg.FlushTimeout,
			PollInterval:       cfg.PollInterval,
			Policy:             policy,
			MaxRequeueAttempts: cfg.MaxRequeueAttempts,
		},
	},
		ingestion.NewPreparer(ingestion.NewKCIDBSchema(), excerpts),
		ingestion.NewBuilder(),
		ingestion.NewRepository(db, cfg.InsertChunkSize),
		dlq,
	)

	return ingestion.NewService(orch, cfg.SpoolDir, cfg.ScanInterval), cleanup, nil
}
