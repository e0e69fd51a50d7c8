package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/water-monitor-etl/internal/adapter/cdse"
	httpadapter "github.com/couchcryptid/water-monitor-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/water-monitor-etl/internal/adapter/kafka"
	"github.com/couchcryptid/water-monitor-etl/internal/adapter/objectstore"
	"github.com/couchcryptid/water-monitor-etl/internal/config"
	"github.com/couchcryptid/water-monitor-etl/internal/domain"
	"github.com/couchcryptid/water-monitor-etl/internal/observability"
	"github.com/couchcryptid/water-monitor-etl/internal/pipeline"
	"github.com/couchcryptid/water-monitor-etl/internal/store"
)

type flags struct {
	date  string
	from  string
	to    string
	once  bool
	force bool
}

func main() {
	var f flags
	flag.StringVar(&f.date, "date", "", "compute a single partition (YYYY-MM-DD) and exit")
	flag.StringVar(&f.from, "from", "", "first date of a backfill range (YYYY-MM-DD)")
	flag.StringVar(&f.to, "to", "", "last date of a backfill range (YYYY-MM-DD), defaults to -from")
	flag.BoolVar(&f.once, "once", false, "run one scheduler tick and exit")
	flag.BoolVar(&f.force, "force", false, "recompute partitions that already succeeded")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, f, logger); err != nil {
		logger.Error("etl failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, f flags, logger *slog.Logger) error {
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fields, err := domain.LoadFieldConfig(cfg.FieldsConfig)
	if err != nil {
		return err
	}
	if outside := fields.FieldsOutsideBBox(); len(outside) > 0 {
		logger.Warn("fields extend beyond the location bbox", "fields", strings.Join(outside, ","))
	}
	logger.Info("field config loaded", "location_id", fields.LocationID, "fields", len(fields.Fields))

	objects, err := newObjectStore(cfg, logger)
	if err != nil {
		return err
	}

	ledger, err := store.Open(ctx, cfg.LedgerPath, logger)
	if err != nil {
		return err
	}
	defer ledger.Close()
	abandoned, err := ledger.AbandonRunning(ctx)
	if err != nil {
		return err
	}
	if abandoned > 0 {
		logger.Warn("marked interrupted runs as failed", "count", abandoned)
	}

	// Without credentials the runner only recomputes from stored raw imagery.
	var source pipeline.ImagerySource
	if cfg.HasCDSECredentials() {
		client, err := cdse.NewClient(cdse.Config{
			ClientID:     cfg.CDSEClientID,
			ClientSecret: cfg.CDSEClientSecret,
			TokenURL:     cfg.CDSETokenURL,
			ProcessURL:   cfg.CDSEProcessURL,
			Timeout:      cfg.CDSETimeout,
		}, metrics, logger)
		if err != nil {
			return err
		}
		source = cdse.NewCachedFetcher(client, cfg.ImageryCacheSize, metrics)
		logger.Info("imagery source enabled", "cache_size", cfg.ImageryCacheSize, "timeout", cfg.CDSETimeout)
	} else {
		logger.Warn("no imagery credentials, only stored raw images will be processed")
	}

	var publisher pipeline.SummaryPublisher
	if cfg.KafkaEnabled() {
		writer := kafkaadapter.NewWriter(cfg, logger)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		publisher = writer
		logger.Info("summary publishing enabled", "topic", cfg.KafkaSummaryTopic)
	}

	runner := pipeline.New(pipeline.Options{
		Fields:     fields,
		Metrics:    cfg.Metrics(),
		Width:      cfg.ImageWidth,
		Height:     cfg.ImageHeight,
		WindowDays: cfg.WindowDays,
		Preview:    cfg.PreviewEnabled,
	}, source, objects, ledger, publisher, logger, metrics)

	scheduler := pipeline.NewScheduler(pipeline.ScheduleConfig{
		LocationID: fields.LocationID,
		Start:      cfg.PartitionStart,
		LagDays:    cfg.PartitionLagDays,
		Interval:   cfg.ScheduleInterval,
		MaxCatchup: cfg.MaxCatchup,
	}, runner, ledger, clockwork.NewRealClock(), logger, metrics)

	opts := pipeline.RunOptions{Force: f.force}
	switch {
	case f.date != "":
		return runDates(ctx, runner, f.date, f.date, opts, logger)
	case f.from != "":
		to := f.to
		if to == "" {
			to = f.from
		}
		return runDates(ctx, runner, f.from, to, opts, logger)
	case f.once:
		n, err := scheduler.Tick(ctx)
		logger.Info("scheduler tick complete", "partitions", n)
		return err
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, runner, httpadapter.Deps{Trigger: runner, Runs: ledger}, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start scheduler.
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := scheduler.Run(ctx); err != nil {
			logger.Error("scheduler error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before shutdown timeout")
	}

	logger.Info("shutdown complete")
	return nil
}

func newObjectStore(cfg *config.Config, logger *slog.Logger) (objectstore.Store, error) {
	switch cfg.StorageBackend {
	case config.StorageMinIO:
		s, err := objectstore.NewMinIO(objectstore.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("object store ready", "backend", "minio", "endpoint", cfg.MinIOEndpoint, "bucket", cfg.MinIOBucket)
		return s, nil
	default:
		dir, err := filepath.Abs(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("resolve data dir: %w", err)
		}
		logger.Info("object store ready", "backend", "file", "dir", dir)
		return objectstore.NewFS(dir), nil
	}
}

func runDates(ctx context.Context, runner *pipeline.Runner, from, to string, opts pipeline.RunOptions, logger *slog.Logger) error {
	start, err := domain.ParseDate(from)
	if err != nil {
		return err
	}
	end, err := domain.ParseDate(to)
	if err != nil {
		return err
	}

	began := time.Now()
	results, err := runner.RunRange(ctx, start, end, opts)
	for _, res := range results {
		logger.Info("partition done", "date", res.Date, "skipped", res.Skipped,
			"metrics_rows", res.MetricsRows, "delta_rows", res.DeltaRows)
	}
	logger.Info("backfill finished", "partitions", len(results), "duration", time.Since(began))
	return err
}
