package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/water-monitor-etl/internal/adapter/cdse"
	"github.com/couchcryptid/water-monitor-etl/internal/adapter/csvtable"
	"github.com/couchcryptid/water-monitor-etl/internal/adapter/objectstore"
	"github.com/couchcryptid/water-monitor-etl/internal/domain"
	"github.com/couchcryptid/water-monitor-etl/internal/observability"
	"github.com/couchcryptid/water-monitor-etl/internal/store"
)

// ImagerySource renders imagery for a bbox and date window.
type ImagerySource interface {
	FetchNDWI(ctx context.Context, req cdse.Request) ([]byte, error)
	FetchTrueColor(ctx context.Context, req cdse.Request) ([]byte, error)
}

// Ledger records partition runs.
type Ledger interface {
	StartRun(ctx context.Context, date time.Time, locationID string) (*store.Run, error)
	CompleteRun(ctx context.Context, run *store.Run) error
	LastSuccessful(ctx context.Context, date time.Time, locationID string) (*store.Run, error)
	CompletedDates(ctx context.Context, locationID string, from, to time.Time) ([]time.Time, error)
}

// SummaryPublisher announces a finished daily summary downstream.
type SummaryPublisher interface {
	Publish(ctx context.Context, s domain.SummaryRecord) error
}

// Options fixes what a Runner computes for every partition.
type Options struct {
	Fields     domain.FieldConfig
	Metrics    domain.MetricsConfig
	Width      int
	Height     int
	WindowDays int
	Preview    bool
}

// RunOptions controls a single partition run.
type RunOptions struct {
	// Force refetches imagery and recomputes a partition that already
	// succeeded.
	Force bool
}

// PartitionResult describes the outcome of one partition run.
type PartitionResult struct {
	Date        string               `json:"date"`
	RunID       string               `json:"run_id,omitempty"`
	Skipped     bool                 `json:"skipped"`
	RawKey      string               `json:"raw_key"`
	MetricsRows int                  `json:"metrics_rows"`
	DeltaRows   int                  `json:"delta_rows"`
	Summary     domain.SummaryRecord `json:"summary"`
}

// Runner computes the raw, metrics, delta and summary partitions for one
// location, one date at a time.
type Runner struct {
	opts      Options
	source    ImagerySource
	objects   objectstore.Store
	ledger    Ledger
	publisher SummaryPublisher
	keys      objectstore.Keys
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool

	// mu serializes partitions so HTTP triggers and the scheduler never
	// compute concurrently.
	mu sync.Mutex
}

// New creates a Runner. source may be nil when raw imagery is already in the
// store; publisher may be nil to disable publishing.
func New(opts Options, source ImagerySource, objects objectstore.Store, ledger Ledger, publisher SummaryPublisher, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{
		opts:      opts,
		source:    source,
		objects:   objects,
		ledger:    ledger,
		publisher: publisher,
		keys:      objectstore.Keys{LocationID: opts.Fields.LocationID},
		logger:    logger.With("location_id", opts.Fields.LocationID),
		metrics:   metrics,
	}
}

// LocationID is the location this runner computes.
func (r *Runner) LocationID() string {
	return r.opts.Fields.LocationID
}

// CheckReadiness returns nil once a partition has completed successfully,
// or an error describing why the service is not yet ready.
func (r *Runner) CheckReadiness(_ context.Context) error {
	if !r.ready.Load() {
		return errors.New("no partition has completed yet")
	}
	return nil
}

// RunPartition computes every table for date. Without Force, a partition
// that already succeeded is not recomputed and its stored summary is
// returned.
func (r *Runner) RunPartition(ctx context.Context, date time.Time, opts RunOptions) (PartitionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	day := domain.Day(date)
	logger := r.logger.With("date", domain.FormatDate(day))

	if !opts.Force {
		if res, ok := r.completed(ctx, day, logger); ok {
			r.metrics.PartitionsTotal.WithLabelValues("skipped").Inc()
			r.ready.Store(true)
			return res, nil
		}
	}

	run, err := r.ledger.StartRun(ctx, day, r.LocationID())
	if err != nil {
		return PartitionResult{}, fmt.Errorf("start run: %w", err)
	}

	start := time.Now()
	res, err := r.compute(ctx, day, opts, logger)
	res.RunID = run.ID
	r.metrics.PartitionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		run.Fail(err)
		r.metrics.PartitionsTotal.WithLabelValues("failed").Inc()
		logger.Error("partition failed", "error", err)
	} else {
		run.Succeed(res.RawKey, res.MetricsRows, res.DeltaRows)
		r.metrics.PartitionsTotal.WithLabelValues("success").Inc()
		r.ready.Store(true)
		logger.Info("partition complete", "metrics_rows", res.MetricsRows, "delta_rows", res.DeltaRows,
			"duration", time.Since(start))
	}

	// Record the outcome even when ctx was cancelled mid-run.
	if cerr := r.ledger.CompleteRun(context.WithoutCancel(ctx), run); cerr != nil {
		logger.Warn("record run outcome failed", "error", cerr, "run_id", run.ID)
	}
	return res, err
}

// RunRange runs every date in [from, to] in ascending order, stopping at the
// first failure.
func (r *Runner) RunRange(ctx context.Context, from, to time.Time, opts RunOptions) ([]PartitionResult, error) {
	from, to = domain.Day(from), domain.Day(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end %s before start %s", domain.ErrConfig, domain.FormatDate(to), domain.FormatDate(from))
	}

	var results []PartitionResult
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.RunPartition(ctx, d, opts)
		if err != nil {
			return results, fmt.Errorf("partition %s: %w", domain.FormatDate(d), err)
		}
		results = append(results, res)
	}
	return results, nil
}

// completed returns the stored result of an already successful partition.
func (r *Runner) completed(ctx context.Context, day time.Time, logger *slog.Logger) (PartitionResult, bool) {
	last, err := r.ledger.LastSuccessful(ctx, day, r.LocationID())
	if err != nil {
		logger.Warn("ledger lookup failed, recomputing", "error", err)
		return PartitionResult{}, false
	}
	if last == nil {
		return PartitionResult{}, false
	}

	data, err := r.objects.Get(ctx, r.keys.Summary(day))
	if err != nil {
		logger.Warn("stored summary unavailable, recomputing", "error", err)
		return PartitionResult{}, false
	}
	summaries, err := csvtable.DecodeSummaries(data)
	if err != nil || len(summaries) != 1 {
		logger.Warn("stored summary unreadable, recomputing", "error", err, "rows", len(summaries))
		return PartitionResult{}, false
	}

	logger.Debug("partition already complete", "run_id", last.ID)
	return PartitionResult{
		Date:        domain.FormatDate(day),
		RunID:       last.ID,
		Skipped:     true,
		RawKey:      last.RawKey,
		MetricsRows: last.MetricsRows,
		DeltaRows:   last.DeltaRows,
		Summary:     summaries[0],
	}, true
}
