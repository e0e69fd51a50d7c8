package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/water-monitor-etl/internal/adapter/cdse"
	"github.com/couchcryptid/water-monitor-etl/internal/adapter/csvtable"
	"github.com/couchcryptid/water-monitor-etl/internal/adapter/imagecodec"
	"github.com/couchcryptid/water-monitor-etl/internal/adapter/objectstore"
	"github.com/couchcryptid/water-monitor-etl/internal/domain"
)

// ErrNoImagery is returned when a partition has no stored raw image and no
// imagery source is configured.
var ErrNoImagery = errors.New("no raw imagery available")

// IsPermanent reports whether err will recur on retry until an operator
// changes configuration or stored data.
func IsPermanent(err error) bool {
	return errors.Is(err, domain.ErrConfig) || errors.Is(err, domain.ErrSchema) || errors.Is(err, ErrNoImagery)
}

// compute runs the raw, metrics, delta and summary stages for day.
func (r *Runner) compute(ctx context.Context, day time.Time, opts RunOptions, logger *slog.Logger) (PartitionResult, error) {
	res := PartitionResult{Date: domain.FormatDate(day)}

	rawKey, raw, err := r.rawStage(ctx, day, opts.Force, logger)
	if err != nil {
		return res, err
	}
	res.RawKey = rawKey

	today, err := r.metricsStage(ctx, day, raw, logger)
	if err != nil {
		return res, err
	}
	res.MetricsRows = len(today)

	deltas, err := r.deltaStage(ctx, day, today, logger)
	if err != nil {
		return res, err
	}
	res.DeltaRows = len(deltas)

	summary, err := r.summaryStage(ctx, day, today, deltas, logger)
	if err != nil {
		return res, err
	}
	res.Summary = summary
	return res, nil
}

// rawStage returns the NDWI image for day, fetching and storing it unless a
// stored copy exists and force is unset.
func (r *Runner) rawStage(ctx context.Context, day time.Time, force bool, logger *slog.Logger) (string, []byte, error) {
	key := r.keys.RawNDWI(day)

	if !force {
		data, err := r.objects.Get(ctx, key)
		if err == nil {
			logger.Debug("reusing stored raw image", "key", key)
			return key, data, nil
		}
		if !errors.Is(err, objectstore.ErrNotFound) {
			return "", nil, fmt.Errorf("read raw image: %w", err)
		}
	}
	if r.source == nil {
		return "", nil, fmt.Errorf("%w: %s not in store and no imagery source configured", ErrNoImagery, key)
	}

	req := cdse.Request{
		BBox:       r.opts.Fields.BBox,
		Date:       day,
		WindowDays: r.opts.WindowDays,
		Width:      r.opts.Width,
		Height:     r.opts.Height,
		Refresh:    force,
	}
	data, err := r.source.FetchNDWI(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch ndwi: %w", err)
	}
	if err := r.objects.Put(ctx, key, data, imagecodec.PNGContentType); err != nil {
		return "", nil, fmt.Errorf("store raw image: %w", err)
	}
	logger.Info("raw image stored", "key", key, "uri", r.objects.URI(key), "bytes", len(data))

	if r.opts.Preview {
		r.previewStage(ctx, req, logger)
	}
	return key, data, nil
}

// previewStage stores the RGB preview. Failures are logged, never fatal.
func (r *Runner) previewStage(ctx context.Context, req cdse.Request, logger *slog.Logger) {
	key := r.keys.RawTrueColor(req.Date)
	data, err := r.source.FetchTrueColor(ctx, req)
	if err != nil {
		logger.Warn("true colour preview fetch failed", "error", err)
		return
	}
	if err := r.objects.Put(ctx, key, data, imagecodec.PNGContentType); err != nil {
		logger.Warn("true colour preview store failed", "error", err, "key", key)
	}
}

func (r *Runner) metricsStage(ctx context.Context, day time.Time, raw []byte, logger *slog.Logger) ([]domain.FieldMetricRecord, error) {
	raster, err := imagecodec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw image: %w", err)
	}

	active := r.opts.Fields.ActiveFields(day)
	r.metrics.FieldsActive.Set(float64(len(active)))

	records := domain.ComputeFieldMetrics(raster, r.opts.Fields, day, r.opts.Metrics)
	r.metrics.FieldMetricRows.Set(float64(len(records)))
	if len(records) == 0 {
		logger.Warn("no field metrics produced", "active_fields", len(active))
	} else if len(records) < len(active) {
		logger.Warn("some active fields cover no pixels", "active_fields", len(active), "rows", len(records))
	}

	data, err := csvtable.EncodeMetrics(records)
	if err != nil {
		return nil, err
	}
	key := r.keys.Metrics(day)
	if err := r.objects.Put(ctx, key, data, csvtable.ContentType); err != nil {
		return nil, fmt.Errorf("store metrics: %w", err)
	}
	logger.Info("metrics stored", "key", key, "rows", len(records))
	return records, nil
}

func (r *Runner) deltaStage(ctx context.Context, day time.Time, today []domain.FieldMetricRecord, logger *slog.Logger) ([]domain.DeltaRecord, error) {
	prev := day.AddDate(0, 0, -1)
	yesterday, err := r.readMetrics(ctx, prev)
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		logger.Warn("no metrics for previous day, delta table will be empty", "previous", domain.FormatDate(prev))
	case err != nil:
		return nil, err
	}

	deltas, diag, err := domain.ComputeDeltas(today, yesterday)
	if err != nil {
		return nil, fmt.Errorf("compute deltas: %w", err)
	}
	if !diag.Empty() && len(yesterday) > 0 {
		logger.Info("fields without a delta", "only_today", diag.OnlyToday, "only_yesterday", diag.OnlyYesterday)
	}
	r.metrics.DeltaRows.Set(float64(len(deltas)))

	data, err := csvtable.EncodeDeltas(deltas)
	if err != nil {
		return nil, err
	}
	key := r.keys.Delta(day)
	if err := r.objects.Put(ctx, key, data, csvtable.ContentType); err != nil {
		return nil, fmt.Errorf("store deltas: %w", err)
	}
	logger.Info("deltas stored", "key", key, "rows", len(deltas))
	return deltas, nil
}

func (r *Runner) readMetrics(ctx context.Context, day time.Time) ([]domain.FieldMetricRecord, error) {
	data, err := r.objects.Get(ctx, r.keys.Metrics(day))
	if err != nil {
		return nil, err
	}
	records, err := csvtable.DecodeMetrics(data)
	if err != nil {
		return nil, fmt.Errorf("previous day metrics: %w", err)
	}
	return records, nil
}

func (r *Runner) summaryStage(ctx context.Context, day time.Time, today []domain.FieldMetricRecord, deltas []domain.DeltaRecord, logger *slog.Logger) (domain.SummaryRecord, error) {
	summary := domain.Summarize(today, deltas, day, r.opts.Fields)

	data, err := csvtable.EncodeSummary(summary)
	if err != nil {
		return summary, err
	}
	key := r.keys.Summary(day)
	if err := r.objects.Put(ctx, key, data, csvtable.ContentType); err != nil {
		return summary, fmt.Errorf("store summary: %w", err)
	}
	logger.Info("summary stored", "key", key, "total_fields", summary.TotalFields)

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, summary); err != nil {
			r.metrics.SummaryPublish.WithLabelValues("error").Inc()
			logger.Warn("summary publish failed", "error", err)
		} else {
			r.metrics.SummaryPublish.WithLabelValues("success").Inc()
		}
	}
	return summary, nil
}
