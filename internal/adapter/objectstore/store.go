// Package objectstore persists raw imagery and daily tables under
// date-partitioned keys.
package objectstore

import (
	"context"
	"errors"
	"time"

	"github.com/couchcryptid/water-monitor-etl/internal/domain"
)

// ErrNotFound is returned by Get when no object exists at the key.
var ErrNotFound = errors.New("object not found")

// Store is a flat key/value blob store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	URI(key string) string
}

// Keys builds the partitioned object keys for one location.
type Keys struct {
	LocationID string
}

func partition(prefix string, date time.Time, name string) string {
	return prefix + "/date=" + domain.FormatDate(date) + "/" + name
}

// RawNDWI is the quantized NDWI image fetched for date.
func (Keys) RawNDWI(date time.Time) string {
	return partition("raw_ndwi", date, "ndwi.png")
}

// RawTrueColor is the optional RGB preview for date.
func (Keys) RawTrueColor(date time.Time) string {
	return partition("raw_true_color", date, "true_color.png")
}

// Metrics is the per-field metrics table for date.
func (Keys) Metrics(date time.Time) string {
	return partition("field_ndwi_daily", date, "metrics.csv")
}

// Delta is the day-over-day delta table for date.
func (Keys) Delta(date time.Time) string {
	return partition("field_ndwi_daily_delta", date, "metrics_delta.csv")
}

// Summary is the location summary table for date.
func (k Keys) Summary(date time.Time) string {
	return partition(k.LocationID+"_daily_summary", date, "summary.csv")
}
