package domain

import (
	"fmt"
	"math"
	"time"
)

// MetricsConfig holds the thresholds and rasterization mode for extraction.
type MetricsConfig struct {
	// WaterThresholdPos is the NDWI above which a pixel counts as water.
	WaterThresholdPos float64
	// WaterThresholdStrong is the NDWI above which a pixel counts as strong water.
	WaterThresholdStrong float64
	// AllTouched includes every pixel the polygon touches rather than only
	// pixels whose center is inside. Small or thin fields gain pixels.
	AllTouched bool
}

// DefaultMetricsConfig returns thresholds 0.0 / 0.2 with all-touched masks.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{WaterThresholdPos: 0.0, WaterThresholdStrong: 0.2, AllTouched: true}
}

// Validate rejects non-finite thresholds.
func (c MetricsConfig) Validate() error {
	for _, v := range []float64{c.WaterThresholdPos, c.WaterThresholdStrong} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: water threshold must be finite", ErrConfig)
		}
	}
	return nil
}

// FieldMetricRecord is one field's NDWI metrics for one day.
type FieldMetricRecord struct {
	Date                time.Time `json:"date"`
	FieldID             string    `json:"field_id"`
	FieldName           string    `json:"field_name"`
	MeanNDWI            float64   `json:"mean_ndwi"`
	WaterFractionPos    float64   `json:"water_fraction_pos"`
	WaterFractionStrong float64   `json:"water_fraction_strong"`
}

// ComputeFieldMetrics extracts per-field metrics from raster for date.
//
// A record is produced for each field that is active on date and covers at
// least one pixel; other fields are omitted. Masks are built at the raster's
// own shape over cfg.BBox, so callers must pair each raster with the bbox it
// was fetched for. Fractions use a strict greater-than comparison. Output
// follows the order of cfg.Fields.
func ComputeFieldMetrics(raster Raster, cfg FieldConfig, date time.Time, mc MetricsConfig) []FieldMetricRecord {
	day := Day(date)
	records := make([]FieldMetricRecord, 0, len(cfg.Fields))

	for _, f := range cfg.Fields {
		if !f.ActiveOn(day) {
			continue
		}

		mask := RasterizeField(f, cfg.BBox, raster.Width, raster.Height, mc.AllTouched)
		values := raster.Masked(mask)
		if len(values) == 0 {
			continue
		}

		stats := ComputeValueStats(values, mc.WaterThresholdPos)
		records = append(records, FieldMetricRecord{
			Date:                day,
			FieldID:             f.ID,
			FieldName:           f.Name,
			MeanNDWI:            stats.Mean,
			WaterFractionPos:    stats.WaterFraction,
			WaterFractionStrong: fractionAbove(values, mc.WaterThresholdStrong),
		})
	}

	return records
}
