package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFieldID = "f1"

var (
	testStart = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	testDay   = time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
)

func singleFieldConfig(f Field) FieldConfig {
	return FieldConfig{
		LocationID:   "loc1",
		LocationName: "Test Location",
		BBox:         BoundingBox{MinLon: 0, MinLat: 0, MaxLon: 2, MaxLat: 2},
		Fields:       []Field{f},
	}
}

func TestComputeFieldMetrics_UniformRaster(t *testing.T) {
	cfg := singleFieldConfig(Field{ID: testFieldID, Name: "Test Field", Polygon: box(0, 0, 2, 2), MonitoringStart: testStart})

	records := ComputeFieldMetrics(FilledRaster(2, 2, 0.6), cfg, testDay, DefaultMetricsConfig())

	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, testFieldID, rec.FieldID)
	assert.Equal(t, "Test Field", rec.FieldName)
	assert.Equal(t, testDay, rec.Date)
	assert.InDelta(t, 0.6, rec.MeanNDWI, 1e-9)
	assert.InDelta(t, 1.0, rec.WaterFractionPos, 1e-9)
	assert.InDelta(t, 1.0, rec.WaterFractionStrong, 1e-9)
}

func TestComputeFieldMetrics_QuarterFieldAllTouched(t *testing.T) {
	cfg := singleFieldConfig(Field{ID: testFieldID, Name: "Test Field", Polygon: box(0, 0, 1, 1), MonitoringStart: testStart})

	records := ComputeFieldMetrics(FilledRaster(2, 2, 0.6), cfg, testDay, DefaultMetricsConfig())

	require.Len(t, records, 1)
	assert.InDelta(t, 0.6, records[0].MeanNDWI, 1e-9)
}

func TestComputeFieldMetrics_OutsideBBox(t *testing.T) {
	cfg := singleFieldConfig(Field{ID: testFieldID, Name: "Far", Polygon: box(10, 10, 11, 11), MonitoringStart: testStart})

	records := ComputeFieldMetrics(FilledRaster(2, 2, 0.6), cfg, testDay, DefaultMetricsConfig())

	assert.Empty(t, records)
}

func TestComputeFieldMetrics_MonitoringStartGate(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	cfg := singleFieldConfig(Field{ID: testFieldID, Name: "Late", Polygon: box(0, 0, 2, 2), MonitoringStart: start})

	thresholds := []MetricsConfig{
		DefaultMetricsConfig(),
		{WaterThresholdPos: -1, WaterThresholdStrong: 1, AllTouched: false},
		{WaterThresholdPos: 0.5, WaterThresholdStrong: 0.5, AllTouched: true},
	}
	for _, mc := range thresholds {
		assert.Empty(t, ComputeFieldMetrics(FilledRaster(2, 2, 0.6), cfg, start.AddDate(0, 0, -1), mc))
	}

	assert.Len(t, ComputeFieldMetrics(FilledRaster(2, 2, 0.6), cfg, start, DefaultMetricsConfig()), 1,
		"field is active on its monitoring start date")
}

func TestComputeFieldMetrics_StrictThresholds(t *testing.T) {
	r := NewRaster(2, 2)
	r.Set(0, 0, 0.0) // equal to the positive threshold: not water
	r.Set(0, 1, 0.1)
	r.Set(1, 0, 0.2) // equal to the strong threshold: not strong
	r.Set(1, 1, 0.5)
	cfg := singleFieldConfig(Field{ID: testFieldID, Name: "F", Polygon: box(0, 0, 2, 2), MonitoringStart: testStart})

	records := ComputeFieldMetrics(r, cfg, testDay, DefaultMetricsConfig())

	require.Len(t, records, 1)
	assert.InDelta(t, 0.2, records[0].MeanNDWI, 1e-9)
	assert.InDelta(t, 0.75, records[0].WaterFractionPos, 1e-9)
	assert.InDelta(t, 0.25, records[0].WaterFractionStrong, 1e-9)
}

func TestComputeFieldMetrics_StrongNeverExceedsPositive(t *testing.T) {
	r := NewRaster(8, 8)
	for i := range r.Values {
		r.Values[i] = float64(i%17)/8.0 - 1.0
	}
	cfg := FieldConfig{
		LocationID: "loc",
		BBox:       BoundingBox{MinLon: 0, MinLat: 0, MaxLon: 8, MaxLat: 8},
		Fields: []Field{
			{ID: "a", Polygon: box(0, 0, 8, 8), MonitoringStart: testStart},
			{ID: "b", Polygon: box(1.3, 2.1, 5.7, 6.2), MonitoringStart: testStart},
			{ID: "c", Polygon: box(6.1, 0.4, 6.3, 7.9), MonitoringStart: testStart},
		},
	}

	for _, pos := range []float64{-0.5, 0, 0.2} {
		for _, strong := range []float64{pos, pos + 0.1, pos + 0.7} {
			for _, allTouched := range []bool{true, false} {
				mc := MetricsConfig{WaterThresholdPos: pos, WaterThresholdStrong: strong, AllTouched: allTouched}
				for _, rec := range ComputeFieldMetrics(r, cfg, testDay, mc) {
					assert.LessOrEqual(t, rec.WaterFractionStrong, rec.WaterFractionPos, "field %s %+v", rec.FieldID, mc)
				}
			}
		}
	}
}

func TestComputeFieldMetrics_PreservesConfigOrder(t *testing.T) {
	cfg := FieldConfig{
		LocationID: "loc",
		BBox:       BoundingBox{MinLon: 0, MinLat: 0, MaxLon: 4, MaxLat: 4},
		Fields: []Field{
			{ID: "z", Polygon: box(0, 0, 1, 1), MonitoringStart: testStart},
			{ID: "late", Polygon: box(0, 0, 4, 4), MonitoringStart: testDay.AddDate(0, 0, 1)},
			{ID: "a", Polygon: box(2, 2, 4, 4), MonitoringStart: testStart},
			{ID: "m", Polygon: box(1, 1, 3, 3), MonitoringStart: testStart},
		},
	}

	records := ComputeFieldMetrics(FilledRaster(4, 4, 0.1), cfg, testDay, DefaultMetricsConfig())

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.FieldID
	}
	assert.Equal(t, []string{"z", "a", "m"}, ids)
}

func TestComputeFieldMetrics_Deterministic(t *testing.T) {
	cfg := singleFieldConfig(Field{ID: testFieldID, Name: "F", Polygon: box(0.3, 0.3, 1.7, 1.6), MonitoringStart: testStart})
	r := NewRaster(2, 2)
	copy(r.Values, []float64{0.4, -0.3, 0.9, 0.05})

	first := ComputeFieldMetrics(r, cfg, testDay, DefaultMetricsConfig())
	second := ComputeFieldMetrics(r, cfg, testDay, DefaultMetricsConfig())

	assert.Equal(t, first, second)
}

func TestMetricsConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultMetricsConfig().Validate())

	err := MetricsConfig{WaterThresholdPos: 0, WaterThresholdStrong: math.NaN()}.Validate()
	require.ErrorIs(t, err, ErrConfig)
}
