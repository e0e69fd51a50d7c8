// Command validate checks a stored partition offline: the field config, the
// metrics table, and that the delta and summary tables match what the domain
// package recomputes from the stored inputs.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -fields etc/fields_st_cassien.geojson \
//	  -data-dir data \
//	  -date 2024-04-10
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/couchcryptid/water-monitor-etl/internal/adapter/csvtable"
	"github.com/couchcryptid/water-monitor-etl/internal/adapter/imagecodec"
	"github.com/couchcryptid/water-monitor-etl/internal/adapter/objectstore"
	"github.com/couchcryptid/water-monitor-etl/internal/domain"
)

// Tolerance for floats that went through a CSV round trip.
const epsilon = 1e-9

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// partition holds the stored tables for one date. Nil slices mean the table
// was not found.
type partition struct {
	raw      []byte
	metrics  []domain.FieldMetricRecord
	previous []domain.FieldMetricRecord
	deltas   []domain.DeltaRecord
	summary  []domain.SummaryRecord
}

func main() {
	fieldsPath := flag.String("fields", "etc/fields_st_cassien.geojson", "field config GeoJSON")
	dataDir := flag.String("data-dir", "", "file object store root; omit to check only the field config")
	date := flag.String("date", "", "partition date to check (YYYY-MM-DD)")
	posThreshold := flag.Float64("pos-threshold", domain.DefaultMetricsConfig().WaterThresholdPos, "water threshold")
	strongThreshold := flag.Float64("strong-threshold", domain.DefaultMetricsConfig().WaterThresholdStrong, "strong water threshold")
	allTouched := flag.Bool("all-touched", true, "include every pixel a field touches")
	flag.Parse()

	if *dataDir != "" && *date == "" {
		flag.Usage()
		os.Exit(1)
	}

	mc := domain.MetricsConfig{WaterThresholdPos: *posThreshold, WaterThresholdStrong: *strongThreshold, AllTouched: *allTouched}
	os.Exit(run(*fieldsPath, *dataDir, *date, mc))
}

func run(fieldsPath, dataDir, dateStr string, mc domain.MetricsConfig) int {
	fmt.Println("=== Water Monitor Partition Validation ===")
	fmt.Println()

	day := domain.Day(time.Now().UTC())
	if dateStr != "" {
		d, err := domain.ParseDate(dateStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			return 1
		}
		day = d
	}

	cfg, err := domain.LoadFieldConfig(fieldsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load field config: %v\n", err)
		return 1
	}
	phases := []*phase{validateFieldConfig(cfg, mc)}

	var part partition
	if dataDir != "" {
		part, err = loadPartition(context.Background(), objectstore.NewFS(dataDir), cfg.LocationID, day)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load partition: %v\n", err)
			return 1
		}
		phases = append(phases,
			validateMetrics(part, cfg, day),
			validateRaw(part, cfg, day, mc),
			validateDeltas(part),
			validateSummary(part, cfg, day),
		)
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Location %s on %s: %d fields, %d active", cfg.LocationID, domain.FormatDate(day),
		len(cfg.Fields), len(cfg.ActiveFields(day)))
	if dataDir != "" {
		fmt.Printf(", %d metric rows, %d delta rows", len(part.metrics), len(part.deltas))
	}
	fmt.Println()

	// Print detailed errors.
	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Data loading ──

func loadPartition(ctx context.Context, objects objectstore.Store, locationID string, day time.Time) (partition, error) {
	keys := objectstore.Keys{LocationID: locationID}
	var part partition
	var err error

	if part.raw, err = optional(objects.Get(ctx, keys.RawNDWI(day))); err != nil {
		return part, err
	}

	data, err := optional(objects.Get(ctx, keys.Metrics(day)))
	if err != nil {
		return part, err
	}
	if data == nil {
		return part, fmt.Errorf("no metrics table at %s", keys.Metrics(day))
	}
	if part.metrics, err = csvtable.DecodeMetrics(data); err != nil {
		return part, fmt.Errorf("metrics: %w", err)
	}

	if data, err = optional(objects.Get(ctx, keys.Metrics(day.AddDate(0, 0, -1)))); err != nil {
		return part, err
	}
	if data != nil {
		if part.previous, err = csvtable.DecodeMetrics(data); err != nil {
			return part, fmt.Errorf("previous metrics: %w", err)
		}
	}

	if data, err = optional(objects.Get(ctx, keys.Delta(day))); err != nil {
		return part, err
	}
	if data != nil {
		if part.deltas, err = csvtable.DecodeDeltas(data); err != nil {
			return part, fmt.Errorf("deltas: %w", err)
		}
	}

	if data, err = optional(objects.Get(ctx, keys.Summary(day))); err != nil {
		return part, err
	}
	if data != nil {
		if part.summary, err = csvtable.DecodeSummaries(data); err != nil {
			return part, fmt.Errorf("summary: %w", err)
		}
	}
	return part, nil
}

// optional maps a missing object to nil data.
func optional(data []byte, err error) ([]byte, error) {
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// ── Phase 1: field config ──

func validateFieldConfig(cfg domain.FieldConfig, mc domain.MetricsConfig) *phase {
	p := &phase{name: "Field config"}
	if err := mc.Validate(); err != nil {
		p.errorf("%v", err)
	}
	if len(cfg.Fields) == 0 {
		p.errorf("no fields configured")
	}
	for _, id := range cfg.FieldsOutsideBBox() {
		p.errorf("field %s extends beyond the location bbox", id)
	}
	return p
}

// ── Phase 2: metrics table ──

func validateMetrics(part partition, cfg domain.FieldConfig, day time.Time) *phase {
	p := &phase{name: "Metrics table"}

	known := make(map[string]domain.Field, len(cfg.Fields))
	for _, f := range cfg.Fields {
		known[f.ID] = f
	}
	seen := make(map[string]bool, len(part.metrics))

	for i, m := range part.metrics {
		row := fmt.Sprintf("row %d (%s)", i+1, m.FieldID)
		if !m.Date.Equal(day) {
			p.errorf("%s: date %s, want %s", row, domain.FormatDate(m.Date), domain.FormatDate(day))
		}
		if seen[m.FieldID] {
			p.errorf("%s: duplicate field id", row)
		}
		seen[m.FieldID] = true

		f, ok := known[m.FieldID]
		switch {
		case !ok:
			p.errorf("%s: field not in config", row)
		case !f.ActiveOn(day):
			p.errorf("%s: field not monitored until %s", row, domain.FormatDate(f.MonitoringStart))
		case f.Name != m.FieldName:
			p.errorf("%s: name %q, config has %q", row, m.FieldName, f.Name)
		}

		if m.MeanNDWI < -1-epsilon || m.MeanNDWI > 1+epsilon {
			p.errorf("%s: mean_ndwi %g outside [-1, 1]", row, m.MeanNDWI)
		}
		for name, v := range map[string]float64{"water_fraction_pos": m.WaterFractionPos, "water_fraction_strong": m.WaterFractionStrong} {
			if v < 0 || v > 1 {
				p.errorf("%s: %s %g outside [0, 1]", row, name, v)
			}
		}
		if m.WaterFractionStrong > m.WaterFractionPos+epsilon {
			p.errorf("%s: strong fraction %g exceeds positive fraction %g", row, m.WaterFractionStrong, m.WaterFractionPos)
		}
	}
	return p
}

// ── Phase 3: raw image ──

func validateRaw(part partition, cfg domain.FieldConfig, day time.Time, mc domain.MetricsConfig) *phase {
	p := &phase{name: "Metrics match raw image"}
	if part.raw == nil {
		fmt.Println("  raw image not stored, skipping recompute")
		return p
	}

	raster, err := imagecodec.Decode(part.raw)
	if err != nil {
		p.errorf("decode raw image: %v", err)
		return p
	}
	want := domain.ComputeFieldMetrics(raster, cfg, day, mc)
	if len(want) != len(part.metrics) {
		p.errorf("stored %d rows, recomputed %d", len(part.metrics), len(want))
		return p
	}
	for i := range want {
		got := part.metrics[i]
		if got.FieldID != want[i].FieldID {
			p.errorf("row %d: field %s, recomputed %s", i+1, got.FieldID, want[i].FieldID)
			continue
		}
		if !floatEq(got.MeanNDWI, want[i].MeanNDWI) ||
			!floatEq(got.WaterFractionPos, want[i].WaterFractionPos) ||
			!floatEq(got.WaterFractionStrong, want[i].WaterFractionStrong) {
			p.errorf("row %d (%s): stored %+v, recomputed %+v", i+1, got.FieldID, got, want[i])
		}
	}
	return p
}

// ── Phase 4: delta table ──

func validateDeltas(part partition) *phase {
	p := &phase{name: "Delta table matches metrics"}
	if part.deltas == nil {
		p.errorf("delta table missing")
		return p
	}

	want, _, err := domain.ComputeDeltas(part.metrics, part.previous)
	if err != nil {
		p.errorf("recompute deltas: %v", err)
		return p
	}
	if len(want) != len(part.deltas) {
		p.errorf("stored %d rows, recomputed %d", len(part.deltas), len(want))
		return p
	}
	for i, d := range part.deltas {
		w := want[i]
		if d.FieldID != w.FieldID {
			p.errorf("row %d: field %s, recomputed %s", i+1, d.FieldID, w.FieldID)
			continue
		}
		if !floatEq(d.DeltaMeanNDWI, w.DeltaMeanNDWI) ||
			!floatEq(d.DeltaWaterFractionPos, w.DeltaWaterFractionPos) ||
			!floatEq(d.DeltaWaterFractionStrong, w.DeltaWaterFractionStrong) {
			p.errorf("row %d (%s): stored %+v, recomputed %+v", i+1, d.FieldID, d, w)
		}
	}
	return p
}

// ── Phase 5: summary ──

func validateSummary(part partition, cfg domain.FieldConfig, day time.Time) *phase {
	p := &phase{name: "Summary matches tables"}
	if len(part.summary) != 1 {
		p.errorf("summary has %d rows, want 1", len(part.summary))
		return p
	}

	got := part.summary[0]
	want := domain.Summarize(part.metrics, part.deltas, day, cfg)
	if !got.Date.Equal(want.Date) {
		p.errorf("date %s, want %s", domain.FormatDate(got.Date), domain.FormatDate(want.Date))
	}
	if got.LocationID != want.LocationID || got.LocationName != want.LocationName {
		p.errorf("location %s (%s), want %s (%s)", got.LocationID, got.LocationName, want.LocationID, want.LocationName)
	}
	if got.TotalFields != want.TotalFields {
		p.errorf("total_fields %d, want %d", got.TotalFields, want.TotalFields)
	}
	if !ptrFloatEq(got.AvgMeanNDWI, want.AvgMeanNDWI) {
		p.errorf("avg_mean_ndwi %s, want %s", ptrFloat(got.AvgMeanNDWI), ptrFloat(want.AvgMeanNDWI))
	}
	if !ptrFloatEq(got.AvgDeltaMeanNDWI, want.AvgDeltaMeanNDWI) {
		p.errorf("avg_delta_mean_ndwi %s, want %s", ptrFloat(got.AvgDeltaMeanNDWI), ptrFloat(want.AvgDeltaMeanNDWI))
	}
	return p
}

// ── Helpers ──

func floatEq(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

func ptrFloatEq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return floatEq(*a, *b)
}

func ptrFloat(v *float64) string {
	if v == nil {
		return "<empty>"
	}
	return fmt.Sprintf("%g", *v)
}
