package domain

import "fmt"

// DeltaRecord is the day-over-day change of one field's metrics.
type DeltaRecord struct {
	FieldID                  string  `json:"field_id"`
	FieldName                string  `json:"field_name"`
	DeltaMeanNDWI            float64 `json:"delta_mean_ndwi"`
	DeltaWaterFractionPos    float64 `json:"delta_water_fraction_pos"`
	DeltaWaterFractionStrong float64 `json:"delta_water_fraction_strong"`
}

// DeltaDiagnostics names the fields dropped by the inner join.
type DeltaDiagnostics struct {
	OnlyToday     []string
	OnlyYesterday []string
}

// Empty reports whether both tables covered the same fields.
func (d DeltaDiagnostics) Empty() bool {
	return len(d.OnlyToday) == 0 && len(d.OnlyYesterday) == 0
}

// ComputeDeltas joins today's and yesterday's tables on field id and returns
// today minus yesterday for each metric.
//
// Only fields present on both days get a delta; the rest are reported in the
// diagnostics. Today's field name wins. Duplicate field ids on either side
// violate the one-row-per-field-per-day contract and return ErrSchema. Empty
// or disjoint inputs yield an empty table, never an error.
func ComputeDeltas(today, yesterday []FieldMetricRecord) ([]DeltaRecord, DeltaDiagnostics, error) {
	var diag DeltaDiagnostics

	todayIdx, err := indexByField(today, "today")
	if err != nil {
		return nil, diag, err
	}
	yestIdx, err := indexByField(yesterday, "yesterday")
	if err != nil {
		return nil, diag, err
	}

	out := make([]DeltaRecord, 0, min(len(today), len(yesterday)))
	for _, t := range today {
		y, ok := yestIdx[t.FieldID]
		if !ok {
			diag.OnlyToday = append(diag.OnlyToday, t.FieldID)
			continue
		}
		out = append(out, DeltaRecord{
			FieldID:                  t.FieldID,
			FieldName:                t.FieldName,
			DeltaMeanNDWI:            t.MeanNDWI - y.MeanNDWI,
			DeltaWaterFractionPos:    t.WaterFractionPos - y.WaterFractionPos,
			DeltaWaterFractionStrong: t.WaterFractionStrong - y.WaterFractionStrong,
		})
	}
	for _, y := range yesterday {
		if _, ok := todayIdx[y.FieldID]; !ok {
			diag.OnlyYesterday = append(diag.OnlyYesterday, y.FieldID)
		}
	}

	return out, diag, nil
}

func indexByField(records []FieldMetricRecord, side string) (map[string]FieldMetricRecord, error) {
	idx := make(map[string]FieldMetricRecord, len(records))
	for _, r := range records {
		if _, dup := idx[r.FieldID]; dup {
			return nil, fmt.Errorf("%w: duplicate field_id %q in %s table", ErrSchema, r.FieldID, side)
		}
		idx[r.FieldID] = r
	}
	return idx, nil
}
