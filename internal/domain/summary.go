package domain

import "time"

// SummaryRecord is the location-level reduction of one day.
// Nil averages mean there was nothing to average.
type SummaryRecord struct {
	Date             time.Time `json:"date"`
	LocationID       string    `json:"location_id"`
	LocationName     string    `json:"location_name"`
	TotalFields      int       `json:"total_fields"`
	AvgMeanNDWI      *float64  `json:"avg_mean_ndwi"`
	AvgDeltaMeanNDWI *float64  `json:"avg_delta_mean_ndwi"`
}

// Summarize reduces today's metrics and deltas to one summary row. Location
// identity comes from cfg.
func Summarize(today []FieldMetricRecord, deltas []DeltaRecord, date time.Time, cfg FieldConfig) SummaryRecord {
	s := SummaryRecord{
		Date:         Day(date),
		LocationID:   cfg.LocationID,
		LocationName: cfg.LocationName,
		TotalFields:  len(today),
	}

	if len(today) > 0 {
		vals := make([]float64, len(today))
		for i, r := range today {
			vals[i] = r.MeanNDWI
		}
		avg := mean(vals)
		s.AvgMeanNDWI = &avg
	}

	if len(deltas) > 0 {
		vals := make([]float64, len(deltas))
		for i, d := range deltas {
			vals[i] = d.DeltaMeanNDWI
		}
		avg := mean(vals)
		s.AvgDeltaMeanNDWI = &avg
	}

	return s
}
