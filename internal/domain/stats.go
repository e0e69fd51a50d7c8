package domain

import "math"

// ValueStats summarizes a set of NDWI samples.
type ValueStats struct {
	Count         int     `json:"count"`
	Mean          float64 `json:"mean_ndwi"`
	Min           float64 `json:"ndwi_min"`
	Max           float64 `json:"ndwi_max"`
	WaterFraction float64 `json:"water_fraction"`
}

// ComputeValueStats returns count, mean, extrema and the fraction of samples
// strictly greater than threshold. An empty input yields the zero value.
func ComputeValueStats(values []float64, threshold float64) ValueStats {
	if len(values) == 0 {
		return ValueStats{}
	}
	s := ValueStats{Count: len(values), Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	var wet int
	for _, v := range values {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
		if v > threshold {
			wet++
		}
	}
	s.Mean = sum / float64(len(values))
	s.WaterFraction = float64(wet) / float64(len(values))
	return s
}

// fractionAbove returns the share of values strictly greater than threshold.
func fractionAbove(values []float64, threshold float64) float64 {
	if len(values) == 0 {
		return 0
	}
	n := 0
	for _, v := range values {
		if v > threshold {
			n++
		}
	}
	return float64(n) / float64(len(values))
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
