package util

import (
	"math"
	"sort"
	"time"
)

// ----------------------------------------------------------------------------
// Latency statistics
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	P50          float64 `json:"p50"`
	P99          float64 `json:"p99"`
}

// NewStats computes the standard deviation, minimum, maximum, mean and
// percentiles from an array of float64 values.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	// calculate sum of squared differences from mean
	var sumSquaredDiffs float64
	for _, v := range sorted {
		diff := v - mean
		sumSquaredDiffs += diff * diff
	}

	return Stats{
		StdDeviation: math.Sqrt(sumSquaredDiffs / float64(len(sorted))),
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         mean,
		P50:          percentile(sorted, 50),
		P99:          percentile(sorted, 99),
	}
}

// NewDurationStats computes Stats over durations in microseconds
func NewDurationStats(durations []time.Duration) Stats {
	values := make([]float64, len(durations))
	for i, d := range durations {
		values[i] = float64(d.Nanoseconds()) / 1e3
	}
	return NewStats(values)
}

// percentile returns the nearest-rank percentile p (0-100) of sorted values
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
