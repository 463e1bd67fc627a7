package stream

import "sort"

// Stats accumulates a sparse microsecond-bucketed histogram of apply
// latencies, mirroring the Counter the reference consumer keeps per
// elapsed-microsecond bucket.
type Stats struct {
	buckets map[uint64]uint64
	total   uint64
}

// NewStats returns an empty Stats.
func NewStats() *Stats {
	return &Stats{buckets: make(map[uint64]uint64)}
}

// Observe records one apply that took elapsedMicros microseconds.
func (s *Stats) Observe(elapsedMicros uint64) {
	s.buckets[elapsedMicros]++
	s.total++
}

// Total returns the number of observations recorded.
func (s *Stats) Total() uint64 {
	return s.total
}

// Percentiles computes the smallest bucket value whose cumulative count
// reaches each requested percentile level (e.g. 50, 90, 99), walking the
// histogram in ascending order. A level with no data point yet (total
// is zero) is omitted from the result.
func (s *Stats) Percentiles(levels ...int) map[int]uint64 {
	result := make(map[int]uint64, len(levels))
	if s.total == 0 {
		return result
	}

	keys := make([]uint64, 0, len(s.buckets))
	for us := range s.buckets {
		keys = append(keys, us)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	targets := make(map[int]float64, len(levels))
	for _, p := range levels {
		targets[p] = float64(s.total) * float64(p) / 100.0
	}

	var cumulative uint64
	remaining := len(levels)
	for _, us := range keys {
		cumulative += s.buckets[us]
		for p, target := range targets {
			if _, done := result[p]; done {
				continue
			}
			if float64(cumulative) >= target {
				result[p] = us
				remaining--
			}
		}
		if remaining == 0 {
			break
		}
	}
	return result
}
