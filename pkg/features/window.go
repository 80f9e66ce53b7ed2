// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package features

import (
	"math"
	"time"
)

// sample is one headway or dwell observation inside a rolling window.
type sample struct {
	at    time.Time
	value float64
}

// rollingStats maintains mean and standard deviation over a time-bounded,
// count-bounded sample window. Add and evict are O(1) amortized; the running
// sums are rebuilt from scratch periodically to keep float drift bounded.
type rollingStats struct {
	window   time.Duration
	maxCount int
	samples  []sample
	head     int

	sum   float64
	sumSq float64
	adds  int
}

// rebuildEvery bounds accumulated floating point error in the running sums.
const rebuildEvery = 4096

func newRollingStats(window time.Duration, maxCount int) *rollingStats {
	return &rollingStats{window: window, maxCount: maxCount}
}

func (r *rollingStats) add(at time.Time, value float64) {
	r.evict(at)
	r.samples = append(r.samples, sample{at: at, value: value})
	r.sum += value
	r.sumSq += value * value
	r.adds++
	if r.adds%rebuildEvery == 0 {
		r.rebuild()
	}
}

// evict drops samples older than the window or beyond the count bound.
func (r *rollingStats) evict(now time.Time) {
	cutoff := now.Add(-r.window)
	for r.head < len(r.samples) &&
		(r.samples[r.head].at.Before(cutoff) || r.count() > r.maxCount) {
		v := r.samples[r.head].value
		r.sum -= v
		r.sumSq -= v * v
		r.head++
	}
	// Compact once the dead prefix dominates.
	if r.head > 0 && r.head*2 >= len(r.samples) {
		r.samples = append(r.samples[:0], r.samples[r.head:]...)
		r.head = 0
	}
}

func (r *rollingStats) rebuild() {
	r.sum, r.sumSq = 0, 0
	for _, s := range r.samples[r.head:] {
		r.sum += s.value
		r.sumSq += s.value * s.value
	}
}

func (r *rollingStats) count() int { return len(r.samples) - r.head }

func (r *rollingStats) mean() float64 {
	n := r.count()
	if n == 0 {
		return 0
	}
	return r.sum / float64(n)
}

// stdev returns the population standard deviation, zero for fewer than two
// samples.
func (r *rollingStats) stdev() float64 {
	n := r.count()
	if n < 2 {
		return 0
	}
	m := r.mean()
	variance := r.sumSq/float64(n) - m*m
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// zscore returns (value-mean)/stdev, zero when the window cannot support it.
func (r *rollingStats) zscore(value float64) float64 {
	sd := r.stdev()
	if sd == 0 {
		return 0
	}
	return (value - r.mean()) / sd
}
