// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package store

import (
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/benbjohnson/clock"
)

// LatencyTracker keeps a rolling write-latency distribution so the scheduler
// can read the recent p95 without scraping prometheus. Two DDSketch buckets
// alternate on a half-window cadence; P95 merges both, so every observation
// from the last full window is covered.
type LatencyTracker struct {
	mu      sync.Mutex
	window  time.Duration
	clk     clock.Clock
	rotated time.Time
	current *ddsketch.DDSketch
	prev    *ddsketch.DDSketch
}

// NewLatencyTracker builds a tracker covering at least the given window.
func NewLatencyTracker(window time.Duration) *LatencyTracker {
	return newLatencyTracker(window, clock.New())
}

func newLatencyTracker(window time.Duration, clk clock.Clock) *LatencyTracker {
	return &LatencyTracker{
		window:  window,
		clk:     clk,
		rotated: clk.Now(),
		current: mustSketch(),
		prev:    mustSketch(),
	}
}

func mustSketch() *ddsketch.DDSketch {
	s, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		panic(err)
	}
	return s
}

// Observe records one write latency.
func (t *LatencyTracker) Observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRotate()
	t.current.Add(d.Seconds()) //nolint:errcheck
}

// P95 returns the 95th-percentile latency over the covered window, or zero
// when nothing has been observed.
func (t *LatencyTracker) P95() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRotate()

	merged := mustSketch()
	merged.MergeWith(t.current) //nolint:errcheck
	merged.MergeWith(t.prev)    //nolint:errcheck
	if merged.GetCount() == 0 {
		return 0
	}
	q, err := merged.GetValueAtQuantile(0.95)
	if err != nil {
		return 0
	}
	return time.Duration(q * float64(time.Second))
}

func (t *LatencyTracker) maybeRotate() {
	if t.clk.Since(t.rotated) < t.window/2 {
		return
	}
	t.prev = t.current
	t.current = mustSketch()
	t.rotated = t.clk.Now()
}
