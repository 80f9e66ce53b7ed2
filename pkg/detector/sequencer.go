// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package detector

import (
	"sync"
	"time"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
)

// step is one aggregated time slice of a line's activity: mean headway,
// dwell and delay over the slice.
type step struct {
	sums   [seqChannels]float64
	counts [seqChannels]int
}

func (s *step) observe(f *transit.FeatureFrame) {
	if f.HeadwayS != nil {
		s.sums[0] += *f.HeadwayS
		s.counts[0]++
	}
	if f.DwellS != nil {
		s.sums[1] += *f.DwellS
		s.counts[1]++
	}
	if f.DelayS != nil {
		s.sums[2] += *f.DelayS
		s.counts[2]++
	}
}

func (s *step) values() [seqChannels]float64 {
	var out [seqChannels]float64
	for c := 0; c < seqChannels; c++ {
		if s.counts[c] > 0 {
			out[c] = s.sums[c] / float64(s.counts[c])
		}
	}
	return out
}

// lineBuffer accumulates the current step and the trailing closed steps for
// one line.
type lineBuffer struct {
	current *step
	closed  [][seqChannels]float64
}

// Sequencer folds live feature frames into fixed-length per-line sequences
// for the sequence model. Closing a step is driven by the detection tick.
type Sequencer struct {
	mu    sync.Mutex
	lines map[string]*lineBuffer
}

func NewSequencer() *Sequencer {
	return &Sequencer{lines: make(map[string]*lineBuffer)}
}

// Observe folds one frame into its line's open step.
func (s *Sequencer) Observe(f *transit.FeatureFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lb, ok := s.lines[f.Line]
	if !ok {
		lb = &lineBuffer{current: &step{}}
		s.lines[f.Line] = lb
	}
	lb.observe(f)
}

func (lb *lineBuffer) observe(f *transit.FeatureFrame) {
	if lb.current == nil {
		lb.current = &step{}
	}
	lb.current.observe(f)
}

// CloseStep seals every line's open step and returns the lines that now
// hold a full sequence, with that sequence. Lines still warming up are
// omitted.
func (s *Sequencer) CloseStep() map[string][seqInputDim]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready := make(map[string][seqInputDim]float64)
	for line, lb := range s.lines {
		if lb.current == nil {
			lb.current = &step{}
		}
		lb.closed = append(lb.closed, lb.current.values())
		lb.current = &step{}
		if len(lb.closed) > seqLen {
			lb.closed = lb.closed[len(lb.closed)-seqLen:]
		}
		if len(lb.closed) == seqLen {
			ready[line] = flatten(lb.closed)
		}
	}
	return ready
}

func flatten(steps [][seqChannels]float64) [seqInputDim]float64 {
	var out [seqInputDim]float64
	for i, st := range steps {
		for c := 0; c < seqChannels; c++ {
			out[i*seqChannels+c] = st[c]
		}
	}
	return out
}

// SequencesFromFrames builds training sequences offline: frames are bucketed
// per line into tick-width steps, then every sliding window of seqLen
// consecutive steps becomes one sequence. Frames must be ordered oldest
// first.
func SequencesFromFrames(frames []transit.FeatureFrame, tick time.Duration) [][seqInputDim]float64 {
	type bucketed struct {
		steps  [][seqChannels]float64
		open   *step
		openAt time.Time
	}
	lines := make(map[string]*bucketed)

	for i := range frames {
		f := &frames[i]
		b, ok := lines[f.Line]
		if !ok {
			b = &bucketed{open: &step{}, openAt: f.ObservedAt.Truncate(tick)}
			lines[f.Line] = b
		}
		slot := f.ObservedAt.Truncate(tick)
		for slot.After(b.openAt) {
			b.steps = append(b.steps, b.open.values())
			b.open = &step{}
			b.openAt = b.openAt.Add(tick)
		}
		b.open.observe(f)
	}

	var out [][seqInputDim]float64
	for _, b := range lines {
		steps := append(b.steps, b.open.values())
		for i := 0; i+seqLen <= len(steps); i++ {
			out = append(out, flatten(steps[i:i+seqLen]))
		}
	}
	return out
}
