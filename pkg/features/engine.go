// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package features turns canonical trip observations into feature vectors:
// headways and dwells against per-station rolling baselines, delay and
// schedule adherence, and the temporal context the detectors consume.
package features

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/config"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/telemetry"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/util/log"
)

const (
	shardCount = 32

	// maxWindowSamples bounds per-series memory at busy stations.
	maxWindowSamples = 512

	// adherenceScale normalizes delay seconds into [-1, 1]; ten minutes of
	// delay saturates the score.
	adherenceScale = 600.0
)

// seriesKey identifies one headway series: a station platform direction.
type seriesKey struct {
	stopID    string
	direction int
}

// series is the per-(station, direction) state: the previous arrival that
// anchors the next headway, plus the rolling baselines.
type series struct {
	lastArrival time.Time
	headways    *rollingStats
	dwells      *rollingStats
}

type shard struct {
	mu     sync.Mutex
	series map[seriesKey]*series
}

// Engine computes FeatureFrames from trip observations. Safe for concurrent
// use; state is sharded by station so parallel feed ticks rarely contend.
type Engine struct {
	headwayWindow time.Duration
	rollingWindow time.Duration
	shards        [shardCount]*shard
	tz            *time.Location
}

// NewEngine builds an empty engine. Clock context (hour of day, rush hour)
// is evaluated in the transit agency's local timezone.
func NewEngine(cfg *config.Config) *Engine {
	tz, err := time.LoadLocation("America/New_York")
	if err != nil {
		log.Warnf("features: local timezone unavailable, using UTC: %v", err) //nolint:errcheck
		tz = time.UTC
	}
	e := &Engine{
		headwayWindow: cfg.HeadwayWindow,
		rollingWindow: cfg.RollingWindow,
		tz:            tz,
	}
	for i := range e.shards {
		e.shards[i] = &shard{series: make(map[seriesKey]*series)}
	}
	return e
}

func (e *Engine) shardFor(stopID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(stopID)) //nolint:errcheck
	return e.shards[h.Sum32()%shardCount]
}

// Process computes the feature frame for one observation. Returns false when
// the observation carries no arrival or arrives out of order for its series;
// such records update nothing.
func (e *Engine) Process(tu *transit.TripUpdate) (*transit.FeatureFrame, bool) {
	if tu.ArrivalTime == nil {
		return nil, false
	}
	arrival := *tu.ArrivalTime
	key := seriesKey{stopID: tu.NextStopID, direction: tu.Direction}

	sh := e.shardFor(key.stopID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sr, ok := sh.series[key]
	if !ok {
		sr = &series{
			headways: newRollingStats(e.rollingWindow, maxWindowSamples),
			dwells:   newRollingStats(e.rollingWindow, maxWindowSamples),
		}
		sh.series[key] = sr
	}

	// A series only moves forward. Replayed or reordered records would
	// produce negative headways, so they are dropped here.
	if !sr.lastArrival.IsZero() && !arrival.After(sr.lastArrival) {
		return nil, false
	}

	frame := &transit.FeatureFrame{
		TripID:     tu.TripID,
		RouteID:    tu.RouteID,
		Line:       tu.Line,
		StopID:     tu.NextStopID,
		Direction:  tu.Direction,
		ObservedAt: tu.ObservedAt,
	}

	// Headway: the gap to the previous train on this platform. Gaps wider
	// than the headway window mean the series went cold (overnight lull,
	// service change) and the new arrival starts a fresh baseline.
	if !sr.lastArrival.IsZero() {
		gap := arrival.Sub(sr.lastArrival)
		if gap <= e.headwayWindow {
			h := gap.Seconds()
			frame.HeadwayS = &h
			sr.headways.add(arrival, h)
			frame.HeadwayZ = sr.headways.zscore(h)
		}
	}
	sr.lastArrival = arrival

	// Dwell: time at the platform, when the feed reports both edges.
	if tu.DepartureTime != nil && tu.DepartureTime.After(arrival) {
		d := tu.DepartureTime.Sub(arrival).Seconds()
		if d <= e.headwayWindow.Seconds() {
			frame.DwellS = &d
			sr.dwells.add(arrival, d)
			frame.DwellZ = sr.dwells.zscore(d)
		}
	}

	frame.RollingHeadwayMean = sr.headways.mean()
	frame.RollingHeadwayStdev = sr.headways.stdev()

	// Delay is nullable: a feed that reports neither a delay nor a schedule
	// match yields no adherence signal rather than a spurious "on time".
	if tu.DelaySeconds != nil {
		d := float64(*tu.DelaySeconds)
		frame.DelayS = &d
		adh := transit.Clamp(d/adherenceScale, -1, 1)
		frame.ScheduleAdherence = &adh
	}

	local := arrival.In(e.tz)
	frame.Hour = local.Hour()
	frame.RushHour = transit.IsRushHour(local.Hour(), local.Weekday())

	telemetry.FramesProduced.Inc()
	return frame, true
}

// ProcessBatch runs Process over a decoded tick, oldest arrival first so
// the monotonicity check sees records in series order.
func (e *Engine) ProcessBatch(updates []transit.TripUpdate) []transit.FeatureFrame {
	frames, _ := e.ProcessTick(updates)
	return frames
}

// ProcessTick processes one decoded tick and returns the frames plus the
// matching position records for persistence, index-aligned.
func (e *Engine) ProcessTick(updates []transit.TripUpdate) ([]transit.FeatureFrame, []transit.VehiclePosition) {
	sortByArrival(updates)
	frames := make([]transit.FeatureFrame, 0, len(updates))
	positions := make([]transit.VehiclePosition, 0, len(updates))
	for i := range updates {
		if f, ok := e.Process(&updates[i]); ok {
			frames = append(frames, *f)
			positions = append(positions, PositionFromFrame(&updates[i], f))
		}
	}
	return frames, positions
}

// Seed warms the rolling windows from persisted positions after a restart.
// Positions must be ordered oldest first.
func (e *Engine) Seed(positions []transit.VehiclePosition) {
	seeded := 0
	for i := range positions {
		p := &positions[i]
		if p.StopID == "" {
			continue
		}
		key := seriesKey{stopID: p.StopID, direction: p.Direction}
		sh := e.shardFor(key.stopID)
		sh.mu.Lock()
		sr, ok := sh.series[key]
		if !ok {
			sr = &series{
				headways: newRollingStats(e.rollingWindow, maxWindowSamples),
				dwells:   newRollingStats(e.rollingWindow, maxWindowSamples),
			}
			sh.series[key] = sr
		}
		if p.ObservedAt.After(sr.lastArrival) {
			sr.lastArrival = p.ObservedAt
		}
		if p.HeadwaySeconds != nil {
			sr.headways.add(p.ObservedAt, *p.HeadwaySeconds)
		}
		if p.DwellSeconds != nil {
			sr.dwells.add(p.ObservedAt, *p.DwellSeconds)
		}
		sh.mu.Unlock()
		seeded++
	}
	log.Infof("features: seeded rolling windows from %d persisted positions", seeded)
}

// ReplayFrames reconstructs feature frames from persisted positions, using
// fresh rolling windows so z-scores match what the live path would have
// produced. Positions must be ordered oldest first. Used to assemble
// training sets.
func (e *Engine) ReplayFrames(positions []transit.VehiclePosition) []transit.FeatureFrame {
	frames := make([]transit.FeatureFrame, 0, len(positions))
	for i := range positions {
		p := &positions[i]
		if p.StopID == "" {
			continue
		}
		key := seriesKey{stopID: p.StopID, direction: p.Direction}
		sh := e.shardFor(key.stopID)
		sh.mu.Lock()
		sr, ok := sh.series[key]
		if !ok {
			sr = &series{
				headways: newRollingStats(e.rollingWindow, maxWindowSamples),
				dwells:   newRollingStats(e.rollingWindow, maxWindowSamples),
			}
			sh.series[key] = sr
		}

		frame := transit.FeatureFrame{
			TripID:     p.TripID,
			RouteID:    p.RouteID,
			Line:       p.Line,
			StopID:     p.StopID,
			Direction:  p.Direction,
			ObservedAt: p.ObservedAt,
		}
		if p.HeadwaySeconds != nil {
			sr.headways.add(p.ObservedAt, *p.HeadwaySeconds)
			frame.HeadwayS = p.HeadwaySeconds
			frame.HeadwayZ = sr.headways.zscore(*p.HeadwaySeconds)
		}
		if p.DwellSeconds != nil {
			sr.dwells.add(p.ObservedAt, *p.DwellSeconds)
			frame.DwellS = p.DwellSeconds
			frame.DwellZ = sr.dwells.zscore(*p.DwellSeconds)
		}
		frame.RollingHeadwayMean = sr.headways.mean()
		frame.RollingHeadwayStdev = sr.headways.stdev()
		if p.ObservedAt.After(sr.lastArrival) {
			sr.lastArrival = p.ObservedAt
		}
		sh.mu.Unlock()

		if p.DelaySeconds != nil {
			d := float64(*p.DelaySeconds)
			frame.DelayS = &d
			adh := transit.Clamp(d/adherenceScale, -1, 1)
			frame.ScheduleAdherence = &adh
		}

		local := p.ObservedAt.In(e.tz)
		frame.Hour = local.Hour()
		frame.RushHour = transit.IsRushHour(local.Hour(), local.Weekday())
		frames = append(frames, frame)
	}
	return frames
}

// PositionFromFrame merges an observation and its features into the record
// persisted to the position table.
func PositionFromFrame(tu *transit.TripUpdate, frame *transit.FeatureFrame) transit.VehiclePosition {
	pos := transit.VehiclePosition{
		TripID:        tu.TripID,
		RouteID:       tu.RouteID,
		Line:          tu.Line,
		Direction:     tu.Direction,
		ObservedAt:    tu.ObservedAt,
		StopID:        frame.StopID,
		NextStopID:    tu.NextStopID,
		CurrentStatus: tu.CurrentStatus,
		Lat:           tu.Lat,
		Lon:           tu.Lon,
		DelaySeconds:  tu.DelaySeconds,
	}
	pos.HeadwaySeconds = frame.HeadwayS
	pos.DwellSeconds = frame.DwellS
	pos.ScheduleAdherence = frame.ScheduleAdherence
	return pos
}

func sortByArrival(updates []transit.TripUpdate) {
	sort.SliceStable(updates, func(i, j int) bool {
		a, b := updates[i].ArrivalTime, updates[j].ArrivalTime
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
}
