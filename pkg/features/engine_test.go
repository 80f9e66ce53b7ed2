// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/config"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(&config.Config{
		HeadwayWindow: 30 * time.Minute,
		RollingWindow: time.Hour,
	})
}

func update(trip, stop string, arrival time.Time, dwell time.Duration, delay int) transit.TripUpdate {
	dep := arrival.Add(dwell)
	return transit.TripUpdate{
		TripID:        trip,
		RouteID:       "6",
		Line:          "6",
		Direction:     1,
		ObservedAt:    arrival,
		NextStopID:    stop,
		ArrivalTime:   &arrival,
		DepartureTime: &dep,
		CurrentStatus: transit.StatusInTransit,
		DelaySeconds:  &delay,
	}
}

func TestFirstArrivalHasNoHeadway(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	frame, ok := e.Process(ptr(update("trip-a", "601", base, 30*time.Second, 0)))
	require.True(t, ok)
	assert.Nil(t, frame.HeadwayS, "no predecessor, no headway")
	require.NotNil(t, frame.DwellS)
	assert.Equal(t, 30.0, *frame.DwellS)
}

func ptr(tu transit.TripUpdate) *transit.TripUpdate { return &tu }

func TestHeadwayBetweenConsecutiveTrains(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	_, ok := e.Process(ptr(update("trip-a", "601", base, 30*time.Second, 0)))
	require.True(t, ok)

	frame, ok := e.Process(ptr(update("trip-b", "601", base.Add(4*time.Minute), 30*time.Second, 0)))
	require.True(t, ok)
	require.NotNil(t, frame.HeadwayS)
	assert.Equal(t, 240.0, *frame.HeadwayS)
}

func TestHeadwaySeriesAreDirectional(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	north := update("trip-a", "601", base, 0, 0)
	south := update("trip-b", "601", base.Add(2*time.Minute), 0, 0)
	south.Direction = 0

	_, ok := e.Process(&north)
	require.True(t, ok)
	frame, ok := e.Process(&south)
	require.True(t, ok)
	assert.Nil(t, frame.HeadwayS, "opposite platforms must not share a series")
}

func TestOutOfOrderArrivalDiscarded(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	_, ok := e.Process(ptr(update("trip-a", "601", base.Add(5*time.Minute), 0, 0)))
	require.True(t, ok)

	_, ok = e.Process(ptr(update("trip-b", "601", base, 0, 0)))
	assert.False(t, ok, "an arrival behind the series head must be dropped")
}

func TestColdGapResetsHeadway(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2024, 3, 4, 1, 0, 0, 0, time.UTC)

	_, ok := e.Process(ptr(update("trip-a", "601", base, 0, 0)))
	require.True(t, ok)

	// 45 minutes exceeds the 30 minute headway window.
	frame, ok := e.Process(ptr(update("trip-b", "601", base.Add(45*time.Minute), 0, 0)))
	require.True(t, ok)
	assert.Nil(t, frame.HeadwayS, "gaps wider than the window restart the baseline")
}

func TestHeadwayZScoreFlagsGap(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	// Establish a steady 3 minute cadence with mild jitter.
	at := base
	gaps := []time.Duration{3 * time.Minute, 170 * time.Second, 190 * time.Second,
		3 * time.Minute, 175 * time.Second, 185 * time.Second, 3 * time.Minute}
	for i, g := range gaps {
		at = at.Add(g)
		_, ok := e.Process(ptr(update("trip-"+string(rune('a'+i)), "601", at, 0, 0)))
		require.True(t, ok)
	}

	// A 15 minute gap is an outlier against that baseline.
	frame, ok := e.Process(ptr(update("trip-x", "601", at.Add(15*time.Minute), 0, 0)))
	require.True(t, ok)
	require.NotNil(t, frame.HeadwayS)
	assert.Greater(t, frame.HeadwayZ, 2.0)
}

func TestDelayAndAdherence(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	frame, ok := e.Process(ptr(update("trip-a", "601", base, 0, 300)))
	require.True(t, ok)
	require.NotNil(t, frame.DelayS)
	assert.Equal(t, 300.0, *frame.DelayS)
	require.NotNil(t, frame.ScheduleAdherence)
	assert.Equal(t, 0.5, *frame.ScheduleAdherence)

	// Adherence saturates at ten minutes.
	frame, ok = e.Process(ptr(update("trip-b", "601", base.Add(time.Minute), 0, 1200)))
	require.True(t, ok)
	require.NotNil(t, frame.ScheduleAdherence)
	assert.Equal(t, 1.0, *frame.ScheduleAdherence)
}

func TestMissingDelayStaysNull(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	tu := update("trip-a", "601", base, 0, 0)
	tu.DelaySeconds = nil
	frame, ok := e.Process(&tu)
	require.True(t, ok)
	assert.Nil(t, frame.DelayS, "an unreported delay must not read as zero")
	assert.Nil(t, frame.ScheduleAdherence)
}

func TestRushHourUsesLocalClock(t *testing.T) {
	e := testEngine(t)

	// 13:00 UTC on a Monday is 08:00 in New York: morning rush.
	arrival := time.Date(2024, 3, 4, 13, 0, 0, 0, time.UTC)
	frame, ok := e.Process(ptr(update("trip-a", "601", arrival, 0, 0)))
	require.True(t, ok)
	assert.Equal(t, 8, frame.Hour)
	assert.True(t, frame.RushHour)

	// Saturday at the same clock time is not.
	arrival = time.Date(2024, 3, 9, 13, 0, 0, 0, time.UTC)
	frame, ok = e.Process(ptr(update("trip-b", "601", arrival, 0, 0)))
	require.True(t, ok)
	assert.False(t, frame.RushHour)
}

func TestProcessBatchOrdersByArrival(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	// Delivered newest-first; the batch must still produce both frames.
	batch := []transit.TripUpdate{
		update("trip-b", "601", base.Add(4*time.Minute), 0, 0),
		update("trip-a", "601", base, 0, 0),
	}
	frames := e.ProcessBatch(batch)
	require.Len(t, frames, 2)
	assert.Equal(t, "trip-a", frames[0].TripID)
	require.NotNil(t, frames[1].HeadwayS)
	assert.Equal(t, 240.0, *frames[1].HeadwayS)
}

func TestSeedWarmsBaselines(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	h := 180.0
	var positions []transit.VehiclePosition
	for i := 0; i < 10; i++ {
		positions = append(positions, transit.VehiclePosition{
			TripID:         "old",
			Line:           "6",
			Direction:      1,
			StopID:         "601",
			ObservedAt:     base.Add(time.Duration(i) * 3 * time.Minute),
			HeadwaySeconds: &h,
		})
	}
	e.Seed(positions)

	// The next live arrival immediately has a baseline to compare against.
	frame, ok := e.Process(ptr(update("trip-new", "601", base.Add(33*time.Minute), 0, 0)))
	require.True(t, ok)
	require.NotNil(t, frame.HeadwayS)
	assert.Equal(t, 360.0, *frame.HeadwayS)
	assert.InDelta(t, 180.0, frame.RollingHeadwayMean, 40.0)
}

func TestRollingStatsEvictsOldSamples(t *testing.T) {
	r := newRollingStats(time.Hour, 512)
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	r.add(base, 100)
	r.add(base.Add(time.Minute), 110)
	require.Equal(t, 2, r.count())

	// Two hours later both samples have aged out.
	r.add(base.Add(2*time.Hour), 500)
	assert.Equal(t, 1, r.count())
	assert.Equal(t, 500.0, r.mean())
}

func TestRollingStatsCountBound(t *testing.T) {
	r := newRollingStats(time.Hour, 4)
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		r.add(base.Add(time.Duration(i)*time.Second), float64(i))
	}
	assert.LessOrEqual(t, r.count(), 5, "count bound must hold")
}
