// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/bus"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/config"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/detector"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/feed"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/features"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
)

type fakeState struct {
	mu        sync.Mutex
	runs      []transit.FeedRun
	positions []transit.VehiclePosition
	anomalies []transit.Anomaly
	bumps     map[string]float64
	purged    []time.Time
	p95       time.Duration
	insertErr error
	nextRunID int64
}

func newFakeState() *fakeState {
	return &fakeState{bumps: make(map[string]float64)}
}

func (f *fakeState) InsertTick(_ context.Context, run *transit.FeedRun, positions []transit.VehiclePosition) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.nextRunID++
	run.RunID = f.nextRunID
	f.runs = append(f.runs, *run)
	f.positions = append(f.positions, positions...)
	return f.nextRunID, nil
}

func (f *fakeState) InsertFeedRun(_ context.Context, run *transit.FeedRun) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRunID++
	run.RunID = f.nextRunID
	f.runs = append(f.runs, *run)
	return f.nextRunID, nil
}

func (f *fakeState) InsertAnomaly(_ context.Context, a *transit.Anomaly) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.anomalies = append(f.anomalies, *a)
	return nil
}

func (f *fakeState) BumpAnomalySeverity(_ context.Context, id string, severity float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bumps[id] = severity
	return nil
}

func (f *fakeState) PurgeBefore(_ context.Context, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, cutoff)
	return nil
}

func (f *fakeState) ResolveStale(context.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeState) WriteP95() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.p95
}

func (f *fakeState) runStatuses() []transit.FeedRunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transit.FeedRunStatus, len(f.runs))
	for i, r := range f.runs {
		out[i] = r.Status
	}
	return out
}

func feedPayload(t *testing.T) []byte {
	t.Helper()
	base := int64(1_700_000_000)
	arrival := func(offset int64) *gtfs.TripUpdate_StopTimeEvent {
		return &gtfs.TripUpdate_StopTimeEvent{
			Time:  proto.Int64(base + offset),
			Delay: proto.Int32(30),
		}
	}
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(uint64(base)),
		},
		Entity: []*gtfs.FeedEntity{{
			Id: proto.String("1"),
			TripUpdate: &gtfs.TripUpdate{
				Trip: &gtfs.TripDescriptor{
					TripId:  proto.String("trip-a"),
					RouteId: proto.String("6"),
				},
				StopTimeUpdate: []*gtfs.TripUpdate_StopTimeUpdate{
					{StopId: proto.String("601N"), Arrival: arrival(60)},
					{StopId: proto.String("602N"), Arrival: arrival(180)},
				},
			},
		}},
	}
	payload, err := proto.Marshal(msg)
	require.NoError(t, err)
	return payload
}

func testConfig(feedURL string) *config.Config {
	return &config.Config{
		Feeds:              []config.FeedDescriptor{{FeedID: "main", URL: feedURL}},
		FeedUpdateInterval: 30 * time.Second,
		FeedTimeout:        2 * time.Second,
		MaxRetries:         0,
		MaxFeedBytes:       1 << 20,
		HeadwayWindow:      30 * time.Minute,
		RollingWindow:      time.Hour,
		TrainingWindow:     24 * time.Hour,
		MinTrainingFrames:  500,
		Contamination:      0.05,
		ModelRetrainHour:   3,
		SequenceTick:       2 * time.Minute,
		SuppressWindow:     5 * time.Minute,
		Retention:          168 * time.Hour,
		WriteHighWatermark: 500 * time.Millisecond,
		WriteDropWatermark: 2 * time.Second,
		ShutdownGrace:      time.Second,
	}
}

func testScheduler(t *testing.T, cfg *config.Config, st StateStore) *Scheduler {
	t.Helper()
	dec, err := feed.NewDecoder(nil, nil)
	require.NoError(t, err)
	return New(cfg, Deps{
		Fetcher:   feed.NewFetcher(cfg),
		Decoder:   dec,
		Engine:    features.NewEngine(cfg),
		Ensemble:  detector.NewEnsemble(cfg.SuppressWindow),
		Sequencer: detector.NewSequencer(),
		Store:     st,
		Bus:       bus.New(),
	})
}

func TestIngestFeedNominal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(feedPayload(t)) //nolint:errcheck
	}))
	defer srv.Close()

	st := newFakeState()
	cfg := testConfig(srv.URL)
	s := testScheduler(t, cfg, st)

	s.ingestFeed(context.Background(), cfg.Feeds[0], false)

	require.Len(t, st.runs, 1)
	run := st.runs[0]
	assert.Equal(t, transit.FeedRunOK, run.Status)
	assert.Equal(t, 1, run.EntitiesSeen)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
	assert.Len(t, st.positions, 2, "one position per stop_time_update")
	assert.Equal(t, int64(1), s.lastRunID.Load())

	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	assert.Equal(t, 2, pending, "frames buffered for the detection tick")
}

func TestIngestFeedTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	st := newFakeState()
	cfg := testConfig(srv.URL)
	s := testScheduler(t, cfg, st)

	s.ingestFeed(context.Background(), cfg.Feeds[0], false)

	require.Equal(t, []transit.FeedRunStatus{transit.FeedRunTransportError}, st.runStatuses())
	assert.Empty(t, st.positions)
}

func TestIngestFeedDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("certainly not protobuf")) //nolint:errcheck
	}))
	defer srv.Close()

	st := newFakeState()
	cfg := testConfig(srv.URL)
	s := testScheduler(t, cfg, st)

	s.ingestFeed(context.Background(), cfg.Feeds[0], false)

	require.Equal(t, []transit.FeedRunStatus{transit.FeedRunDecodeError}, st.runStatuses())
}

func TestIngestFeedShedSkipsDecode(t *testing.T) {
	fetched := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched = true
		w.Write(feedPayload(t)) //nolint:errcheck
	}))
	defer srv.Close()

	st := newFakeState()
	cfg := testConfig(srv.URL)
	s := testScheduler(t, cfg, st)

	s.ingestFeed(context.Background(), cfg.Feeds[0], true)

	assert.True(t, fetched, "fetch still happens; decode is what gets shed")
	require.Len(t, st.runs, 1, "the run is recorded even when shed")
	assert.Empty(t, st.positions, "no positions while shedding")
}

func TestIngestFailedInsertDoesNotAdvanceRunID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(feedPayload(t)) //nolint:errcheck
	}))
	defer srv.Close()

	st := newFakeState()
	st.insertErr = errors.New("store down")
	cfg := testConfig(srv.URL)
	s := testScheduler(t, cfg, st)

	s.ingestFeed(context.Background(), cfg.Feeds[0], false)
	assert.Equal(t, int64(0), s.lastRunID.Load())
	assert.Empty(t, st.positions)
}

func TestBackpressureHalvesBatch(t *testing.T) {
	st := newFakeState()
	cfg := testConfig("http://example.invalid")
	s := testScheduler(t, cfg, st)

	st.p95 = time.Second // above the 500ms high watermark
	s.adjustBackpressure()
	s.mu.Lock()
	first := s.batchSize
	s.mu.Unlock()
	assert.Equal(t, 400, first)

	s.adjustBackpressure()
	s.adjustBackpressure()
	s.adjustBackpressure()
	s.mu.Lock()
	capped := s.batchSize
	s.mu.Unlock()
	assert.Equal(t, batchFloor, capped, "halving stops at the floor")

	st.p95 = 10 * time.Millisecond
	s.adjustBackpressure()
	s.mu.Lock()
	lifted := s.batchSize
	s.mu.Unlock()
	assert.Equal(t, 0, lifted, "cap lifts once latency recovers")
}

func TestSlowestFeedsRanking(t *testing.T) {
	st := newFakeState()
	cfg := testConfig("http://example.invalid")
	cfg.Feeds = []config.FeedDescriptor{
		{FeedID: "main"}, {FeedID: "ace"}, {FeedID: "bdfm"}, {FeedID: "l"},
	}
	s := testScheduler(t, cfg, st)

	s.mu.Lock()
	s.lastDur["main"] = 100 * time.Millisecond
	s.lastDur["ace"] = 4 * time.Second
	s.lastDur["bdfm"] = 3 * time.Second
	s.lastDur["l"] = 50 * time.Millisecond
	s.mu.Unlock()

	shed := s.slowestFeeds()
	assert.True(t, shed["ace"])
	assert.True(t, shed["bdfm"])
	assert.False(t, shed["main"])
	assert.False(t, shed["l"])
}

func TestEmitPersistsBeforePublish(t *testing.T) {
	st := newFakeState()
	cfg := testConfig("http://example.invalid")
	s := testScheduler(t, cfg, st)

	sub := s.bus.Subscribe(bus.Filter{})
	a := transit.Anomaly{
		AnomalyID: "a1", StationID: "601", Line: "6",
		Kind: transit.KindHeadwayOutlier, Severity: 0.8,
		ModelName: "isolation_forest", ModelVersion: 1,
	}
	s.emit(context.Background(), a)

	require.Len(t, st.anomalies, 1)
	select {
	case got := <-sub.C:
		assert.Equal(t, "a1", got.AnomalyID)
	default:
		t.Fatal("durable anomaly must reach subscribers")
	}
}

func TestEmitSuppressedRepeatBumpsSeverity(t *testing.T) {
	st := newFakeState()
	cfg := testConfig("http://example.invalid")
	s := testScheduler(t, cfg, st)

	first := transit.Anomaly{
		AnomalyID: "a1", StationID: "601", Line: "6",
		Kind: transit.KindHeadwayOutlier, Severity: 0.7,
	}
	s.emit(context.Background(), first)

	repeat := first
	repeat.AnomalyID = "a2"
	repeat.Severity = 0.9
	s.emit(context.Background(), repeat)

	assert.Len(t, st.anomalies, 1, "repeat within the window must not insert")
	assert.Equal(t, 0.9, st.bumps["a1"])
}

func TestEmitFailedWriteIsNotPublished(t *testing.T) {
	st := newFakeState()
	st.insertErr = errors.New("store down")
	cfg := testConfig("http://example.invalid")
	s := testScheduler(t, cfg, st)

	sub := s.bus.Subscribe(bus.Filter{})
	s.emit(context.Background(), transit.Anomaly{
		AnomalyID: "a1", StationID: "601", Kind: transit.KindDelaySpike, Severity: 0.8,
	})

	select {
	case <-sub.C:
		t.Fatal("an anomaly that failed to persist must not be published")
	default:
	}
}

func TestDetectNowDrainsPending(t *testing.T) {
	st := newFakeState()
	cfg := testConfig("http://example.invalid")
	s := testScheduler(t, cfg, st)
	s.lastRunID.Store(42)

	s.mu.Lock()
	s.pending = []transit.FeatureFrame{{Line: "6", StopID: "601"}}
	s.mu.Unlock()

	runID, err := s.DetectNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), runID)

	s.mu.Lock()
	assert.Empty(t, s.pending)
	s.mu.Unlock()
}
