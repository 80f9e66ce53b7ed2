// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package scheduler drives the monitor's control plane: the periodic ingest
// tick across all feeds, the coalesced detection tick, the nightly retrain,
// the retention purge, and graceful shutdown.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/bus"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/config"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/detector"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/feed"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/features"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/status/health"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/store"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/telemetry"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/util/log"
)

// detectCoalesce batches detection: feed completions within this window are
// scored in one pass.
const detectCoalesce = time.Second

// batchFloor is the smallest per-feed batch size backpressure may impose.
const batchFloor = 50

// staleAnomalyAge is how long an unresolved anomaly lives without a repeat
// detection before the purge pass auto-resolves it.
const staleAnomalyAge = 2 * time.Hour

// StateStore is the slice of the store the scheduler writes through.
type StateStore interface {
	InsertTick(ctx context.Context, run *transit.FeedRun, positions []transit.VehiclePosition) (int64, error)
	InsertFeedRun(ctx context.Context, run *transit.FeedRun) (int64, error)
	InsertAnomaly(ctx context.Context, a *transit.Anomaly) error
	BumpAnomalySeverity(ctx context.Context, anomalyID string, severity float64) error
	PurgeBefore(ctx context.Context, cutoff time.Time) error
	ResolveStale(ctx context.Context, cutoff time.Time) (int64, error)
	WriteP95() time.Duration
}

// Scheduler owns the recurrent timers and the glue between ingest, feature
// computation, detection, and egress.
type Scheduler struct {
	cfg       *config.Config
	clk       clock.Clock
	fetcher   *feed.Fetcher
	decoder   *feed.Decoder
	engine    *features.Engine
	ensemble  *detector.Ensemble
	trainer   *detector.Trainer
	sequencer *detector.Sequencer
	store     StateStore
	cache     *store.SnapshotCache
	bus       *bus.Bus
	health    *health.Registry

	hbIngest health.ID
	hbDetect health.ID
	hbPurge  health.ID

	cron *cron.Cron

	mu        sync.Mutex
	pending   []transit.FeatureFrame
	batchSize int
	lastDur   map[string]time.Duration

	lastRunID atomic.Int64
	detectCh  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Fetcher   *feed.Fetcher
	Decoder   *feed.Decoder
	Engine    *features.Engine
	Ensemble  *detector.Ensemble
	Trainer   *detector.Trainer
	Sequencer *detector.Sequencer
	Store     StateStore
	Cache     *store.SnapshotCache
	Bus       *bus.Bus
	Health    *health.Registry
	Clock     clock.Clock
}

func New(cfg *config.Config, d Deps) *Scheduler {
	clk := d.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := &Scheduler{
		cfg:       cfg,
		clk:       clk,
		fetcher:   d.Fetcher,
		decoder:   d.Decoder,
		engine:    d.Engine,
		ensemble:  d.Ensemble,
		trainer:   d.Trainer,
		sequencer: d.Sequencer,
		store:     d.Store,
		cache:     d.Cache,
		bus:       d.Bus,
		health:    d.Health,
		batchSize: 0, // unbounded until backpressure engages
		lastDur:   make(map[string]time.Duration),
		detectCh:  make(chan struct{}, 1),
	}
	if s.health != nil {
		s.hbIngest = s.health.RegisterWithTimeout("ingest", 4*cfg.FeedUpdateInterval)
		s.hbDetect = s.health.RegisterWithTimeout("detector", 4*cfg.FeedUpdateInterval)
		s.hbPurge = s.health.RegisterWithTimeout("purge", 5*time.Minute)
	}
	return s
}

// Start launches the recurrent loops. Stop shuts them down.
func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	// Cold start: restore artifacts, else train from whatever history
	// exists. Runs off the ingest path so feeds flow immediately.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.trainer.LoadFromStore(ctx) {
			if err := s.trainer.TrainAndSwap(ctx); err != nil {
				log.Warnf("scheduler: cold-start training deferred: %v", err) //nolint:errcheck
			}
		}
	}()

	s.wg.Add(4)
	go s.ingestLoop(ctx)
	go s.detectLoop(ctx)
	go s.sequenceLoop(ctx)
	go s.purgeLoop(ctx)

	s.cron = cron.New(cron.WithLocation(time.UTC))
	spec := fmt.Sprintf("0 %d * * *", s.cfg.ModelRetrainHour)
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.trainer.TrainAndSwap(ctx); err != nil {
			log.Errorf("scheduler: nightly retrain failed: %v", err) //nolint:errcheck
		}
	}); err != nil {
		log.Errorf("scheduler: retrain schedule %q rejected: %v", spec, err) //nolint:errcheck
	}
	s.cron.Start()

	log.Infof("scheduler: started, %d feeds every %s", len(s.cfg.Feeds), s.cfg.FeedUpdateInterval)
}

// Stop winds the scheduler down: no new ticks, in-flight work drained up to
// the grace period, subscribers closed with reason shutdown.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		cronCtx := s.cron.Stop()
		<-cronCtx.Done()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		log.Warnf("scheduler: shutdown grace %s elapsed with work in flight", s.cfg.ShutdownGrace) //nolint:errcheck
	}
	s.bus.Shutdown()
	log.Infof("scheduler: stopped")
}

func (s *Scheduler) ingestLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clk.Ticker(s.cfg.FeedUpdateInterval)
	defer ticker.Stop()

	// First tick fires immediately so startup does not idle a full period.
	s.runIngestTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runIngestTick(ctx)
		}
	}
}

// runIngestTick fetches every feed in parallel and signals detection.
func (s *Scheduler) runIngestTick(ctx context.Context) {
	s.adjustBackpressure()
	shedding := s.store.WriteP95() > s.cfg.WriteDropWatermark
	var shed map[string]bool
	if shedding {
		shed = s.slowestFeeds()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, fd := range s.cfg.Feeds {
		fd := fd
		g.Go(func() error {
			s.ingestFeed(gctx, fd, shed[fd.FeedID])
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	if s.health != nil {
		s.health.Ping(s.hbIngest) //nolint:errcheck
	}
	select {
	case s.detectCh <- struct{}{}:
	default: // a detection pass is already pending
	}
}

// adjustBackpressure halves the per-tick batch while the write p95 sits
// above the high watermark and releases the cap once it clears.
func (s *Scheduler) adjustBackpressure() {
	p95 := s.store.WriteP95()
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case p95 > s.cfg.WriteHighWatermark:
		if s.batchSize == 0 {
			s.batchSize = 400
		} else if s.batchSize > batchFloor {
			s.batchSize /= 2
			if s.batchSize < batchFloor {
				s.batchSize = batchFloor
			}
		}
		log.Warnf("scheduler: write p95 %s above watermark, batch capped at %d", p95, s.batchSize) //nolint:errcheck
	case s.batchSize != 0:
		log.Infof("scheduler: write latency recovered, batch cap lifted")
		s.batchSize = 0
	}
}

// slowestFeeds marks the slower half of feeds by last fetch duration for a
// shed tick.
func (s *Scheduler) slowestFeeds() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	type fd struct {
		id  string
		dur time.Duration
	}
	ranked := make([]fd, 0, len(s.lastDur))
	for id, dur := range s.lastDur {
		ranked = append(ranked, fd{id, dur})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].dur > ranked[j].dur })

	shed := make(map[string]bool, len(ranked)/2)
	for i := 0; i < len(ranked)/2; i++ {
		shed[ranked[i].id] = true
	}
	return shed
}

func (s *Scheduler) ingestFeed(ctx context.Context, fd config.FeedDescriptor, shed bool) {
	if !s.fetcher.TryAcquire(fd.FeedID) {
		log.Debugf("scheduler: overlap, skipping feed %s this tick", fd.FeedID)
		return
	}
	defer s.fetcher.Release(fd.FeedID)

	started := s.clk.Now().UTC()
	run := &transit.FeedRun{FeedID: fd.FeedID, StartedAt: started}
	finish := func(status transit.FeedRunStatus) {
		run.FinishedAt = s.clk.Now().UTC()
		run.Status = status
		run.DurationMS = run.FinishedAt.Sub(started).Milliseconds()
		s.mu.Lock()
		s.lastDur[fd.FeedID] = run.FinishedAt.Sub(started)
		s.mu.Unlock()
	}

	payload, err := s.fetcher.Fetch(ctx, fd)
	if err != nil {
		finish(transit.FeedRunTransportError)
		if _, insErr := s.store.InsertFeedRun(ctx, run); insErr != nil {
			log.Errorf("scheduler: feed %s: run record lost: %v", fd.FeedID, insErr) //nolint:errcheck
		}
		log.Warnf("scheduler: feed %s fetch failed: %v", fd.FeedID, err) //nolint:errcheck
		return
	}

	if shed {
		// Under drop-watermark pressure the payload is discarded undecoded.
		telemetry.IngestShedding.Inc()
		telemetry.AddIngestStat("ShedTicks", 1)
		finish(transit.FeedRunOK)
		if _, insErr := s.store.InsertFeedRun(ctx, run); insErr != nil {
			log.Errorf("scheduler: feed %s: run record lost: %v", fd.FeedID, insErr) //nolint:errcheck
		}
		log.Warnf("scheduler: shedding decode for feed %s", fd.FeedID) //nolint:errcheck
		return
	}

	res, err := s.decoder.Decode(fd.FeedID, payload)
	if err != nil {
		finish(transit.FeedRunDecodeError)
		if _, insErr := s.store.InsertFeedRun(ctx, run); insErr != nil {
			log.Errorf("scheduler: feed %s: run record lost: %v", fd.FeedID, insErr) //nolint:errcheck
		}
		log.Warnf("scheduler: feed %s decode failed: %v", fd.FeedID, err) //nolint:errcheck
		return
	}
	run.EntitiesSeen = res.EntitiesSeen
	run.EntitiesSkipped = res.EntitiesSkipped
	run.AlertsSeen = res.AlertsSeen

	updates := res.TripUpdates
	s.mu.Lock()
	limit := s.batchSize
	s.mu.Unlock()
	if limit > 0 && len(updates) > limit {
		log.Warnf("scheduler: feed %s batch truncated %d -> %d under backpressure", //nolint:errcheck
			fd.FeedID, len(updates), limit)
		updates = updates[:limit]
	}

	frames, positions := s.engine.ProcessTick(updates)

	status := transit.FeedRunOK
	if res.Partial() {
		status = transit.FeedRunPartial
	}
	finish(status)

	runID, err := s.store.InsertTick(ctx, run, positions)
	if err != nil {
		batchID := uuid.NewString()
		log.Errorf("scheduler: feed %s: dropping batch %s (%d positions): %v", //nolint:errcheck
			fd.FeedID, batchID, len(positions), err)
		return
	}
	s.lastRunID.Store(runID)
	telemetry.AddIngestStat("TicksCompleted", 1)

	s.mu.Lock()
	s.pending = append(s.pending, frames...)
	s.mu.Unlock()
	for i := range frames {
		s.sequencer.Observe(&frames[i])
	}

	if s.cache != nil {
		for _, line := range linesOf(positions) {
			s.cache.InvalidateLine(ctx, line)
		}
	}
}

func linesOf(positions []transit.VehiclePosition) []string {
	seen := make(map[string]struct{})
	var out []string
	for i := range positions {
		if _, dup := seen[positions[i].Line]; !dup {
			seen[positions[i].Line] = struct{}{}
			out = append(out, positions[i].Line)
		}
	}
	return out
}

func (s *Scheduler) detectLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.detectCh:
			// Coalesce: completions landing within the window score once.
			timer := s.clk.Timer(detectCoalesce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			s.detectionPass(ctx)
		}
	}
}

// detectionPass scores buffered frames and emits durable anomalies.
func (s *Scheduler) detectionPass(ctx context.Context) {
	s.mu.Lock()
	frames := s.pending
	s.pending = nil
	s.mu.Unlock()

	if s.health != nil {
		defer s.health.Ping(s.hbDetect) //nolint:errcheck
	}
	if len(frames) == 0 {
		return
	}
	for _, a := range s.ensemble.EvaluateFrames(frames, s.clk.Now().UTC()) {
		s.emit(ctx, a)
	}
	telemetry.AddDetectorStat("FramesScored", int64(len(frames)))
}

// emit persists an anomaly and only then publishes it; a repeat within the
// suppression window bumps the open anomaly instead.
func (s *Scheduler) emit(ctx context.Context, a transit.Anomaly) {
	if openID, suppressed := s.ensemble.Dedup(&a); suppressed {
		if err := s.store.BumpAnomalySeverity(ctx, openID, a.Severity); err != nil {
			log.Errorf("scheduler: severity bump for %s lost: %v", openID, err) //nolint:errcheck
		}
		return
	}
	if err := s.store.InsertAnomaly(ctx, &a); err != nil {
		log.Errorf("scheduler: anomaly %s not durable, not publishing: %v", a.AnomalyID, err) //nolint:errcheck
		return
	}
	s.bus.Publish(a)
}

func (s *Scheduler) sequenceLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clk.Ticker(s.cfg.SequenceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for line, seq := range s.sequencer.CloseStep() {
				if a, anomalous := s.ensemble.EvaluateSequence(line, seq, s.clk.Now().UTC()); anomalous {
					s.emit(ctx, a)
				}
			}
		}
	}
}

func (s *Scheduler) purgeLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clk.Ticker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.clk.Now().UTC()
			if err := s.store.PurgeBefore(ctx, now.Add(-s.cfg.Retention)); err != nil {
				log.Errorf("scheduler: purge failed: %v", err) //nolint:errcheck
			}
			if n, err := s.store.ResolveStale(ctx, now.Add(-staleAnomalyAge)); err != nil {
				log.Errorf("scheduler: stale resolve failed: %v", err) //nolint:errcheck
			} else if n > 0 {
				log.Infof("scheduler: auto-resolved %d stale anomalies", n)
			}
			if s.health != nil {
				s.health.Ping(s.hbPurge) //nolint:errcheck
			}
		}
	}
}

// DetectNow runs a one-shot detection pass for the operator endpoint and
// returns the most recent ingest run id.
func (s *Scheduler) DetectNow(ctx context.Context) (int64, error) {
	s.detectionPass(ctx)
	return s.lastRunID.Load(), nil
}
