// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Command monitor runs the NYC subway anomaly monitor: feed ingestion, the
// detection pipeline, and the HTTP/websocket API in one process.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/api"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/bus"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/catalog"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/config"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/detector"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/feed"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/features"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/scheduler"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/status/health"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/store"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/util/log"
)

// startupTimeout bounds catalog load, schema bring-up, and cache dial.
const startupTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Errorf("config: %v", err) //nolint:errcheck
		log.Flush()
		return 1
	}
	if err := log.Setup(cfg.LogLevel); err != nil {
		return 1
	}
	defer log.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	defer startCancel()

	// The static catalog is a hard prerequisite: without it no stop can be
	// resolved to a station and nothing downstream makes sense.
	cat, err := catalog.Load(cfg.GTFSBundlePath)
	if err != nil {
		log.Criticalf("catalog: %v", err) //nolint:errcheck
		return 1
	}
	log.Infof("catalog: %d stations, %d routes (%d rows skipped)",
		len(cat.Stations()), len(cat.Routes()), cat.Skipped())

	st, err := store.Open(startCtx, cfg.DatabaseURL)
	if err != nil {
		log.Criticalf("store: %v", err) //nolint:errcheck
		return 1
	}
	defer st.Close() //nolint:errcheck

	if err := st.UpsertCatalog(startCtx, cat.Stations(), cat.Routes()); err != nil {
		log.Criticalf("store: catalog sync: %v", err) //nolint:errcheck
		return 1
	}

	// The snapshot cache is an accelerator, not a dependency. A dead Redis
	// only costs position-query latency.
	cache, err := store.NewSnapshotCache(startCtx, cfg.RedisURL, cfg.FeedUpdateInterval)
	if err != nil {
		log.Warnf("cache: redis unavailable, serving positions from the store: %v", err) //nolint:errcheck
		cache = nil
	} else {
		defer cache.Close() //nolint:errcheck
	}

	engine := features.NewEngine(cfg)
	if recent, err := st.PositionsBetween(startCtx, time.Now().UTC().Add(-cfg.RollingWindow), time.Now().UTC()); err != nil {
		log.Warnf("store: window seed query failed, baselines start cold: %v", err) //nolint:errcheck
	} else if len(recent) > 0 {
		engine.Seed(recent)
	}

	ensemble := detector.NewEnsemble(cfg.SuppressWindow)
	trainer := detector.NewTrainer(cfg, st, ensemble)

	decoder, err := feed.NewDecoder(cat.Resolve, cat.ScheduledArrival)
	if err != nil {
		log.Criticalf("decoder: %v", err) //nolint:errcheck
		return 1
	}

	b := bus.New()
	reg := health.NewRegistry()

	sched := scheduler.New(cfg, scheduler.Deps{
		Fetcher:   feed.NewFetcher(cfg),
		Decoder:   decoder,
		Engine:    engine,
		Ensemble:  ensemble,
		Trainer:   trainer,
		Sequencer: detector.NewSequencer(),
		Store:     st,
		Cache:     cache,
		Bus:       b,
		Health:    reg,
	})

	srv := api.New(cfg, st, cache, cat, b, ensemble, reg)
	srv.DetectNow = sched.DetectNow

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("api: listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("shutdown: received %s", sig)
	case err := <-errCh:
		log.Errorf("api: server failed: %v", err) //nolint:errcheck
	}

	// Shutdown order: stop accepting requests, drain the pipeline (which
	// closes bus subscribers with reason shutdown), then drop sessions.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Warnf("api: shutdown incomplete: %v", err) //nolint:errcheck
	}
	sched.Stop()
	srv.Shutdown()

	log.Infof("shutdown: complete")
	return 0
}
