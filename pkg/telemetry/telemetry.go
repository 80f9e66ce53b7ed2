// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package telemetry holds the monitor's prometheus metrics and the expvar
// internal stats mirror. Metrics are package-level: every component shares
// the one registry exposed on /metrics.
package telemetry

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedFetchTotal counts fetch attempts by feed and outcome.
	FeedFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subway_monitor",
		Subsystem: "feed",
		Name:      "fetch_total",
		Help:      "Feed fetch attempts by feed id and status.",
	}, []string{"feed_id", "status"})

	// FeedFetchDuration observes end-to-end fetch latency per feed.
	FeedFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "subway_monitor",
		Subsystem: "feed",
		Name:      "fetch_duration_seconds",
		Help:      "Feed fetch latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"feed_id"})

	// FeedOverlapSkips counts ticks skipped because a fetch was in flight.
	FeedOverlapSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subway_monitor",
		Subsystem: "feed",
		Name:      "overlap_skips_total",
		Help:      "Ingest ticks skipped for a feed with a fetch in flight.",
	}, []string{"feed_id"})

	// DecodeEntitiesSkipped counts malformed entities dropped by the decoder.
	DecodeEntitiesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subway_monitor",
		Subsystem: "decode",
		Name:      "entities_skipped_total",
		Help:      "Feed entities dropped during decode.",
	}, []string{"feed_id"})

	// FramesProduced counts FeatureFrames emitted by the feature engine.
	FramesProduced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "subway_monitor",
		Subsystem: "features",
		Name:      "frames_total",
		Help:      "FeatureFrames produced.",
	})

	// AnomaliesDetected counts anomalies by kind and model.
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subway_monitor",
		Subsystem: "detector",
		Name:      "anomalies_total",
		Help:      "Anomalies detected by kind and model.",
	}, []string{"kind", "model"})

	// TrainingRuns counts training attempts by model and outcome.
	TrainingRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subway_monitor",
		Subsystem: "detector",
		Name:      "training_runs_total",
		Help:      "Model training runs by model and outcome.",
	}, []string{"model", "outcome"})

	// StoreWriteDuration observes state-store write latency per table.
	StoreWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "subway_monitor",
		Subsystem: "store",
		Name:      "write_duration_seconds",
		Help:      "State store write latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"table"})

	// IngestShedding counts ticks where decode was skipped under backpressure.
	IngestShedding = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "subway_monitor",
		Subsystem: "scheduler",
		Name:      "ingest_shedding_total",
		Help:      "Ingest ticks that shed feed decoding under write backpressure.",
	})

	// PurgedRows counts rows removed by retention purges.
	PurgedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subway_monitor",
		Subsystem: "store",
		Name:      "purged_rows_total",
		Help:      "Rows deleted by retention purges.",
	}, []string{"table"})

	// Subscribers tracks live websocket subscriber count.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "subway_monitor",
		Subsystem: "bus",
		Name:      "subscribers",
		Help:      "Connected anomaly stream subscribers.",
	})

	// SlowConsumerDrops counts subscribers dropped for queue saturation.
	SlowConsumerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "subway_monitor",
		Subsystem: "bus",
		Name:      "slow_consumer_drops_total",
		Help:      "Subscribers disconnected with reason slow_consumer.",
	})
)

// Internal stats mirrored to expvar for quick inspection without prometheus
// tooling, following the agent-style /debug/vars surface.
var (
	ingestStats   = expvar.NewMap("ingest")
	detectorStats = expvar.NewMap("detector")
)

// AddIngestStat increments a named expvar ingest counter.
func AddIngestStat(name string, delta int64) {
	ingestStats.Add(name, delta)
}

// AddDetectorStat increments a named expvar detector counter.
func AddDetectorStat(name string, delta int64) {
	detectorStats.Add(name, delta)
}
