// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package detector scores feature frames with an ensemble of an isolation
// forest (point anomalies) and a sequence autoencoder (temporal anomalies),
// manages model lifecycle and versioned artifacts, and deduplicates repeat
// detections.
package detector

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/telemetry"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
)

// State is the model lifecycle phase.
type State string

// Lifecycle phases. Absent means no artifact has ever been trained; the
// detector passes frames through unscored until the cold-start train lands.
const (
	StateAbsent     State = "absent"
	StateTraining   State = "training"
	StateReady      State = "ready"
	StateRefreshing State = "refreshing"
)

// models is the immutable pair swapped atomically after (re)training.
type models struct {
	forest        *Forest
	forestVersion int
	ae            *Autoencoder
	aeVersion     int
}

// Ensemble is the live scoring surface. Scoring never blocks on training:
// the active model pair is behind an atomic pointer and retraining swaps it
// wholesale.
type Ensemble struct {
	active   atomic.Pointer[models]
	state    atomic.Value // State
	suppress *gocache.Cache
}

// NewEnsemble builds an empty ensemble in the absent state. suppressWindow
// is the horizon within which a repeat (station, kind) detection bumps the
// existing anomaly instead of opening a new one.
func NewEnsemble(suppressWindow time.Duration) *Ensemble {
	e := &Ensemble{
		suppress: gocache.New(suppressWindow, suppressWindow),
	}
	e.state.Store(StateAbsent)
	return e
}

// State reports the current lifecycle phase.
func (e *Ensemble) State() State { return e.state.Load().(State) }

func (e *Ensemble) setState(s State) { e.state.Store(s) }

// Ready reports whether at least one model pair is live.
func (e *Ensemble) Ready() bool { return e.active.Load() != nil }

// Versions returns the active model versions, zero when absent.
func (e *Ensemble) Versions() (forest, autoencoder int) {
	m := e.active.Load()
	if m == nil {
		return 0, 0
	}
	return m.forestVersion, m.aeVersion
}

// swap installs a new model pair.
func (e *Ensemble) swap(m *models) {
	e.active.Store(m)
	e.setState(StateReady)
}

// EvaluateFrames scores a batch of frames with the isolation forest. at is
// the scoring time and stamps detected_at, so an anomaly always references a
// model trained at or before it. Returns newly opened anomalies; repeats
// within the suppression window are folded into Dedup instead.
func (e *Ensemble) EvaluateFrames(frames []transit.FeatureFrame, at time.Time) []transit.Anomaly {
	m := e.active.Load()
	if m == nil || m.forest == nil {
		return nil
	}

	var out []transit.Anomaly
	for i := range frames {
		f := &frames[i]
		vec := frameVector(f)
		score := m.forest.Score(vec)
		severity := m.forest.Severity(score)
		if severity <= 0 {
			continue
		}

		a := transit.Anomaly{
			AnomalyID:    uuid.NewString(),
			DetectedAt:   at,
			StationID:    f.StopID,
			Line:         f.Line,
			Kind:         classifyFrame(f),
			Severity:     severity,
			ModelName:    ModelForest,
			ModelVersion: m.forestVersion,
			Features:     frameContext(f, score),
		}
		out = append(out, a)
		telemetry.AnomaliesDetected.WithLabelValues(string(a.Kind), ModelForest).Inc()
	}
	return coalesce(out)
}

// EvaluateSequence scores one line's closed sequence with the autoencoder.
func (e *Ensemble) EvaluateSequence(line string, seq [seqInputDim]float64, at time.Time) (transit.Anomaly, bool) {
	m := e.active.Load()
	if m == nil || m.ae == nil {
		return transit.Anomaly{}, false
	}
	severity, anomalous := m.ae.Score(seq)
	if !anomalous {
		return transit.Anomaly{}, false
	}
	a := transit.Anomaly{
		AnomalyID:    uuid.NewString(),
		DetectedAt:   at,
		Line:         line,
		Kind:         transit.KindSequence,
		Severity:     severity,
		ModelName:    ModelAutoencoder,
		ModelVersion: m.aeVersion,
		Features: map[string]float64{
			"reconstruction_p95": m.ae.P95,
		},
	}
	telemetry.AnomaliesDetected.WithLabelValues(string(a.Kind), ModelAutoencoder).Inc()
	return a, true
}

// Dedup consults the suppression window. A first sighting registers the
// anomaly and returns ("", false); a repeat returns the open anomaly's id so
// the caller bumps its severity instead of inserting a duplicate.
func (e *Ensemble) Dedup(a *transit.Anomaly) (openID string, suppressed bool) {
	key := a.StationID + "|" + a.Line + "|" + string(a.Kind)
	if existing, hit := e.suppress.Get(key); hit {
		return existing.(string), true
	}
	e.suppress.SetDefault(key, a.AnomalyID)
	return "", false
}

// classifyFrame names the dominant signal behind a point anomaly.
func classifyFrame(f *transit.FeatureFrame) transit.AnomalyKind {
	hz, dz := math.Abs(f.HeadwayZ), math.Abs(f.DwellZ)
	var delayStrength float64
	if f.ScheduleAdherence != nil {
		delayStrength = math.Abs(*f.ScheduleAdherence) * 3 // saturated delay outranks mild z-scores
	}
	switch {
	case delayStrength > hz && delayStrength > dz:
		return transit.KindDelaySpike
	case dz > hz:
		return transit.KindDwellOutlier
	default:
		return transit.KindHeadwayOutlier
	}
}

// frameContext captures the scored vector for the anomaly record.
func frameContext(f *transit.FeatureFrame, score float64) map[string]float64 {
	vec := frameVector(f)
	ctx := make(map[string]float64, featureDim+1)
	for d := 0; d < featureDim; d++ {
		ctx[featureNames[d]] = vec[d]
	}
	ctx["forest_score"] = score
	return ctx
}

// coalesce folds same-key anomalies within one batch into the highest
// severity sighting.
func coalesce(anomalies []transit.Anomaly) []transit.Anomaly {
	if len(anomalies) < 2 {
		return anomalies
	}
	best := make(map[string]int, len(anomalies))
	var out []transit.Anomaly
	for _, a := range anomalies {
		key := a.StationID + "|" + a.Line + "|" + string(a.Kind)
		if idx, ok := best[key]; ok {
			if a.Severity > out[idx].Severity {
				out[idx].Severity = a.Severity
				out[idx].Features = a.Features
			}
			continue
		}
		best[key] = len(out)
		out = append(out, a)
	}
	return out
}
