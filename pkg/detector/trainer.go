// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package detector

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/config"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/features"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/telemetry"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/util/log"
)

// ArtifactStore is the slice of the state store the trainer needs.
type ArtifactStore interface {
	PositionsBetween(ctx context.Context, since, until time.Time) ([]transit.VehiclePosition, error)
	PutModelArtifact(ctx context.Context, a *transit.ModelArtifact) error
	GetLatestArtifact(ctx context.Context, name string) (*transit.ModelArtifact, error)
}

// minSequences is the floor of training sequences below which the
// autoencoder is skipped rather than fit to noise.
const minSequences = 50

// Trainer builds model pairs from persisted history and swaps them into the
// ensemble. Training failure never disturbs the active models.
type Trainer struct {
	cfg      *config.Config
	store    ArtifactStore
	ensemble *Ensemble
	rng      *rand.Rand
}

func NewTrainer(cfg *config.Config, store ArtifactStore, ensemble *Ensemble) *Trainer {
	return &Trainer{
		cfg:      cfg,
		store:    store,
		ensemble: ensemble,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// LoadFromStore restores the latest persisted artifacts at startup. Missing
// artifacts leave the ensemble absent; the cold-start path trains fresh.
func (t *Trainer) LoadFromStore(ctx context.Context) bool {
	m := &models{}

	if art, err := t.store.GetLatestArtifact(ctx, ModelForest); err == nil {
		if forest, err := decodeForest(art); err == nil {
			m.forest, m.forestVersion = forest, art.Version
		} else {
			log.Warnf("detector: discarding forest artifact: %v", err) //nolint:errcheck
		}
	}
	if art, err := t.store.GetLatestArtifact(ctx, ModelAutoencoder); err == nil {
		if ae, err := decodeAutoencoder(art); err == nil {
			m.ae, m.aeVersion = ae, art.Version
		} else {
			log.Warnf("detector: discarding autoencoder artifact: %v", err) //nolint:errcheck
		}
	}

	if m.forest == nil && m.ae == nil {
		return false
	}
	t.ensemble.swap(m)
	log.Infof("detector: restored models forest=v%d autoencoder=v%d", m.forestVersion, m.aeVersion)
	return true
}

// TrainAndSwap builds a fresh model pair from the training window and swaps
// it in. On any failure the previous pair stays active.
func (t *Trainer) TrainAndSwap(ctx context.Context) error {
	if t.ensemble.Ready() {
		t.ensemble.setState(StateRefreshing)
	} else {
		t.ensemble.setState(StateTraining)
	}
	// A failed train reverts the phase to match whatever is still active.
	revert := func() {
		if t.ensemble.Ready() {
			t.ensemble.setState(StateReady)
		} else {
			t.ensemble.setState(StateAbsent)
		}
	}

	next, err := t.train(ctx)
	if err != nil {
		revert()
		telemetry.TrainingRuns.WithLabelValues(ModelForest, "failure").Inc()
		return err
	}

	t.ensemble.swap(next)
	log.Infof("detector: swapped in models forest=v%d autoencoder=v%d",
		next.forestVersion, next.aeVersion)
	return nil
}

func (t *Trainer) train(ctx context.Context) (*models, error) {
	until := time.Now().UTC()
	since := until.Add(-t.cfg.TrainingWindow)

	positions, err := t.store.PositionsBetween(ctx, since, until)
	if err != nil {
		return nil, errors.Wrap(err, "load training positions")
	}

	engine := features.NewEngine(t.cfg)
	frames := engine.ReplayFrames(positions)
	if len(frames) < t.cfg.MinTrainingFrames {
		return nil, errors.Errorf("training set too small: %d frames, need %d",
			len(frames), t.cfg.MinTrainingFrames)
	}

	rows := make([][featureDim]float64, len(frames))
	for i := range frames {
		rows[i] = frameVector(&frames[i])
	}

	started := time.Now()
	forest, err := TrainForest(rows, t.cfg.Contamination, t.rng)
	if err != nil {
		return nil, errors.Wrap(err, "train forest")
	}
	forestArt, err := forestArtifact(forest, t.cfg.Contamination, int(t.cfg.TrainingWindow.Hours()))
	if err != nil {
		return nil, err
	}
	if err := t.store.PutModelArtifact(ctx, forestArt); err != nil {
		return nil, errors.Wrap(err, "persist forest")
	}
	telemetry.TrainingRuns.WithLabelValues(ModelForest, "success").Inc()
	telemetry.AddDetectorStat("ForestTrainings", 1)
	log.Infof("detector: trained forest v%d on %d frames in %s",
		forestArt.Version, len(frames), time.Since(started).Round(time.Millisecond))

	next := &models{forest: forest, forestVersion: forestArt.Version}

	// The sequence model rides along when history supports it; a thin
	// sequence set keeps the previous autoencoder.
	sequences := SequencesFromFrames(frames, t.cfg.SequenceTick)
	if len(sequences) >= minSequences {
		ae, err := TrainAutoencoder(sequences, t.rng)
		if err != nil {
			return nil, errors.Wrap(err, "train autoencoder")
		}
		aeArt, err := autoencoderArtifact(ae, int(t.cfg.TrainingWindow.Hours()))
		if err != nil {
			return nil, err
		}
		if err := t.store.PutModelArtifact(ctx, aeArt); err != nil {
			return nil, errors.Wrap(err, "persist autoencoder")
		}
		telemetry.TrainingRuns.WithLabelValues(ModelAutoencoder, "success").Inc()
		next.ae, next.aeVersion = ae, aeArt.Version
		log.Infof("detector: trained autoencoder v%d on %d sequences", aeArt.Version, len(sequences))
	} else {
		if current := t.ensemble.active.Load(); current != nil {
			next.ae, next.aeVersion = current.ae, current.aeVersion
		}
		telemetry.TrainingRuns.WithLabelValues(ModelAutoencoder, "skipped").Inc()
		log.Infof("detector: %d sequences below floor %d, keeping previous autoencoder",
			len(sequences), minSequences)
	}
	return next, nil
}
