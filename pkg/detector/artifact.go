// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package detector

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
)

// Model names as stored in the artifact table and reported on anomalies.
const (
	ModelForest      = "isolation_forest"
	ModelAutoencoder = "sequence_autoencoder"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// forestArtifact serializes a trained forest into a versionable artifact.
func forestArtifact(f *Forest, contamination float64, windowHours int) (*transit.ModelArtifact, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode forest")
	}
	return &transit.ModelArtifact{
		Name:      ModelForest,
		TrainedAt: time.Now().UTC(),
		Payload:   payload,
		Hyperparams: map[string]float64{
			"trees":         forestTrees,
			"subsample":     float64(f.Subsample),
			"contamination": contamination,
			"threshold":     f.Threshold,
		},
		TrainingWindowHours: windowHours,
	}, nil
}

func decodeForest(a *transit.ModelArtifact) (*Forest, error) {
	var f Forest
	if err := json.Unmarshal(a.Payload, &f); err != nil {
		return nil, errors.Wrapf(err, "decode forest artifact v%d", a.Version)
	}
	if len(f.Trees) == 0 || f.Scaler == nil {
		return nil, errors.Errorf("forest artifact v%d is empty", a.Version)
	}
	return &f, nil
}

// autoencoderArtifact serializes a trained sequence model.
func autoencoderArtifact(ae *Autoencoder, windowHours int) (*transit.ModelArtifact, error) {
	payload, err := json.Marshal(ae)
	if err != nil {
		return nil, errors.Wrap(err, "encode autoencoder")
	}
	return &transit.ModelArtifact{
		Name:      ModelAutoencoder,
		TrainedAt: time.Now().UTC(),
		Payload:   payload,
		Hyperparams: map[string]float64{
			"sequence_length": seqLen,
			"channels":        seqChannels,
			"hidden":          float64(seqLayerDims[1]),
			"bottleneck":      float64(seqLayerDims[3]),
			"p95":             ae.P95,
		},
		TrainingWindowHours: windowHours,
	}, nil
}

func decodeAutoencoder(a *transit.ModelArtifact) (*Autoencoder, error) {
	var ae Autoencoder
	if err := json.Unmarshal(a.Payload, &ae); err != nil {
		return nil, errors.Wrapf(err, "decode autoencoder artifact v%d", a.Version)
	}
	if len(ae.Layers) != len(seqLayerDims)-1 {
		return nil, errors.Errorf("autoencoder artifact v%d has wrong geometry", a.Version)
	}
	return &ae, nil
}
