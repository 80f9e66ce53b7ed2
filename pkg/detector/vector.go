// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package detector

import (
	"math"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
)

// featureDim is the width of the per-observation vector scored by the
// isolation forest.
const featureDim = 7

// Vector layout indices.
const (
	fHeadway = iota
	fDwell
	fDelay
	fHeadwayZ
	fDwellZ
	fHour
	fRush
)

// featureNames maps vector indices to the names surfaced in anomaly context.
var featureNames = [featureDim]string{
	"headway_s", "dwell_s", "delay_s", "headway_z", "dwell_z", "hour", "rush_hour",
}

// frameVector flattens a feature frame. Missing headway, dwell or delay read
// as zero, which the scaler's training distribution absorbs.
func frameVector(f *transit.FeatureFrame) [featureDim]float64 {
	var v [featureDim]float64
	if f.HeadwayS != nil {
		v[fHeadway] = *f.HeadwayS
	}
	if f.DwellS != nil {
		v[fDwell] = *f.DwellS
	}
	if f.DelayS != nil {
		v[fDelay] = *f.DelayS
	}
	v[fHeadwayZ] = f.HeadwayZ
	v[fDwellZ] = f.DwellZ
	v[fHour] = float64(f.Hour)
	if f.RushHour {
		v[fRush] = 1
	}
	return v
}

// scaler standardizes vectors with the training distribution's moments.
type scaler struct {
	Mean  [featureDim]float64 `json:"mean"`
	Stdev [featureDim]float64 `json:"stdev"`
}

// fitScaler computes per-dimension mean and standard deviation.
func fitScaler(rows [][featureDim]float64) *scaler {
	s := &scaler{}
	if len(rows) == 0 {
		return s
	}
	n := float64(len(rows))
	for _, r := range rows {
		for d := 0; d < featureDim; d++ {
			s.Mean[d] += r[d]
		}
	}
	for d := 0; d < featureDim; d++ {
		s.Mean[d] /= n
	}
	for _, r := range rows {
		for d := 0; d < featureDim; d++ {
			diff := r[d] - s.Mean[d]
			s.Stdev[d] += diff * diff
		}
	}
	for d := 0; d < featureDim; d++ {
		s.Stdev[d] = math.Sqrt(s.Stdev[d] / n)
	}
	return s
}

// transform standardizes one vector in place. Constant dimensions pass
// through centered.
func (s *scaler) transform(v [featureDim]float64) [featureDim]float64 {
	for d := 0; d < featureDim; d++ {
		v[d] -= s.Mean[d]
		if s.Stdev[d] > 0 {
			v[d] /= s.Stdev[d]
		}
	}
	return v
}
