// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package detector

import (
	"math"
	"math/rand"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/pkg/errors"
)

// Isolation forest hyperparameters. Anomalous observations isolate in few
// random splits, so their expected path length through the trees is short.
const (
	forestTrees     = 100
	forestSubsample = 256
)

// forestNode is one node of an isolation tree, stored flat so the whole
// model serializes without pointer chasing. Leaf nodes carry Size; internal
// nodes carry the split and child indices.
type forestNode struct {
	SplitDim int     `json:"d"`
	SplitVal float64 `json:"v"`
	Left     int     `json:"l"`
	Right    int     `json:"r"`
	Size     int     `json:"n"`
	Leaf     bool    `json:"leaf"`
}

type isolationTree struct {
	Nodes []forestNode `json:"nodes"`
}

// Forest is a trained isolation forest plus the input scaler and the score
// threshold fitted on the training distribution.
type Forest struct {
	Trees     []isolationTree `json:"trees"`
	Scaler    *scaler         `json:"scaler"`
	Subsample int             `json:"subsample"`
	Threshold float64         `json:"threshold"`
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search over n points. Normalizes raw path lengths into scores.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	f := float64(n)
	return 2*(math.Log(f-1)+0.5772156649) - 2*(f-1)/f
}

// TrainForest fits a forest on raw (unscaled) vectors and derives the
// anomaly threshold as the (1-contamination) quantile of training scores.
func TrainForest(rows [][featureDim]float64, contamination float64, rng *rand.Rand) (*Forest, error) {
	if len(rows) < 2 {
		return nil, errors.New("not enough observations to train isolation forest")
	}

	sc := fitScaler(rows)
	scaled := make([][featureDim]float64, len(rows))
	for i, r := range rows {
		scaled[i] = sc.transform(r)
	}

	sub := forestSubsample
	if sub > len(scaled) {
		sub = len(scaled)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sub)))) + 1

	f := &Forest{
		Trees:     make([]isolationTree, forestTrees),
		Scaler:    sc,
		Subsample: sub,
	}
	for t := range f.Trees {
		sample := make([][featureDim]float64, sub)
		for i := range sample {
			sample[i] = scaled[rng.Intn(len(scaled))]
		}
		f.Trees[t].Nodes = buildTree(sample, 0, maxDepth, rng, nil)
	}

	// Threshold from the training score distribution: observations above
	// the (1-contamination) quantile are flagged at inference time.
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, errors.Wrap(err, "score sketch")
	}
	for i := range rows {
		sketch.Add(f.Score(rows[i])) //nolint:errcheck
	}
	f.Threshold, err = sketch.GetValueAtQuantile(1 - contamination)
	if err != nil {
		return nil, errors.Wrap(err, "fit threshold")
	}
	return f, nil
}

// buildTree appends nodes depth-first and returns the node slice. The
// return index convention is that a subtree's root is the first appended
// node.
func buildTree(rows [][featureDim]float64, depth, maxDepth int, rng *rand.Rand, nodes []forestNode) []forestNode {
	if depth >= maxDepth || len(rows) <= 1 || allIdentical(rows) {
		return append(nodes, forestNode{Leaf: true, Size: len(rows)})
	}

	// Pick a dimension that still varies within this partition.
	dim, lo, hi := -1, 0.0, 0.0
	for _, d := range rng.Perm(featureDim) {
		dlo, dhi := rows[0][d], rows[0][d]
		for _, r := range rows[1:] {
			if r[d] < dlo {
				dlo = r[d]
			}
			if r[d] > dhi {
				dhi = r[d]
			}
		}
		if dhi > dlo {
			dim, lo, hi = d, dlo, dhi
			break
		}
	}
	if dim < 0 {
		return append(nodes, forestNode{Leaf: true, Size: len(rows)})
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][featureDim]float64
	for _, r := range rows {
		if r[dim] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	self := len(nodes)
	nodes = append(nodes, forestNode{SplitDim: dim, SplitVal: split})
	nodes[self].Left = len(nodes)
	nodes = buildTree(left, depth+1, maxDepth, rng, nodes)
	nodes[self].Right = len(nodes)
	return buildTree(right, depth+1, maxDepth, rng, nodes)
}

func allIdentical(rows [][featureDim]float64) bool {
	for _, r := range rows[1:] {
		if r != rows[0] {
			return false
		}
	}
	return true
}

// pathLength walks one tree for a scaled vector.
func (t *isolationTree) pathLength(v [featureDim]float64) float64 {
	idx, depth := 0, 0
	for {
		node := &t.Nodes[idx]
		if node.Leaf {
			return float64(depth) + avgPathLength(node.Size)
		}
		if v[node.SplitDim] < node.SplitVal {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
}

// Score maps a raw vector to (0,1). Values near 1 isolate quickly and are
// anomalous; values near 0.5 and below are unremarkable.
func (f *Forest) Score(v [featureDim]float64) float64 {
	scaled := f.Scaler.transform(v)
	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(scaled)
	}
	mean := total / float64(len(f.Trees))
	return math.Pow(2, -mean/avgPathLength(f.Subsample))
}

// Severity rescales a score against the fitted threshold into [0,1].
// Scores at the threshold map to 0; a perfect isolate maps to 1.
func (f *Forest) Severity(score float64) float64 {
	if f.Threshold >= 1 {
		return 0
	}
	s := (score - f.Threshold) / (1 - f.Threshold)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
