// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package detector

import (
	"math"
	"math/rand"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/pkg/errors"
)

// Sequence model geometry. A sequence is seqLen aggregated steps of
// seqChannels values each, flattened into one input vector; the bottleneck
// forces the network to learn the normal temporal shape, so sequences it
// cannot reconstruct are anomalous.
const (
	seqLen      = 24
	seqChannels = 3
	seqInputDim = seqLen * seqChannels
)

// Autoencoder layer widths, symmetric around the bottleneck.
var seqLayerDims = []int{seqInputDim, 128, 64, 32, 64, 128, seqInputDim}

// Training hyperparameters.
const (
	seqEpochs       = 30
	seqLearningRate = 0.005
)

// denseLayer is one fully connected layer with tanh activation, except the
// output layer which stays linear.
type denseLayer struct {
	In      int       `json:"in"`
	Out     int       `json:"out"`
	Weights []float64 `json:"w"` // row-major, Out x In
	Bias    []float64 `json:"b"`
}

// Autoencoder is the trained sequence model: the network, the per-channel
// normalization moments, and the reconstruction-error quantiles fitted on
// the training set.
type Autoencoder struct {
	Layers []denseLayer `json:"layers"`

	// Per-channel normalization over training sequences.
	ChannelMean  [seqChannels]float64 `json:"channel_mean"`
	ChannelStdev [seqChannels]float64 `json:"channel_stdev"`

	// Reconstruction-error landmarks. Sequences above P95 are anomalous;
	// severity interpolates between P50 and P99.
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

func newLayer(in, out int, rng *rand.Rand) denseLayer {
	l := denseLayer{
		In:      in,
		Out:     out,
		Weights: make([]float64, in*out),
		Bias:    make([]float64, out),
	}
	// Xavier-style init keeps tanh activations in their linear region.
	scale := math.Sqrt(2.0 / float64(in+out))
	for i := range l.Weights {
		l.Weights[i] = rng.NormFloat64() * scale
	}
	return l
}

// forward computes one layer's activations, returning pre-activation sums
// as well so backprop can reuse them.
func (l *denseLayer) forward(in []float64, linear bool) (out, pre []float64) {
	pre = make([]float64, l.Out)
	out = make([]float64, l.Out)
	for o := 0; o < l.Out; o++ {
		sum := l.Bias[o]
		row := l.Weights[o*l.In : (o+1)*l.In]
		for i, v := range in {
			sum += row[i] * v
		}
		pre[o] = sum
		if linear {
			out[o] = sum
		} else {
			out[o] = math.Tanh(sum)
		}
	}
	return out, pre
}

// TrainAutoencoder fits the network with plain SGD on mean squared
// reconstruction error, then fixes the error quantiles on the training set.
func TrainAutoencoder(sequences [][seqInputDim]float64, rng *rand.Rand) (*Autoencoder, error) {
	if len(sequences) < 2 {
		return nil, errors.New("not enough sequences to train autoencoder")
	}

	ae := &Autoencoder{}
	ae.fitChannels(sequences)

	normalized := make([][]float64, len(sequences))
	for i := range sequences {
		normalized[i] = ae.normalize(sequences[i])
	}

	ae.Layers = make([]denseLayer, len(seqLayerDims)-1)
	for i := range ae.Layers {
		ae.Layers[i] = newLayer(seqLayerDims[i], seqLayerDims[i+1], rng)
	}

	order := make([]int, len(normalized))
	for i := range order {
		order[i] = i
	}
	for epoch := 0; epoch < seqEpochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, idx := range order {
			ae.sgdStep(normalized[idx], seqLearningRate)
		}
	}

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, errors.Wrap(err, "error sketch")
	}
	for _, x := range normalized {
		sketch.Add(ae.reconstructionError(x) + 1e-12) //nolint:errcheck
	}
	if ae.P50, err = sketch.GetValueAtQuantile(0.50); err != nil {
		return nil, errors.Wrap(err, "fit p50")
	}
	if ae.P95, err = sketch.GetValueAtQuantile(0.95); err != nil {
		return nil, errors.Wrap(err, "fit p95")
	}
	if ae.P99, err = sketch.GetValueAtQuantile(0.99); err != nil {
		return nil, errors.Wrap(err, "fit p99")
	}
	return ae, nil
}

func (ae *Autoencoder) fitChannels(sequences [][seqInputDim]float64) {
	n := float64(len(sequences) * seqLen)
	for _, seq := range sequences {
		for i, v := range seq {
			ae.ChannelMean[i%seqChannels] += v / n
		}
	}
	for _, seq := range sequences {
		for i, v := range seq {
			diff := v - ae.ChannelMean[i%seqChannels]
			ae.ChannelStdev[i%seqChannels] += diff * diff / n
		}
	}
	for c := range ae.ChannelStdev {
		ae.ChannelStdev[c] = math.Sqrt(ae.ChannelStdev[c])
		if ae.ChannelStdev[c] == 0 {
			ae.ChannelStdev[c] = 1
		}
	}
}

func (ae *Autoencoder) normalize(seq [seqInputDim]float64) []float64 {
	out := make([]float64, seqInputDim)
	for i, v := range seq {
		c := i % seqChannels
		out[i] = (v - ae.ChannelMean[c]) / ae.ChannelStdev[c]
	}
	return out
}

// sgdStep runs forward and backward passes for one normalized sequence.
func (ae *Autoencoder) sgdStep(x []float64, lr float64) {
	last := len(ae.Layers) - 1
	activations := make([][]float64, len(ae.Layers)+1)
	activations[0] = x
	for i := range ae.Layers {
		activations[i+1], _ = ae.Layers[i].forward(activations[i], i == last)
	}

	// Output delta for MSE with a linear output layer.
	delta := make([]float64, seqInputDim)
	for i := range delta {
		delta[i] = 2 * (activations[last+1][i] - x[i]) / seqInputDim
	}

	for li := last; li >= 0; li-- {
		l := &ae.Layers[li]
		in := activations[li]

		var next []float64
		if li > 0 {
			next = make([]float64, l.In)
			for o := 0; o < l.Out; o++ {
				row := l.Weights[o*l.In : (o+1)*l.In]
				for i := range next {
					next[i] += row[i] * delta[o]
				}
			}
			// tanh derivative through the previous layer's activation.
			for i := range next {
				a := in[i]
				next[i] *= 1 - a*a
			}
		}

		for o := 0; o < l.Out; o++ {
			row := l.Weights[o*l.In : (o+1)*l.In]
			for i, v := range in {
				row[i] -= lr * delta[o] * v
			}
			l.Bias[o] -= lr * delta[o]
		}
		delta = next
	}
}

// reconstructionError is the MSE between a normalized sequence and its
// reconstruction.
func (ae *Autoencoder) reconstructionError(x []float64) float64 {
	last := len(ae.Layers) - 1
	out := x
	for i := range ae.Layers {
		out, _ = ae.Layers[i].forward(out, i == last)
	}
	var sum float64
	for i := range x {
		diff := out[i] - x[i]
		sum += diff * diff
	}
	return sum / float64(len(x))
}

// Score evaluates one raw sequence. anomalous is true when the error clears
// the fitted P95; severity interpolates the error between P50 and P99.
func (ae *Autoencoder) Score(seq [seqInputDim]float64) (severity float64, anomalous bool) {
	err := ae.reconstructionError(ae.normalize(seq))
	if err <= ae.P95 {
		return 0, false
	}
	span := ae.P99 - ae.P50
	if span <= 0 {
		return 1, true
	}
	s := (err - ae.P50) / span
	if s > 1 {
		s = 1
	}
	if s < 0 {
		s = 0
	}
	return s, true
}
