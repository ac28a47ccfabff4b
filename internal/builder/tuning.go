package builder

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"spikecore/internal/decoders"
	"spikecore/internal/netgraph"
	"spikecore/internal/stimulus"
)

// tuning is the sampled encoding of one ensemble and its decoders.
type tuning struct {
	ens      *netgraph.Ensemble
	gain     []float64
	bias     []float64
	encoders [][]float64
	evals    [][]float64
	acts     [][]float64
	maxRate  float64
	decoders map[decoderKey]*mat.Dense
}

type decoderKey struct {
	function string
	reg      float64
}

func (b *build) tuneEnsembles() error {
	b.tunings = make(map[string]*tuning, len(b.net.Ensembles))
	for i := range b.net.Ensembles {
		e := &b.net.Ensembles[i]
		seed := b.net.Seed + int64(i) + 1
		if e.Seed != nil {
			seed = *e.Seed
		}
		t, err := tune(e, seed, b.limits.Dt, b.opts.EvalPoints)
		if err != nil {
			return fmt.Errorf("ensemble %s: %w", e.Label, err)
		}
		b.tunings[e.Label] = t
	}
	return nil
}

func evalPointCount(n, dims int) int {
	m := min(max(500*dims, 750), 2500)
	return max(m, 2*n)
}

func sample(rng *rand.Rand, d *netgraph.Dist, n int) []float64 {
	if d.Values != nil {
		return append([]float64(nil), d.Values...)
	}
	return decoders.Uniform(rng, n, d.Low, d.High)
}

func tune(e *netgraph.Ensemble, seed int64, dt float64, evalPoints int) (*tuning, error) {
	rng := rand.New(rand.NewSource(seed))
	t := &tuning{ens: e, decoders: make(map[decoderKey]*mat.Dense)}

	if e.Gain != nil {
		t.gain = append([]float64(nil), e.Gain...)
		t.bias = append([]float64(nil), e.Bias...)
	} else {
		rates := sample(rng, e.MaxRates, e.N)
		intercepts := sample(rng, e.Intercepts, e.N)
		t.gain = make([]float64, e.N)
		t.bias = make([]float64, e.N)
		for i := 0; i < e.N; i++ {
			g, bias, err := e.Neuron.GainBias(float32(rates[i]), float32(intercepts[i]))
			if err != nil {
				return nil, fmt.Errorf("neuron %d: %w", i, err)
			}
			t.gain[i], t.bias[i] = float64(g), float64(bias)
		}
	}

	if e.Encoders != nil {
		t.encoders = make([][]float64, e.N)
		for i, row := range e.Encoders {
			t.encoders[i] = normalized(row)
		}
	} else {
		t.encoders = decoders.UnitVectors(rng, e.N, e.Dimensions)
	}

	if evalPoints <= 0 {
		evalPoints = evalPointCount(e.N, e.Dimensions)
	}
	t.evals = decoders.BallPoints(rng, evalPoints, e.Dimensions)
	t.acts = make([][]float64, evalPoints)
	for k, x := range t.evals {
		row := make([]float64, e.N)
		for i := range row {
			row[i] = float64(e.Neuron.Rate(float32(t.gain[i]*dot(t.encoders[i], x)+t.bias[i]), float32(dt)))
			t.maxRate = math.Max(t.maxRate, row[i])
		}
		t.acts[k] = row
	}
	return t, nil
}

// decode returns the N×width decoders of function on this ensemble.
func (t *tuning) decode(function string, reg float64) (*mat.Dense, error) {
	if reg <= 0 {
		reg = decoders.DefaultReg
	}
	key := decoderKey{function: function, reg: reg}
	if d, ok := t.decoders[key]; ok {
		return d, nil
	}
	fn, err := stimulus.ResolveFunction(function)
	if err != nil {
		return nil, err
	}
	width, err := fn.OutDims(t.ens.Dimensions)
	if err != nil {
		return nil, err
	}
	targets := make([][]float64, len(t.evals))
	for k, x := range t.evals {
		targets[k] = make([]float64, width)
		fn.Apply(x, targets[k])
	}
	d, err := decoders.Solve(t.acts, targets, reg)
	if err != nil {
		return nil, err
	}
	t.decoders[key] = d
	return d, nil
}

// encoding is diag(gain)·E, the map from decoded space to input current.
func (t *tuning) encoding() *mat.Dense {
	out := mat.NewDense(t.ens.N, t.ens.Dimensions, nil)
	for i, enc := range t.encoders {
		for k, v := range enc {
			out.Set(i, k, t.gain[i]*v)
		}
	}
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func normalized(v []float64) []float64 {
	out := append([]float64(nil), v...)
	norm := math.Sqrt(dot(v, v))
	if norm == 0 {
		return out
	}
	for i := range out {
		out[i] /= norm
	}
	return out
}
