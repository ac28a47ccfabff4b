// Package neurons holds the tuning curves of the neuron types a core can
// run, discretized the way the core integrates them.
package neurons

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
)

type Kind string

const (
	LIF         Kind = "lif"
	SpikingReLU Kind = "spiking_relu"
	// NIF is the non-leaky integrator used to encode host values as spikes.
	NIF Kind = "nif"
)

var (
	ErrUnknownKind = errors.New("unknown neuron kind")
	ErrRate        = errors.New("max rate not reachable")
)

type Params struct {
	Kind   Kind    `json:"kind"`
	TauRC  float32 `json:"tau_rc,omitempty"`
	TauRef float32 `json:"tau_ref,omitempty"`
}

func DefaultLIF() Params {
	return Params{Kind: LIF, TauRC: 0.02, TauRef: 0.002}
}

func ParseKind(name string) (Kind, error) {
	switch Kind(name) {
	case LIF, SpikingReLU, NIF:
		return Kind(name), nil
	case "":
		return LIF, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, name)
	}
}

// GainBias solves for the gain and bias that place a neuron's firing
// threshold at intercept and its rate at x=1 at maxRate.
func (p Params) GainBias(maxRate, intercept float32) (gain, bias float32, err error) {
	if intercept >= 1 {
		return 0, 0, fmt.Errorf("%w: intercept %g must be < 1", ErrRate, intercept)
	}
	if maxRate <= 0 {
		return 0, 0, fmt.Errorf("%w: max rate %g must be > 0", ErrRate, maxRate)
	}
	switch p.Kind {
	case LIF:
		if p.TauRef > 0 && maxRate >= 1/p.TauRef {
			return 0, 0, fmt.Errorf("%w: max rate %g exceeds 1/tau_ref", ErrRate, maxRate)
		}
		x := 1 / (1 - math32.Exp((p.TauRef-1/maxRate)/p.TauRC))
		gain = (1 - x) / (intercept - 1)
		bias = 1 - gain*intercept
	case SpikingReLU:
		gain = maxRate / (1 - intercept)
		bias = -intercept * gain
	case NIF:
		if p.TauRef > 0 && maxRate >= 1/p.TauRef {
			return 0, 0, fmt.Errorf("%w: max rate %g exceeds 1/tau_ref", ErrRate, maxRate)
		}
		x := 1 / (1/maxRate - p.TauRef)
		gain = x / (1 - intercept)
		bias = 1 - gain*intercept
	default:
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownKind, p.Kind)
	}
	return gain, bias, nil
}

// RefractTicks is the refractory period rounded to whole ticks.
func (p Params) RefractTicks(dt float32) int {
	return int(math32.Floor(p.TauRef/dt + 0.5))
}

// Rate is the firing rate the core produces for input current j. The core
// can only fire on tick boundaries, so periods round up to whole ticks.
func (p Params) Rate(j, dt float32) float32 {
	switch p.Kind {
	case LIF:
		j--
		if j <= 0 {
			return 0
		}
		tauRef := dt * float32(p.RefractTicks(dt))
		period := tauRef + p.TauRC*math32.Log1p(1/j)
		return 1 / (dt * math32.Ceil(period/dt))
	case SpikingReLU:
		if j <= 0 {
			return 0
		}
		return 1 / (dt * math32.Ceil(1/(j*dt)))
	case NIF:
		j--
		if j <= 0 {
			return 0
		}
		return 1 / (p.TauRef + 1/j)
	}
	return 0
}

// Rates evaluates Rate for every neuron at every point. xs holds the
// projected inputs (encoder · eval point), one row per eval point.
func (p Params) Rates(xs [][]float32, gain, bias []float32, dt float32) [][]float32 {
	out := make([][]float32, len(xs))
	for i, row := range xs {
		out[i] = make([]float32, len(row))
		for k, x := range row {
			out[i][k] = p.Rate(gain[k]*x+bias[k], dt)
		}
	}
	return out
}

// VoltageScale converts a current into the per-tick voltage increment for
// this neuron kind: the LIF decay fraction, or dt for integrators.
func (p Params) VoltageScale(dt float32) float32 {
	if p.Kind == LIF && p.TauRC > 0 {
		return -math32.Expm1(-dt / p.TauRC)
	}
	return dt
}

// DecayTau is the membrane time constant the core decays voltage with.
// Integrators do not decay.
func (p Params) DecayTau() float32 {
	if p.Kind == LIF {
		return p.TauRC
	}
	return math32.Inf(1)
}
