package simulator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"spikecore/internal/builder"
	"spikecore/internal/cx"
	"spikecore/internal/emulator"
	"spikecore/internal/quant"
	"spikecore/internal/stimulus"
)

// lowpass is a first-order synapse discretized at the tick length. A zero
// time constant passes values through.
type lowpass struct {
	alpha float64
	y     []float64
}

func newLowpass(tau, dt float64, n int) lowpass {
	alpha := 1.0
	if tau > 0 {
		alpha = -math.Expm1(-dt / tau)
	}
	return lowpass{alpha: alpha, y: make([]float64, n)}
}

func (f *lowpass) apply(x []float64) []float64 {
	for i := range f.y {
		f.y[i] += f.alpha * (x[i] - f.y[i])
	}
	return f.y
}

func (f lowpass) clone() lowpass {
	return lowpass{alpha: f.alpha, y: append([]float64(nil), f.y...)}
}

// projection computes T·f(x).
type projection struct {
	fn        stimulus.Function
	transform *mat.Dense
	fx        []float64
	out       []float64
}

func newProjection(function string, transform [][]float64, in, dims int) (projection, error) {
	fn, err := stimulus.ResolveFunction(function)
	if err != nil {
		return projection{}, err
	}
	width, err := fn.OutDims(in)
	if err != nil {
		return projection{}, fmt.Errorf("function %s: %w", fn.Name, err)
	}
	p := projection{fn: fn, fx: make([]float64, width), out: make([]float64, dims)}
	if transform != nil {
		p.transform = mat.NewDense(dims, width, nil)
		for i, row := range transform {
			p.transform.SetRow(i, row)
		}
	} else if width != dims {
		return projection{}, fmt.Errorf("function %s emits %d values, want %d", fn.Name, width, dims)
	}
	return p, nil
}

func (p *projection) apply(x []float64) []float64 {
	p.fn.Apply(x, p.fx)
	if p.transform == nil {
		copy(p.out, p.fx)
		return p.out
	}
	out := mat.NewVecDense(len(p.out), p.out)
	out.MulVec(p.transform, mat.NewVecDense(len(p.fx), p.fx))
	return p.out
}

func (p projection) clone() projection {
	p.fx = append([]float64(nil), p.fx...)
	p.out = append([]float64(nil), p.out...)
	return p
}

type linkState struct {
	link *builder.Link
	proj projection
	filt lowpass
}

type receiverState struct {
	recv *builder.Receiver
	filt lowpass
}

type inputState struct {
	in   *builder.HostInput
	proj projection
	// acc holds the fractional spike count of each on/off line.
	acc []float64
}

// host is everything evaluated off the core. It is a pure function of the
// tick number and the core outputs it has seen, so a copy can run ahead of
// the core when inputs do not depend on outputs.
type host struct {
	plan  *builder.HostPlan
	model *cx.Model

	procs     map[string]stimulus.Process
	values    map[string][]float64
	links     []linkState
	receivers []receiverState
	inputs    []inputState

	errorFormat quant.Format
	errorClips  int64
}

func newHost(plan *builder.HostPlan, model *cx.Model) (*host, error) {
	h := &host{
		plan:        plan,
		model:       model,
		procs:       make(map[string]stimulus.Process),
		values:      make(map[string][]float64, len(plan.Nodes)),
		errorFormat: quant.Signed(model.Limits.ErrorBits),
	}
	for _, n := range plan.Nodes {
		size := n.SizeIn
		if n.Stimulus != nil {
			proc, err := stimulus.ResolveStimulus(*n.Stimulus, n.SizeOut)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", n.Label, err)
			}
			h.procs[n.Label] = proc
			size = n.SizeOut
		}
		h.values[n.Label] = make([]float64, size)
	}
	for i := range plan.Links {
		l := &plan.Links[i]
		post, _ := plan.Node(l.Post)
		proj, err := newProjection(l.Function, l.Transform, len(h.values[l.Pre]), post.SizeIn)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", l.Label, err)
		}
		h.links = append(h.links, linkState{link: l, proj: proj, filt: newLowpass(l.Synapse, plan.Dt, len(proj.out))})
	}
	for i := range plan.Receivers {
		r := &plan.Receivers[i]
		h.receivers = append(h.receivers, receiverState{recv: r, filt: newLowpass(r.Synapse, plan.Dt, r.Dims)})
	}
	for i := range plan.Inputs {
		in := &plan.Inputs[i]
		proj, err := newProjection(in.Function, in.Transform, len(h.values[in.Source]), in.Dims)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.Label, err)
		}
		h.inputs = append(h.inputs, inputState{in: in, proj: proj, acc: make([]float64, 2*in.Dims)})
	}
	return h, nil
}

func (h *host) clone() *host {
	c := *h
	c.values = make(map[string][]float64, len(h.values))
	for k, v := range h.values {
		c.values[k] = append([]float64(nil), v...)
	}
	c.links = make([]linkState, len(h.links))
	for i, l := range h.links {
		c.links[i] = linkState{link: l.link, proj: l.proj.clone(), filt: l.filt.clone()}
	}
	c.receivers = make([]receiverState, len(h.receivers))
	for i, r := range h.receivers {
		c.receivers[i] = receiverState{recv: r.recv, filt: r.filt.clone()}
	}
	c.inputs = make([]inputState, len(h.inputs))
	for i, in := range h.inputs {
		c.inputs[i] = inputState{in: in.in, proj: in.proj.clone(), acc: append([]float64(nil), in.acc...)}
	}
	return &c
}

// tick evaluates the host for tick t. prev holds the samples the core
// produced on the previous tick, indexed by model probe.
func (h *host) tick(t int64, prev [][]int32) (emulator.TickInput, error) {
	dt := h.plan.Dt
	h.receive(prev)

	now := float64(t) * dt
	for _, n := range h.plan.Nodes {
		out := h.values[n.Label]
		if proc, ok := h.procs[n.Label]; ok {
			proc.Output(now, out)
			continue
		}
		clear(out)
		for i := range h.links {
			l := &h.links[i]
			if l.link.Post != n.Label {
				continue
			}
			y := l.filt.apply(l.proj.apply(h.values[l.link.Pre]))
			for k := range out {
				out[k] += y[k]
			}
		}
		for _, r := range h.receivers {
			if r.recv.Post != n.Label {
				continue
			}
			for k := range out {
				out[k] += r.filt.y[k]
			}
		}
	}

	var in emulator.TickInput
	for i := range h.inputs {
		s := &h.inputs[i]
		y := s.proj.apply(h.values[s.in.Source])
		for k, v := range y {
			v = math.Max(-1, math.Min(1, v))
			half := s.in.Rate / 2
			for j, rate := range [2]float64{half * (1 + v), half * (1 - v)} {
				a := &s.acc[2*k+j]
				*a += rate * dt
				if *a >= 1 {
					*a--
					in.Spikes = append(in.Spikes, int32(s.in.Line+2*k+j))
				}
			}
		}
	}

	for _, route := range h.plan.Errors {
		ev, err := h.errorVector(route)
		if err != nil {
			return emulator.TickInput{}, err
		}
		in.Errors = append(in.Errors, ev)
	}
	return in, nil
}

// receive decodes the previous tick's spikes into receiver inputs.
func (h *host) receive(prev [][]int32) {
	scale := 1 / h.plan.Dt
	for i := range h.receivers {
		r := &h.receivers[i]
		x := make([]float64, r.recv.Dims)
		if prev != nil {
			for _, pi := range r.recv.Probes {
				decodeSpikes(prev[pi], h.model.Probes[pi].Weights, scale, x)
			}
		}
		r.filt.apply(x)
	}
}

// decodeSpikes adds scale·Σ s_i·W_i to out.
func decodeSpikes(spikes []int32, weights [][]float64, scale float64, out []float64) {
	for i, s := range spikes {
		if s == 0 {
			continue
		}
		for k, w := range weights[i] {
			out[k] += scale * float64(s) * w
		}
	}
}

// errorVector projects the error node's value onto the compartments of a
// learning table and quantizes it to the link width.
func (h *host) errorVector(route builder.ErrorRoute) (emulator.ErrorVector, error) {
	l := h.model.Synapses[route.Synapses].Learning
	e := h.values[route.Source]
	values := make([]int32, len(l.ErrorEncoders))
	for i, enc := range l.ErrorEncoders {
		var dot float64
		for k, v := range enc {
			dot += v * e[k]
		}
		res, err := quant.Quantize(dot, l.ErrorScale, h.errorFormat)
		if err != nil {
			return emulator.ErrorVector{}, fmt.Errorf("error for %s: %w", h.model.Synapses[route.Synapses].Label, err)
		}
		if res.Clipped {
			h.errorClips++
		}
		values[i] = int32(res.Value)
	}
	return emulator.ErrorVector{Synapses: int32(route.Synapses), Values: values}, nil
}
