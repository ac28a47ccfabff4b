package simulator

import (
	"spikecore/internal/builder"
	"spikecore/internal/cx"
	"spikecore/internal/emulator"
	"spikecore/internal/netgraph"
)

// ProbeData is a snapshot of one probe. Raw holds the core's integer
// samples and is empty for probes of host nodes. Values are in the units
// of the probed quantity.
type ProbeData struct {
	Label  string
	Attr   netgraph.ProbeAttr
	Target string
	Ticks  []int64
	Raw    [][]int32
	Values [][]float64
}

func (d ProbeData) Len() int { return len(d.Ticks) }

func (d ProbeData) clone() ProbeData {
	out := d
	out.Ticks = append([]int64(nil), d.Ticks...)
	if d.Raw != nil {
		out.Raw = make([][]int32, len(d.Raw))
		for i, r := range d.Raw {
			out.Raw[i] = append([]int32(nil), r...)
		}
	}
	out.Values = make([][]float64, len(d.Values))
	for i, v := range d.Values {
		out.Values[i] = append([]float64(nil), v...)
	}
	return out
}

type probeState struct {
	plan *builder.ProbePlan
	filt lowpass
	data ProbeData
}

func newProbeStates(plan *builder.HostPlan) []*probeState {
	out := make([]*probeState, len(plan.Probes))
	for i := range plan.Probes {
		p := &plan.Probes[i]
		out[i] = &probeState{
			plan: p,
			filt: newLowpass(p.Synapse, plan.Dt, p.Dims),
			data: ProbeData{Label: p.Label, Attr: p.Attr, Target: p.Target},
		}
	}
	return out
}

// record folds one tick into the probe. samples is indexed by model probe;
// values holds the host node outputs of the same tick.
func (p *probeState) record(t int64, model *cx.Model, samples [][]int32, values map[string][]float64) {
	plan := p.plan
	due := t%int64(plan.SampleEvery) == 0
	switch {
	case !plan.OnChip:
		y := p.filt.apply(values[plan.Target])
		if due {
			p.data.Ticks = append(p.data.Ticks, t)
			p.data.Values = append(p.data.Values, append([]float64(nil), y...))
		}
	case plan.Attr == netgraph.AttrDecoded:
		x := make([]float64, plan.Dims)
		var raw []int32
		for k, pi := range plan.Probes {
			decodeSpikes(samples[pi], model.Probes[pi].Weights, plan.Scales[k], x)
			raw = append(raw, samples[pi]...)
		}
		y := p.filt.apply(x)
		if due {
			p.data.Ticks = append(p.data.Ticks, t)
			p.data.Raw = append(p.data.Raw, raw)
			p.data.Values = append(p.data.Values, append([]float64(nil), y...))
		}
	default:
		if samples[plan.Probes[0]] == nil {
			return
		}
		raw := make([]int32, 0, plan.Dims)
		y := make([]float64, 0, plan.Dims)
		for k, pi := range plan.Probes {
			for _, v := range samples[pi] {
				raw = append(raw, v)
				y = append(y, float64(v)*plan.Scales[k])
			}
		}
		p.data.Ticks = append(p.data.Ticks, t)
		p.data.Raw = append(p.data.Raw, raw)
		p.data.Values = append(p.data.Values, y)
	}
}

// bySample indexes one tick's samples by model probe.
func bySample(out emulator.TickOutput, probes int) [][]int32 {
	samples := make([][]int32, probes)
	for _, s := range out.Samples {
		samples[s.Probe] = s.Values
	}
	return samples
}
