package builder

import (
	"fmt"
	"math"

	"spikecore/internal/cx"
	"spikecore/internal/emulator"
	"spikecore/internal/quant"
)

// Weight exponents are searched from the most to the least precise.
const (
	maxWgtExp = 7
	minWgtExp = -7
)

// discretize picks a voltage scale per group, quantizes neuron parameters
// and weight tables at that scale, and packs the axon tables.
func (b *build) discretize() error {
	tablesOf := make([][]int, len(b.model.Groups))
	for ti, t := range b.tables {
		tablesOf[t.group] = append(tablesOf[t.group], ti)
	}
	synapses := make([]cx.Synapses, len(b.tables))
	for gi := range b.model.Groups {
		if err := b.discretizeGroup(gi, tablesOf[gi], synapses); err != nil {
			return fmt.Errorf("group %s: %w", b.model.Groups[gi].Label, err)
		}
	}
	b.model.Synapses = synapses
	b.model.Axons, b.model.AxonIndex = cx.Flatten(b.axons)
	b.model.InputAxons, b.model.InputAxonIndex = cx.Flatten(b.inputAxons)
	return nil
}

func tableMax(t *pendingTable) float64 {
	var m float64
	for _, r := range t.rows {
		for _, w := range r.weights {
			m = math.Max(m, math.Abs(w))
		}
	}
	return m
}

func (b *build) discretizeGroup(gi int, tables []int, out []cx.Synapses) error {
	lim := b.limits
	g := &b.model.Groups[gi]
	info := &b.groups[gi]
	t := b.tunings[info.ens]
	e := t.ens

	wMax := 0.0
	for _, ti := range tables {
		wMax = math.Max(wMax, tableMax(b.tables[ti]))
	}
	bias := make([]float64, g.N)
	biasMax := 0.0
	for i := range bias {
		bias[i] = t.bias[info.start+i] * info.vScale
		biasMax = math.Max(biasMax, math.Abs(bias[i]))
	}

	scale, wgtExp := b.groupScale(wMax, biasMax)
	info.scale = scale

	vth, err := quant.VthManExp(quant.Round(scale), lim.VthMantBits, lim.VthExp)
	if err != nil {
		return err
	}
	if vth == 0 {
		return fmt.Errorf("%w: threshold scale %g rounds to zero", quant.ErrOverflow, scale)
	}
	refract := e.Neuron.RefractTicks(float32(lim.Dt))
	if refract > lim.RefractMax() {
		return &CapacityError{Resource: "refractory ticks", Location: g.Label, Need: int64(refract), Limit: int64(lim.RefractMax())}
	}

	decayU := quant.DecayConstant(info.synTau, lim.Dt, lim.DecayBits)
	decayV := quant.DecayConstant(float64(e.Neuron.DecayTau()), lim.Dt, lim.DecayBits)
	g.DecayU = make([]int32, g.N)
	g.DecayV = make([]int32, g.N)
	g.RefractDelay = make([]int32, g.N)
	g.Vth = make([]int32, g.N)
	g.Bias = make([]int32, g.N)
	g.Vmin = 0
	g.Vmax = int32(quant.Limit(lim.VoltageBits))
	g.Reset = cx.ResetZero
	for i := 0; i < g.N; i++ {
		g.DecayU[i] = decayU
		g.DecayV[i] = decayV
		g.RefractDelay[i] = int32(refract)
		g.Vth[i] = int32(vth << lim.VthExp)
		v, err := b.encodeBias(fmt.Sprintf("%s[%d] bias", e.Label, info.start+i), bias[i], scale)
		if err != nil {
			return err
		}
		g.Bias[i] = v
	}

	for _, ti := range tables {
		s, err := b.quantizeTable(b.tables[ti], wMax, wgtExp, scale)
		if err != nil {
			return err
		}
		out[ti] = s
	}
	return nil
}

// groupScale chooses the voltage units per unit threshold. With synapses it
// is the largest scale at which the biggest weight fills the mantissa and
// threshold and bias still fit. Without synapses only threshold and bias
// bound it.
func (b *build) groupScale(wMax, biasMax float64) (float64, int) {
	lim := b.limits
	vthMax := float64(lim.VthMax())
	biasLimit := float64(lim.BiasMax())
	if wMax == 0 {
		scale := vthMax / 2
		if biasMax*scale > biasLimit {
			scale = biasLimit / biasMax
		}
		return scale, 0
	}
	mantMax := float64(quant.Limit(lim.WeightBits))
	for exp := maxWgtExp; exp > minWgtExp; exp-- {
		scale := math.Ldexp(mantMax/wMax, emulator.WeightScaleBase+exp)
		if math.Round(scale) <= vthMax && biasMax*scale <= biasLimit {
			return scale, exp
		}
	}
	return math.Ldexp(mantMax/wMax, emulator.WeightScaleBase+minWgtExp), minWgtExp
}

func (b *build) encodeBias(label string, bias, scale float64) (int32, error) {
	lim := b.limits
	v := quant.Round(bias * scale)
	if limit := lim.BiasMax(); v > limit || v < -limit {
		clipped := min(max(v, -limit), limit)
		b.report.Add(quant.Overflow{Label: label, Value: bias * scale, Clipped: clipped})
		v = clipped
	}
	man, exp, err := quant.BiasManExp(v, lim.BiasMantMax(), lim.BiasExpMax())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", label, err)
	}
	return int32(man << exp), nil
}

// quantizeTable encodes a table's weights as mantissas. Tables with smaller
// weights than the group maximum get a lower exponent to keep precision.
func (b *build) quantizeTable(t *pendingTable, wMax float64, wgtExp int, scale float64) (cx.Synapses, error) {
	lim := b.limits
	exp := wgtExp
	if m := tableMax(t); m > 0 {
		exp -= int(math.Floor(math.Log2(wMax / m)))
	}
	exp = max(exp, minWgtExp)
	wScale := math.Ldexp(scale, -(emulator.WeightScaleBase + exp))

	format := quant.Signed(lim.WeightBits)
	negate := false
	switch t.sign {
	case cx.SignExcitatory:
		format = quant.Unsigned(lim.WeightBits - 1)
	case cx.SignInhibitory:
		format = quant.Unsigned(lim.WeightBits - 1)
		negate = true
	}

	s := cx.Synapses{Label: t.label, Group: t.group, Sign: t.sign, WgtExp: exp, Rows: make([]cx.Row, len(t.rows))}
	for ri, r := range t.rows {
		row := cx.Row{Indices: r.indices, Weights: make([]int32, len(r.weights))}
		for k, w := range r.weights {
			if negate {
				w = -w
			}
			label := fmt.Sprintf("%s row %d weight %d", t.label, ri, k)
			m, err := quant.QuantizeLabeled(label, w, wScale, format, b.report)
			if err != nil {
				return cx.Synapses{}, err
			}
			if negate {
				m = -m
			}
			row.Weights[k] = int32(m)
		}
		s.Rows[ri] = row
	}

	if l := t.learning; l != nil {
		s.Learning = &cx.Learning{
			TraceDecay:    quant.DecayConstant(l.preTau, lim.Dt, lim.DecayBits),
			TraceImpulse:  l.impulse,
			Shift:         lim.LearnShift,
			ErrorEncoders: l.encoders,
			ErrorScale:    l.scale * wScale,
			ErrorSource:   l.source,
		}
	}
	return s, nil
}
