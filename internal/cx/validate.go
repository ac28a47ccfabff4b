package cx

import (
	"errors"
	"fmt"

	"spikecore/internal/quant"
)

var ErrMalformed = errors.New("malformed model")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Flatten packs per-source axon lists into one table and its index.
func Flatten(lists [][]Axon) ([]Axon, []int32) {
	index := make([]int32, len(lists)+1)
	total := 0
	for i, l := range lists {
		index[i] = int32(total)
		total += len(l)
	}
	index[len(lists)] = int32(total)
	axons := make([]Axon, 0, total)
	for _, l := range lists {
		axons = append(axons, l...)
	}
	return axons, index
}

// WeightRange is the mantissa range of a table.
func (m *Model) WeightRange(s *Synapses) (lo, hi int32) {
	limit := int32(quant.Limit(m.Limits.WeightBits))
	switch s.Sign {
	case SignExcitatory:
		return 0, limit
	case SignInhibitory:
		return -limit, 0
	}
	return -limit, limit
}

// Check verifies that every index in the model is in range. A model that
// passes can be stepped without bounds failures.
func (m *Model) Check() error {
	if err := m.Limits.Validate(); err != nil {
		return err
	}
	offset := 0
	for gi, g := range m.Groups {
		if g.Offset != offset {
			return malformed("group %d offset %d, want %d", gi, g.Offset, offset)
		}
		for _, s := range [][]int32{g.DecayU, g.DecayV, g.RefractDelay, g.Vth, g.Bias} {
			if len(s) != g.N {
				return malformed("group %s parameter length %d, want %d", g.Label, len(s), g.N)
			}
		}
		if g.Vmin > g.Vmax {
			return malformed("group %s vmin > vmax", g.Label)
		}
		offset += g.N
	}
	n := offset

	for si := range m.Synapses {
		s := &m.Synapses[si]
		if s.Group < 0 || s.Group >= len(m.Groups) {
			return malformed("synapses %s target group %d", s.Label, s.Group)
		}
		size := int32(m.Groups[s.Group].N)
		lo, hi := m.WeightRange(s)
		for ri, r := range s.Rows {
			if len(r.Indices) != len(r.Weights) {
				return malformed("synapses %s row %d has %d indices and %d weights", s.Label, ri, len(r.Indices), len(r.Weights))
			}
			for k, idx := range r.Indices {
				if idx < 0 || idx >= size {
					return malformed("synapses %s row %d index %d out of range", s.Label, ri, idx)
				}
				if w := r.Weights[k]; w < lo || w > hi {
					return malformed("synapses %s row %d weight %d outside [%d, %d]", s.Label, ri, w, lo, hi)
				}
			}
		}
		if s.Learning != nil && s.Learning.Shift < 0 {
			return malformed("synapses %s learning shift %d", s.Label, s.Learning.Shift)
		}
	}

	if err := m.checkAxons("compartment", m.Axons, m.AxonIndex, n); err != nil {
		return err
	}
	lines := 0
	for _, in := range m.Inputs {
		if in.Offset != lines {
			return malformed("input %s offset %d, want %d", in.Label, in.Offset, lines)
		}
		lines += in.N
	}
	if err := m.checkAxons("input", m.InputAxons, m.InputAxonIndex, lines); err != nil {
		return err
	}

	for _, p := range m.Probes {
		if p.Group < 0 || p.Group >= len(m.Groups) {
			return malformed("probe %s group %d", p.Label, p.Group)
		}
		if p.Start < 0 || p.Stop > m.Groups[p.Group].N || p.Start >= p.Stop {
			return malformed("probe %s slice [%d, %d)", p.Label, p.Start, p.Stop)
		}
		if p.SampleEvery <= 0 {
			return malformed("probe %s sample period %d", p.Label, p.SampleEvery)
		}
		if p.Weights != nil && len(p.Weights) != p.Width() {
			return malformed("probe %s has %d decode rows for %d compartments", p.Label, len(p.Weights), p.Width())
		}
	}
	return nil
}

func (m *Model) checkAxons(kind string, axons []Axon, index []int32, sources int) error {
	if len(index) != sources+1 {
		return malformed("%s axon index has %d entries for %d sources", kind, len(index), sources)
	}
	if index[0] != 0 || int(index[sources]) != len(axons) {
		return malformed("%s axon index does not span the axon table", kind)
	}
	for i := 0; i < sources; i++ {
		if index[i] > index[i+1] {
			return malformed("%s axon index decreases at %d", kind, i)
		}
	}
	for _, a := range axons {
		if a.Synapses < 0 || int(a.Synapses) >= len(m.Synapses) {
			return malformed("%s axon targets synapses %d", kind, a.Synapses)
		}
		if a.Row < 0 || int(a.Row) >= len(m.Synapses[a.Synapses].Rows) {
			return malformed("%s axon targets row %d of %s", kind, a.Row, m.Synapses[a.Synapses].Label)
		}
		if a.Delay < 1 || int(a.Delay) > m.Limits.MaxDelay {
			return malformed("%s axon delay %d outside [1, %d]", kind, a.Delay, m.Limits.MaxDelay)
		}
	}
	return nil
}
