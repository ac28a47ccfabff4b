package builder

import (
	"fmt"

	"spikecore/internal/cx"
)

// checkCapacity rejects a model that exceeds any per-group or per-source
// limit. It runs before a model is handed to any backend.
func (b *build) checkCapacity() error {
	return CheckCapacity(b.model)
}

// CheckCapacity verifies a model against its own limits.
func CheckCapacity(m *cx.Model) error {
	lim := m.Limits
	axons := make([]int64, len(m.Groups))
	entries := make([]int64, len(m.Groups))
	for i := range m.Synapses {
		s := &m.Synapses[i]
		axons[s.Group] += int64(len(s.Rows))
		entries[s.Group] += int64(s.Entries())
	}
	for gi, g := range m.Groups {
		if g.N > lim.MaxCompartmentsPerGroup {
			return &CapacityError{Resource: "compartments", Location: g.Label, Need: int64(g.N), Limit: int64(lim.MaxCompartmentsPerGroup)}
		}
		if axons[gi] > int64(lim.MaxAxonsPerGroup) {
			return &CapacityError{Resource: "input axons", Location: g.Label, Need: axons[gi], Limit: int64(lim.MaxAxonsPerGroup)}
		}
		if entries[gi] > int64(lim.MaxSynapsesPerGroup) {
			return &CapacityError{Resource: "synapses", Location: g.Label, Need: entries[gi], Limit: int64(lim.MaxSynapsesPerGroup)}
		}
		bytes := entries[gi] * int64(lim.SynapseEntryBytes())
		if bytes > int64(lim.SynapseMemory) {
			return &CapacityError{Resource: "synapse memory bytes", Location: g.Label, Need: bytes, Limit: int64(lim.SynapseMemory)}
		}
	}

	for c := 0; c+1 < len(m.AxonIndex); c++ {
		g := m.Groups[m.GroupOf(c)]
		where := fmt.Sprintf("%s[%d]", g.Label, c-g.Offset)
		if err := checkFanOut(lim.MaxFanOut, lim.MaxDelay, where, m.FanOut(c)); err != nil {
			return err
		}
	}
	for _, in := range m.Inputs {
		for k := 0; k < in.N; k++ {
			where := fmt.Sprintf("%s line %d", in.Label, k)
			if err := checkFanOut(lim.MaxFanOut, lim.MaxDelay, where, m.InputFanOut(in.Offset+k)); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkFanOut(maxFanOut, maxDelay int, where string, axons []cx.Axon) error {
	if len(axons) > maxFanOut {
		return &CapacityError{Resource: "fan-out", Location: where, Need: int64(len(axons)), Limit: int64(maxFanOut)}
	}
	for _, a := range axons {
		if int(a.Delay) > maxDelay {
			return &CapacityError{Resource: "delay ticks", Location: where, Need: int64(a.Delay), Limit: int64(maxDelay)}
		}
	}
	return nil
}
