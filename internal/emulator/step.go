package emulator

import (
	"fmt"
	"sync"

	"spikecore/internal/cx"
	"spikecore/internal/quant"
)

func (c *Core) step(in TickInput) (TickOutput, error) {
	if err := c.checkInput(in); err != nil {
		return TickOutput{}, err
	}
	m := c.model
	c.state = StateRunning
	defer func() { c.state = StatePaused }()

	t := c.tick + 1
	ringSize := int64(len(c.ring))
	slot := int(t % ringSize)

	for si := range c.errs {
		clear(c.errs[si])
	}
	for _, ev := range in.Errors {
		copy(c.errs[ev.Synapses], ev.Values)
	}
	for _, line := range in.Spikes {
		for _, a := range m.InputFanOut(int(line)) {
			c.deliver(a, int((t+int64(a.Delay)-1)%ringSize))
		}
	}

	spikes := c.updateCompartments(slot)

	for _, comp := range spikes {
		for _, a := range m.FanOut(int(comp)) {
			c.deliver(a, int((t+int64(a.Delay))%ringSize))
		}
	}
	c.learn()

	out := TickOutput{Tick: t, Spikes: spikes}
	for pi, p := range m.Probes {
		if t%int64(p.SampleEvery) != 0 {
			continue
		}
		values := c.sample(p)
		c.probeBuf[pi] = append(c.probeBuf[pi], values)
		c.probeAt[pi] = append(c.probeAt[pi], t)
		out.Samples = append(out.Samples, Sample{Probe: int32(pi), Values: append([]int32(nil), values...)})
	}

	c.tick = t
	c.spikes += int64(len(spikes))
	return out, nil
}

func (c *Core) checkInput(in TickInput) error {
	lines := int32(c.model.InputLines())
	for _, line := range in.Spikes {
		if line < 0 || line >= lines {
			return fmt.Errorf("%w: spike line %d outside [0, %d)", ErrInput, line, lines)
		}
	}
	for _, ev := range in.Errors {
		if ev.Synapses < 0 || int(ev.Synapses) >= len(c.errs) || c.errs[ev.Synapses] == nil {
			return fmt.Errorf("%w: synapses %d does not learn", ErrInput, ev.Synapses)
		}
		if len(ev.Values) != len(c.errs[ev.Synapses]) {
			return fmt.Errorf("%w: error vector for synapses %d has %d values, want %d",
				ErrInput, ev.Synapses, len(ev.Values), len(c.errs[ev.Synapses]))
		}
	}
	return nil
}

// deliver schedules one axon's row into ring slot at.
func (c *Core) deliver(a cx.Axon, at int) {
	s := &c.model.Synapses[a.Synapses]
	row := s.Rows[a.Row]
	base := c.model.Groups[s.Group].Offset
	eff := c.eff[a.Synapses][a.Row]
	buf := c.ring[at]
	for k, idx := range row.Indices {
		buf[base+int(idx)] += eff[k]
	}
	if s.Learning != nil {
		c.rowHit[a.Synapses][a.Row] = true
	}
}

// updateCompartments drains ring slot and advances every compartment one
// tick. Groups are independent within a tick and may run in parallel. The
// returned spikes are in ascending compartment order.
func (c *Core) updateCompartments(slot int) []int32 {
	groups := c.model.Groups
	perGroup := make([][]int32, len(groups))
	clipped := make([]int64, len(groups))

	if c.opts.Workers < 2 || len(groups) < 2 {
		for gi := range groups {
			perGroup[gi], clipped[gi] = c.updateGroup(gi, slot)
		}
	} else {
		sem := make(chan struct{}, c.opts.Workers)
		var wg sync.WaitGroup
		for gi := range groups {
			wg.Add(1)
			sem <- struct{}{}
			go func(gi int) {
				defer wg.Done()
				defer func() { <-sem }()
				perGroup[gi], clipped[gi] = c.updateGroup(gi, slot)
			}(gi)
		}
		wg.Wait()
	}

	var spikes []int32
	for gi := range groups {
		spikes = append(spikes, perGroup[gi]...)
		c.overflows.Current += clipped[gi]
	}
	return spikes
}

func (c *Core) updateGroup(gi, slot int) ([]int32, int64) {
	g := &c.model.Groups[gi]
	lim := c.model.Limits
	uMax := int32(quant.Limit(lim.CurrentBits))
	buf := c.ring[slot]

	var spikes []int32
	var clipped int64
	for i := 0; i < g.N; i++ {
		comp := g.Offset + i
		q := buf[comp]
		buf[comp] = 0

		u := quant.Decay(int64(c.u[comp]), g.DecayU[i], lim.DecayBits) + q
		su, hit := quant.Saturate(u, -int64(uMax), int64(uMax))
		if hit {
			clipped++
		}
		c.u[comp] = int32(su)

		v := quant.Decay(int64(c.v[comp]), g.DecayV[i], lim.DecayBits) + su + int64(g.Bias[i])
		v, _ = quant.Saturate(v, int64(g.Vmin), int64(g.Vmax))

		c.spiked[comp] = false
		switch {
		case c.w[comp] > 0:
			v = 0
			c.w[comp]--
		case v > int64(g.Vth[i]):
			c.spiked[comp] = true
			spikes = append(spikes, int32(comp))
			if g.Reset == cx.ResetSubtract {
				v -= int64(g.Vth[i])
			} else {
				v = 0
			}
			c.w[comp] = g.RefractDelay[i]
		}
		c.v[comp] = int32(v)
	}
	return spikes, clipped
}

// learn updates traces from this tick's row activity and moves each
// learning weight against the error of its target compartment.
func (c *Core) learn() {
	m := c.model
	traceMax := int32(1)<<m.Limits.TraceBits - 1
	for si := range m.Synapses {
		s := &m.Synapses[si]
		if s.Learning == nil {
			continue
		}
		lo, hi := m.WeightRange(s)
		errs := c.errs[si]
		for ri, row := range s.Rows {
			trace := quant.Decay(int64(c.traces[si][ri]), s.Learning.TraceDecay, m.Limits.DecayBits)
			if c.rowHit[si][ri] {
				trace += int64(s.Learning.TraceImpulse)
				c.rowHit[si][ri] = false
			}
			sat, hit := quant.Saturate(trace, 0, int64(traceMax))
			if hit {
				c.overflows.Trace++
			}
			tr := int32(sat)
			c.traces[si][ri] = tr
			if tr == 0 {
				continue
			}
			weights := c.weights[si][ri]
			for k, idx := range row.Indices {
				e := errs[idx]
				if e == 0 {
					continue
				}
				delta := quant.ShiftRound(-int64(e)*int64(tr), -s.Learning.Shift)
				if delta == 0 {
					continue
				}
				next, clip := quant.AddSat(weights[k], int32(delta), lo, hi)
				if clip {
					c.overflows.Weight++
				}
				weights[k] = next
				c.eff[si][ri][k] = quant.ShiftRound(int64(next), WeightScaleBase+s.WgtExp)
			}
		}
	}
}

func (c *Core) sample(p cx.Probe) []int32 {
	base := c.model.Groups[p.Group].Offset
	values := make([]int32, p.Width())
	for i := range values {
		comp := base + p.Start + i
		switch p.Key {
		case cx.KeyCurrent:
			values[i] = c.u[comp]
		case cx.KeyVoltage:
			values[i] = c.v[comp]
		case cx.KeySpike:
			if c.spiked[comp] {
				values[i] = 1
			}
		}
	}
	return values
}
