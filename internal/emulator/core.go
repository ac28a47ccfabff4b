// Package emulator is the bit-accurate software core. It steps a cx.Model
// with the same integer arithmetic the device uses.
package emulator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"spikecore/internal/cx"
	"spikecore/internal/quant"
)

// WeightScaleBase is the fixed shift applied to every weight mantissa on
// top of its table's WgtExp.
const WeightScaleBase = 6

type Options struct {
	// Workers bounds the goroutines updating compartment groups. Values
	// below 2 update groups sequentially.
	Workers int
	Logger  *slog.Logger
}

type Core struct {
	opts     Options
	logger   *slog.Logger
	stepping atomic.Bool

	mu    sync.Mutex
	state State
	model *cx.Model
	tick  int64

	u      []int32
	v      []int32
	w      []int32
	spiked []bool
	ring   [][]int64

	// weights hold the live mantissas and eff the currents they inject.
	weights [][][]int32
	eff     [][][]int64
	traces  [][]int32
	rowHit  [][]bool
	errs    [][]int32

	groupOf  []int32
	probeBuf [][][]int32
	probeAt  [][]int64

	overflows Overflows
	spikes    int64
}

func New(opts Options) *Core {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Core{
		opts:   opts,
		logger: logger.With(slog.String("component", "emulator")),
	}
}

func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Core) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// Build binds a model and allocates state at its quantized widths.
func (c *Core) Build(ctx context.Context, m *cx.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return ErrUseAfterClose
	case StateUnbuilt:
	default:
		return ErrAlreadyBuilt
	}
	if m == nil {
		return fmt.Errorf("%w: nil model", ErrInput)
	}
	if err := m.Check(); err != nil {
		return err
	}
	c.model = m
	c.allocate()
	c.state = StateBuilt
	stats := m.Stats()
	c.logger.Debug("model built",
		slog.String("model", m.Label),
		slog.Int("compartments", stats.Compartments),
		slog.Int("axons", stats.Axons),
		slog.Int("synapses", stats.Synapses),
	)
	return nil
}

func (c *Core) allocate() {
	m := c.model
	n := m.Compartments()
	c.tick = 0
	c.u = make([]int32, n)
	c.v = make([]int32, n)
	c.w = make([]int32, n)
	c.spiked = make([]bool, n)
	c.ring = make([][]int64, m.Limits.RingSize())
	for i := range c.ring {
		c.ring[i] = make([]int64, n)
	}

	c.weights = make([][][]int32, len(m.Synapses))
	c.eff = make([][][]int64, len(m.Synapses))
	c.traces = make([][]int32, len(m.Synapses))
	c.rowHit = make([][]bool, len(m.Synapses))
	c.errs = make([][]int32, len(m.Synapses))
	for si := range m.Synapses {
		s := &m.Synapses[si]
		c.weights[si] = make([][]int32, len(s.Rows))
		c.eff[si] = make([][]int64, len(s.Rows))
		for ri, r := range s.Rows {
			c.weights[si][ri] = append([]int32(nil), r.Weights...)
			c.eff[si][ri] = make([]int64, len(r.Weights))
			for k, wt := range r.Weights {
				c.eff[si][ri][k] = quant.ShiftRound(int64(wt), WeightScaleBase+s.WgtExp)
			}
		}
		if s.Learning != nil {
			c.traces[si] = make([]int32, len(s.Rows))
			c.rowHit[si] = make([]bool, len(s.Rows))
			c.errs[si] = make([]int32, m.Groups[s.Group].N)
		}
	}

	c.groupOf = make([]int32, n)
	for gi, g := range m.Groups {
		for i := 0; i < g.N; i++ {
			c.groupOf[g.Offset+i] = int32(gi)
		}
	}
	c.probeBuf = make([][][]int32, len(m.Probes))
	c.probeAt = make([][]int64, len(m.Probes))
	c.overflows = Overflows{}
	c.spikes = 0
}

// Step advances exactly one tick.
func (c *Core) Step(ctx context.Context, in TickInput) (TickOutput, error) {
	if !c.stepping.CompareAndSwap(false, true) {
		return TickOutput{}, ErrConcurrentStep
	}
	defer c.stepping.Store(false)

	if err := ctx.Err(); err != nil {
		return TickOutput{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return TickOutput{}, err
	}
	return c.step(in)
}

// Run advances n ticks. inputs[i] is delivered on the i-th tick; missing
// entries are empty. Cancellation is honored between ticks, and the outputs
// of completed ticks are returned with the error.
func (c *Core) Run(ctx context.Context, n int, inputs []TickInput) ([]TickOutput, error) {
	if !c.stepping.CompareAndSwap(false, true) {
		return nil, ErrConcurrentStep
	}
	defer c.stepping.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative tick count %d", ErrInput, n)
	}
	outputs := make([]TickOutput, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return outputs, err
		}
		var in TickInput
		if i < len(inputs) {
			in = inputs[i]
		}
		out, err := c.step(in)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (c *Core) ready() error {
	switch c.state {
	case StateClosed:
		return ErrUseAfterClose
	case StateUnbuilt:
		return ErrNotBuilt
	}
	return nil
}

// Reset returns to the post-build state with topology intact.
func (c *Core) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return err
	}
	c.allocate()
	c.state = StateBuilt
	return nil
}

func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	c.u, c.v, c.w, c.spiked, c.ring = nil, nil, nil, nil, nil
	c.weights, c.eff, c.traces, c.rowHit, c.errs = nil, nil, nil, nil, nil
	c.probeBuf, c.probeAt = nil, nil
	return nil
}

// ProbeOutput returns a copy of everything probe i recorded, with the tick
// of each sample.
func (c *Core) ProbeOutput(i int) ([]int64, [][]int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return nil, nil, err
	}
	if i < 0 || i >= len(c.probeBuf) {
		return nil, nil, fmt.Errorf("%w: probe %d", ErrInput, i)
	}
	ticks := append([]int64(nil), c.probeAt[i]...)
	rows := make([][]int32, len(c.probeBuf[i]))
	for k, row := range c.probeBuf[i] {
		rows[k] = append([]int32(nil), row...)
	}
	return ticks, rows, nil
}

func (c *Core) Overflows() Overflows {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overflows
}

func (c *Core) SpikeCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spikes
}

func (c *Core) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Tick: c.tick,
		U:    append([]int32(nil), c.u...),
		V:    append([]int32(nil), c.v...),
		W:    append([]int32(nil), c.w...),
	}
	s.Ring = make([][]int64, len(c.ring))
	for i := range c.ring {
		s.Ring[i] = append([]int64(nil), c.ring[i]...)
	}
	s.Weights = make([][][]int32, len(c.weights))
	for si := range c.weights {
		s.Weights[si] = make([][]int32, len(c.weights[si]))
		for ri := range c.weights[si] {
			s.Weights[si][ri] = append([]int32(nil), c.weights[si][ri]...)
		}
	}
	s.Traces = make([][]int32, len(c.traces))
	for si := range c.traces {
		s.Traces[si] = append([]int32(nil), c.traces[si]...)
	}
	return s
}
