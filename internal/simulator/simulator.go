// Package simulator runs a compiled network: it owns the host side of the
// loop and drives either the software core or a device through one
// Backend.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"spikecore/internal/builder"
	"spikecore/internal/emulator"
	"spikecore/internal/hardware"
	"spikecore/internal/netgraph"
	"spikecore/internal/quant"
)

// Stats summarizes a simulator's activity since build or the last reset.
type Stats struct {
	Ticks     int64
	Time      float64
	Spikes    int64
	Overflows emulator.Overflows
	// ErrorClips counts learning errors saturated to the link width.
	ErrorClips int64
}

type Simulator struct {
	cfg    Config
	logger *slog.Logger
	result *builder.Result

	mu      sync.Mutex
	closed  bool
	backend Backend
	host    *host
	probes  []*probeState
	index   map[string]int
	// prev holds the samples of the last completed tick.
	prev      [][]int32
	ticks     int64
	spikes    int64
	overflows emulator.Overflows
}

// New builds net for limits and binds the result to a backend.
func New(ctx context.Context, net *netgraph.Network, limits hardware.Limits, cfg Config) (*Simulator, error) {
	res, err := builder.Build(ctx, net, limits, builder.Options{
		Seed:       cfg.Seed,
		EvalPoints: cfg.EvalPoints,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return NewFromBuild(ctx, res, cfg)
}

func NewFromBuild(ctx context.Context, res *builder.Result, cfg Config) (*Simulator, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if res == nil || res.Model == nil || res.Host == nil {
		return nil, fmt.Errorf("%w: incomplete build result", ErrInvalidConfig)
	}
	if cfg.Mode == ModePrecomputed && !res.Host.Precomputable() {
		return nil, ErrNotPrecomputable
	}
	h, err := newHost(res.Host, res.Model)
	if err != nil {
		return nil, err
	}
	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	if err := backend.Build(ctx, res.Model); err != nil {
		_ = backend.Close()
		return nil, err
	}

	s := &Simulator{
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "simulator")),
		result:  res,
		backend: backend,
		host:    h,
		probes:  newProbeStates(res.Host),
		index:   make(map[string]int, len(res.Host.Probes)),
	}
	for i, p := range res.Host.Probes {
		s.index[p.Label] = i
	}
	s.logger.Info("simulator ready",
		slog.String("model", res.Model.Label),
		slog.String("target", string(cfg.Target)),
		slog.String("mode", string(cfg.Mode)),
		slog.String("stats", res.Model.Stats().String()),
	)
	return s, nil
}

func (s *Simulator) Result() *builder.Result { return s.result }

func (s *Simulator) Config() Config { return s.cfg }

func (s *Simulator) Step(ctx context.Context) error {
	return s.Run(ctx, 1)
}

// Run advances n ticks. Cancellation stops the run between ticks; ticks
// already completed stay recorded.
func (s *Simulator) Run(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return emulator.ErrUseAfterClose
	}
	if n < 0 {
		return fmt.Errorf("%w: negative tick count %d", emulator.ErrInput, n)
	}
	if n == 0 {
		return nil
	}

	var err error
	if s.cfg.Mode == ModePrecomputed {
		err = s.runPrecomputed(ctx, n)
	} else {
		err = s.runInteractive(ctx, n)
	}
	if err != nil {
		return err
	}
	return s.checkOverflows()
}

// RunFor advances by the number of ticks closest to d.
func (s *Simulator) RunFor(ctx context.Context, d time.Duration) error {
	if d < 0 && !s.isClosed() {
		return fmt.Errorf("%w: negative duration %s", emulator.ErrInput, d)
	}
	n := int(math.Round(d.Seconds() / s.result.Host.Dt))
	return s.Run(ctx, n)
}

func (s *Simulator) runInteractive(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := s.ticks + 1
		in, err := s.host.tick(t, s.prev)
		if err != nil {
			return err
		}
		out, err := s.backend.Step(ctx, in)
		if err != nil {
			return err
		}
		s.record(t, out)
	}
	return nil
}

// runPrecomputed lets a copy of the host run ahead to produce every input,
// runs the backend once, then replays the host against the outputs. Inputs
// do not depend on outputs here, so the replay sees the same host values
// an interactive run would.
func (s *Simulator) runPrecomputed(ctx context.Context, n int) error {
	ahead := s.host.clone()
	inputs := make([]emulator.TickInput, n)
	for i := range inputs {
		in, err := ahead.tick(s.ticks+int64(i)+1, nil)
		if err != nil {
			return err
		}
		inputs[i] = in
	}
	outputs, runErr := s.backend.Run(ctx, n, inputs)
	for _, out := range outputs {
		t := s.ticks + 1
		if _, err := s.host.tick(t, s.prev); err != nil {
			return err
		}
		s.record(t, out)
	}
	return runErr
}

func (s *Simulator) record(t int64, out emulator.TickOutput) {
	model := s.result.Model
	samples := bySample(out, len(model.Probes))
	for _, p := range s.probes {
		p.record(t, model, samples, s.host.values)
	}
	s.prev = samples
	s.ticks = t
	s.spikes += int64(len(out.Spikes))
}

func (s *Simulator) checkOverflows() error {
	counter, ok := s.backend.(overflowCounter)
	if !ok {
		return nil
	}
	now := counter.Overflows()
	delta := now.Total() - s.overflows.Total()
	s.overflows = now
	if delta == 0 {
		return nil
	}
	if s.cfg.Strict {
		return fmt.Errorf("%w: %d saturation events by tick %d (current=%d weight=%d trace=%d)",
			quant.ErrOverflow, delta, s.ticks, now.Current, now.Weight, now.Trace)
	}
	s.logger.Warn("run-time saturation",
		slog.Int64("events", delta),
		slog.Int64("tick", s.ticks),
	)
	return nil
}

// Reset rewinds the backend and the host to tick zero and drops recorded
// probe data.
func (s *Simulator) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return emulator.ErrUseAfterClose
	}
	if err := s.backend.Reset(ctx); err != nil {
		return err
	}
	return s.rewind()
}

// Reconnect replaces a device link that a timeout or a broken exchange
// invalidated. The model is uploaded again and the run rewinds to tick
// zero, dropping recorded probe data.
func (s *Simulator) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return emulator.ErrUseAfterClose
	}
	link, ok := s.backend.(reconnector)
	if !ok {
		return fmt.Errorf("%w: target %s has no link to reconnect", ErrInvalidConfig, s.cfg.Target)
	}
	if err := link.Reconnect(ctx); err != nil {
		return err
	}
	if err := s.backend.Build(ctx, s.result.Model); err != nil {
		return err
	}
	s.logger.Info("device link reconnected", slog.String("model", s.result.Model.Label))
	return s.rewind()
}

func (s *Simulator) rewind() error {
	h, err := newHost(s.result.Host, s.result.Model)
	if err != nil {
		return err
	}
	s.host = h
	s.probes = newProbeStates(s.result.Host)
	s.prev = nil
	s.ticks = 0
	s.spikes = 0
	s.overflows = emulator.Overflows{}
	return nil
}

func (s *Simulator) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the backend. Recorded probe data stays readable.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.Close()
}

func (s *Simulator) Ticks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Time is the simulated time in seconds.
func (s *Simulator) Time() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.ticks) * s.result.Host.Dt
}

// Probes lists probe labels in declaration order.
func (s *Simulator) Probes() []string {
	out := make([]string, len(s.result.Host.Probes))
	for i, p := range s.result.Host.Probes {
		out[i] = p.Label
	}
	return out
}

// Data returns a copy of everything a probe has recorded.
func (s *Simulator) Data(label string) (ProbeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[label]
	if !ok {
		return ProbeData{}, fmt.Errorf("%w: %s", ErrUnknownProbe, label)
	}
	return s.probes[i].data.clone(), nil
}

func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Ticks:      s.ticks,
		Time:       float64(s.ticks) * s.result.Host.Dt,
		Spikes:     s.spikes,
		Overflows:  s.overflows,
		ErrorClips: s.host.errorClips,
	}
}
