package emulator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"spikecore/internal/cx"
	"spikecore/internal/hardware"
)

func uniformGroup(label string, offset, n int, decayU, decayV, refract, vth, bias int32) cx.Group {
	fill := func(v int32) []int32 {
		out := make([]int32, n)
		for i := range out {
			out[i] = v
		}
		return out
	}
	return cx.Group{
		Label:        label,
		Offset:       offset,
		N:            n,
		DecayU:       fill(decayU),
		DecayV:       fill(decayV),
		RefractDelay: fill(refract),
		Vth:          fill(vth),
		Bias:         fill(bias),
		Vmin:         0,
		Vmax:         1<<23 - 1,
	}
}

// relayModel is input line 0 -> compartment 0 (delay 4) -> compartment 1
// (delay 3). Full decay makes each delivery a single spike.
func relayModel() *cx.Model {
	axons, index := cx.Flatten([][]cx.Axon{{{Synapses: 0, Row: 1, Delay: 3}}, nil})
	inAxons, inIndex := cx.Flatten([][]cx.Axon{{{Synapses: 0, Row: 0, Delay: 4}}})
	return &cx.Model{
		Label:  "relay",
		Limits: hardware.Default(),
		Groups: []cx.Group{uniformGroup("g", 0, 2, 4095, 4095, 0, 10, 0)},
		Synapses: []cx.Synapses{{
			Label: "g.in",
			Group: 0,
			Rows: []cx.Row{
				{Indices: []int32{0}, Weights: []int32{100}},
				{Indices: []int32{1}, Weights: []int32{100}},
			},
		}},
		Axons:          axons,
		AxonIndex:      index,
		Inputs:         []cx.SpikeInput{{Label: "in", N: 1}},
		InputAxons:     inAxons,
		InputAxonIndex: inIndex,
		Probes: []cx.Probe{
			{Label: "g.s", Group: 0, Key: cx.KeySpike, Start: 0, Stop: 2, SampleEvery: 1},
			{Label: "g.v", Group: 0, Key: cx.KeyVoltage, Start: 1, Stop: 2, SampleEvery: 5},
		},
	}
}

// biasModel holds independent groups driven only by bias.
func biasModel(refracts ...int32) *cx.Model {
	m := &cx.Model{Label: "bias", Limits: hardware.Default()}
	for i, r := range refracts {
		m.Groups = append(m.Groups, uniformGroup("g", i*3, 3, 4095, 4095, r, 50, 100))
	}
	n := 3 * len(refracts)
	m.Axons, m.AxonIndex = cx.Flatten(make([][]cx.Axon, n))
	m.InputAxons, m.InputAxonIndex = cx.Flatten(nil)
	return m
}

func built(t *testing.T, m *cx.Model, workers int) *Core {
	t.Helper()
	c := New(Options{Workers: workers})
	if err := c.Build(context.Background(), m); err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAxonDelaysArriveOnSchedule(t *testing.T) {
	c := built(t, relayModel(), 1)
	ctx := context.Background()
	inputs := make([]TickInput, 20)
	inputs[9] = TickInput{Spikes: []int32{0}}

	outputs, err := c.Run(ctx, 20, inputs)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, out := range outputs {
		var want []int32
		switch out.Tick {
		case 13:
			want = []int32{0}
		case 16:
			want = []int32{1}
		}
		if !reflect.DeepEqual(out.Spikes, want) {
			t.Fatalf("tick %d: unexpected spikes: got=%v want=%v", out.Tick, out.Spikes, want)
		}
	}
	if c.Tick() != 20 || c.SpikeCount() != 2 {
		t.Fatalf("unexpected totals: tick=%d spikes=%d", c.Tick(), c.SpikeCount())
	}
}

func TestProbesSampleOnTheirPeriod(t *testing.T) {
	c := built(t, relayModel(), 1)
	if _, err := c.Run(context.Background(), 12, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	ticks, rows, err := c.ProbeOutput(1)
	if err != nil {
		t.Fatalf("probe output: %v", err)
	}
	if !reflect.DeepEqual(ticks, []int64{5, 10}) || len(rows) != 2 || len(rows[0]) != 1 {
		t.Fatalf("unexpected voltage samples: ticks=%v rows=%v", ticks, rows)
	}
	ticks, _, _ = c.ProbeOutput(0)
	if len(ticks) != 12 {
		t.Fatalf("unexpected spike sample count: %d", len(ticks))
	}
	if _, _, err := c.ProbeOutput(5); !errors.Is(err, ErrInput) {
		t.Fatalf("expected bad probe index error, got %v", err)
	}
}

// A compartment driven above threshold by bias alone spikes on tick 1 and
// then once every refract+1 ticks. Over ticks 1..100 that is
// ceil(100/(r+1)); once the first spike is behind it, any 100 tick window
// holds floor(100/(r+1)).
func TestRefractoryBoundsSpikeRate(t *testing.T) {
	refracts := []int32{2, 3, 4, 5, 6}
	for _, workers := range []int{1, 4} {
		c := built(t, biasModel(refracts...), workers)
		outputs, err := c.Run(context.Background(), 101, nil)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if first := outputs[0].Spikes; len(first) != 3*len(refracts) {
			t.Fatalf("expected every compartment to spike on tick 1, got %v", first)
		}
		leading := make([]int, 3*len(refracts))
		steady := make([]int, 3*len(refracts))
		last := make([]int64, 3*len(refracts))
		for _, out := range outputs {
			for _, s := range out.Spikes {
				if out.Tick <= 100 {
					leading[s]++
				}
				if out.Tick >= 2 {
					steady[s]++
				}
				r := int64(refracts[s/3])
				if last[s] > 0 && out.Tick-last[s] != r+1 {
					t.Fatalf("workers=%d compartment %d: gap %d after tick %d, want %d", workers, s, out.Tick-last[s], last[s], r+1)
				}
				last[s] = out.Tick
			}
		}
		for comp := range leading {
			r := int(refracts[comp/3])
			if want := (100 + r) / (r + 1); leading[comp] != want {
				t.Fatalf("workers=%d refract=%d: ticks 1..100 got=%d spikes want=%d", workers, r, leading[comp], want)
			}
			if want := 100 / (r + 1); steady[comp] != want {
				t.Fatalf("workers=%d refract=%d: ticks 2..101 got=%d spikes want=%d", workers, r, steady[comp], want)
			}
		}
	}
}

func TestRunZeroLeavesStateUntouched(t *testing.T) {
	c := built(t, relayModel(), 1)
	ctx := context.Background()
	if _, err := c.Run(ctx, 3, []TickInput{{Spikes: []int32{0}}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	before := c.Snapshot()
	outputs, err := c.Run(ctx, 0, nil)
	if err != nil || len(outputs) != 0 {
		t.Fatalf("unexpected zero-tick run: outputs=%v err=%v", outputs, err)
	}
	if !reflect.DeepEqual(before, c.Snapshot()) {
		t.Fatal("zero-tick run changed state")
	}
}

func TestResetIsIdempotent(t *testing.T) {
	c := built(t, relayModel(), 1)
	ctx := context.Background()
	fresh := c.Snapshot()
	if _, err := c.Run(ctx, 11, []TickInput{{Spikes: []int32{0}}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	once := c.Snapshot()
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if !reflect.DeepEqual(fresh, once) || !reflect.DeepEqual(once, c.Snapshot()) {
		t.Fatal("reset did not restore the post-build state")
	}
	if c.State() != StateBuilt {
		t.Fatalf("unexpected state after reset: %s", c.State())
	}
	ticks, _, _ := c.ProbeOutput(0)
	if len(ticks) != 0 {
		t.Fatalf("reset kept %d probe samples", len(ticks))
	}
}

func TestResetReplaysIdentically(t *testing.T) {
	c := built(t, relayModel(), 1)
	ctx := context.Background()
	inputs := []TickInput{{Spikes: []int32{0}}, {}, {Spikes: []int32{0}}}
	first, err := c.Run(ctx, 25, inputs)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	second, err := c.Run(ctx, 25, inputs)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("replay after reset diverged")
	}
}

func learningModel(weight, traceDecay int32) *cx.Model {
	m := relayModel()
	m.Synapses[0].Rows[0].Weights[0] = weight
	m.Synapses[0].Learning = &cx.Learning{TraceDecay: traceDecay, TraceImpulse: 100, Shift: 4}
	return m
}

func TestLearningSaturatesWithinRange(t *testing.T) {
	c := built(t, learningModel(120, 4095), 1)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		in := TickInput{
			Spikes: []int32{0},
			Errors: []ErrorVector{{Synapses: 0, Values: []int32{-1000, 0}}},
		}
		if _, err := c.Step(ctx, in); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	snap := c.Snapshot()
	if got := snap.Weights[0][0][0]; got != 127 {
		t.Fatalf("expected weight to saturate at 127, got %d", got)
	}
	if got := snap.Weights[0][1][0]; got != 100 {
		t.Fatalf("zero error moved a weight: %d", got)
	}
	if snap.Traces[0][0] != 100 {
		t.Fatalf("unexpected trace: %d", snap.Traces[0][0])
	}
	if c.Overflows().Weight == 0 {
		t.Fatal("expected weight clips to be counted")
	}
}

func TestLearningTraceSaturates(t *testing.T) {
	c := built(t, learningModel(0, 1), 1)
	for i := 0; i < 3; i++ {
		if _, err := c.Step(context.Background(), TickInput{Spikes: []int32{0}}); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if got := c.Snapshot().Traces[0][0]; got != 127 {
		t.Fatalf("expected trace at 127, got %d", got)
	}
	if c.Overflows().Trace == 0 {
		t.Fatal("expected trace clips to be counted")
	}
}

func TestStepRejectsBadInput(t *testing.T) {
	c := built(t, relayModel(), 1)
	ctx := context.Background()
	bad := []TickInput{
		{Spikes: []int32{3}},
		{Errors: []ErrorVector{{Synapses: 0, Values: []int32{1, 1}}}},
	}
	for _, in := range bad {
		if _, err := c.Step(ctx, in); !errors.Is(err, ErrInput) {
			t.Fatalf("expected input error for %+v, got %v", in, err)
		}
	}
	if c.Tick() != 0 {
		t.Fatalf("rejected input advanced the core to tick %d", c.Tick())
	}
}

func TestLifecycleErrors(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})
	if _, err := c.Step(ctx, TickInput{}); !errors.Is(err, ErrNotBuilt) {
		t.Fatalf("expected not built, got %v", err)
	}
	if err := c.Build(ctx, relayModel()); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := c.Build(ctx, relayModel()); !errors.Is(err, ErrAlreadyBuilt) {
		t.Fatalf("expected already built, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := c.Step(ctx, TickInput{}); !errors.Is(err, ErrUseAfterClose) {
		t.Fatalf("expected use after close on step, got %v", err)
	}
	if err := c.Reset(ctx); !errors.Is(err, ErrUseAfterClose) {
		t.Fatalf("expected use after close on reset, got %v", err)
	}
	if err := c.Build(ctx, relayModel()); !errors.Is(err, ErrUseAfterClose) {
		t.Fatalf("expected use after close on build, got %v", err)
	}
}

func TestBuildRejectsMalformedModel(t *testing.T) {
	m := relayModel()
	m.Axons[0].Delay = 0
	if err := New(Options{}).Build(context.Background(), m); !errors.Is(err, cx.ErrMalformed) {
		t.Fatalf("expected malformed model, got %v", err)
	}
}

func TestConcurrentStepIsRejected(t *testing.T) {
	c := built(t, biasModel(1), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Run(ctx, 2000, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, ErrConcurrentStep) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if c.Tick()%2000 != 0 {
		t.Fatalf("interleaved runs produced tick %d", c.Tick())
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	c := built(t, relayModel(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outputs, err := c.Run(ctx, 5, nil)
	if !errors.Is(err, context.Canceled) || len(outputs) != 0 {
		t.Fatalf("expected cancellation before first tick: outputs=%d err=%v", len(outputs), err)
	}
}
