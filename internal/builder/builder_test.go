package builder

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"spikecore/internal/hardware"
	"spikecore/internal/netgraph"
	"spikecore/internal/quant"
	"spikecore/internal/stimulus"
)

func channel() *netgraph.Network {
	return &netgraph.Network{
		Label: "channel",
		Seed:  3,
		Ensembles: []netgraph.Ensemble{
			{Label: "a", N: 40, Dimensions: 1},
			{Label: "b", N: 40, Dimensions: 1},
		},
		Nodes: []netgraph.Node{
			{Label: "in", SizeOut: 1, Stimulus: &stimulus.Spec{Name: "constant", Value: []float64{0.5}}},
			{Label: "out", SizeIn: 1},
		},
		Connections: []netgraph.Connection{
			{Pre: netgraph.Endpoint{Object: "in"}, Post: netgraph.Endpoint{Object: "a"}, Synapse: 0.005},
			{Pre: netgraph.Endpoint{Object: "a"}, Post: netgraph.Endpoint{Object: "b"}, Synapse: 0.005},
			{Pre: netgraph.Endpoint{Object: "b"}, Post: netgraph.Endpoint{Object: "out"}, Synapse: 0.01},
		},
		Probes: []netgraph.Probe{{Target: "b", Synapse: 0.01}},
	}
}

func mustBuild(t *testing.T, net *netgraph.Network, limits hardware.Limits) *Result {
	t.Helper()
	res, err := Build(context.Background(), net, limits, Options{EvalPoints: 200})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return res
}

func TestBuildChannel(t *testing.T) {
	res := mustBuild(t, channel(), hardware.Default())
	m := res.Model
	if len(m.Groups) != 2 || m.Compartments() != 80 {
		t.Fatalf("unexpected groups: %d compartments=%d", len(m.Groups), m.Compartments())
	}
	if len(m.Inputs) != 1 || m.InputLines() != 2 {
		t.Fatalf("unexpected inputs: %+v", m.Inputs)
	}
	if len(m.Synapses) != 2 {
		t.Fatalf("unexpected table count: %d", len(m.Synapses))
	}
	for _, g := range m.Groups {
		if g.Vth[0] <= 0 || g.DecayU[0] == 0 || g.DecayV[0] == 0 || g.RefractDelay[0] != 2 {
			t.Fatalf("unexpected group parameters: vth=%d decayU=%d decayV=%d refract=%d",
				g.Vth[0], g.DecayU[0], g.DecayV[0], g.RefractDelay[0])
		}
	}
	lo, hi := m.WeightRange(&m.Synapses[1])
	for _, row := range m.Synapses[1].Rows {
		for _, w := range row.Weights {
			if w < lo || w > hi {
				t.Fatalf("weight %d outside [%d, %d]", w, lo, hi)
			}
		}
	}

	host := res.Host
	if len(host.Nodes) != 2 || len(host.Inputs) != 1 || len(host.Receivers) != 1 {
		t.Fatalf("unexpected host plan: %+v", host)
	}
	if host.Inputs[0].Rate != DefaultInterRate*DefaultInterN || host.Inputs[0].Dims != 1 {
		t.Fatalf("unexpected host input: %+v", host.Inputs[0])
	}
	if !host.Precomputable() {
		t.Fatal("feed-forward network should be precomputable")
	}
	if len(host.Probes) != 1 || !host.Probes[0].OnChip || host.Probes[0].Dims != 1 {
		t.Fatalf("unexpected probe plan: %+v", host.Probes)
	}
	probe := m.Probes[host.Probes[0].Probes[0]]
	if probe.Width() != 40 || len(probe.Weights) != 40 || len(probe.Weights[0]) != 1 {
		t.Fatalf("unexpected decode probe: width=%d rows=%d", probe.Width(), len(probe.Weights))
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	first := mustBuild(t, channel(), hardware.Default())
	second := mustBuild(t, channel(), hardware.Default())
	if !reflect.DeepEqual(first.Model, second.Model) {
		t.Fatal("same network and seed produced different models")
	}
	seed := int64(99)
	other, err := Build(context.Background(), channel(), hardware.Default(), Options{Seed: &seed, EvalPoints: 200})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if reflect.DeepEqual(first.Model.Groups, other.Model.Groups) {
		t.Fatal("seed override did not change tuning")
	}
}

func TestBuildPartitionsLargeEnsembles(t *testing.T) {
	limits := hardware.Default()
	limits.MaxCompartmentsPerGroup = 16
	res := mustBuild(t, channel(), limits)
	var sizes []int
	for _, g := range res.Model.Groups {
		sizes = append(sizes, g.N)
	}
	if !reflect.DeepEqual(sizes, []int{16, 16, 8, 16, 16, 8}) {
		t.Fatalf("unexpected group sizes: %v", sizes)
	}
	if res.Model.Groups[1].Label != "a#1" {
		t.Fatalf("unexpected block label: %s", res.Model.Groups[1].Label)
	}
	if got := len(res.Model.FanOut(0)); got != 3 {
		t.Fatalf("expected one axon per post block, got %d", got)
	}
	if got := len(res.Host.Probes[0].Probes); got != 3 {
		t.Fatalf("expected one decode probe per block, got %d", got)
	}
}

func TestBuildRejectsFanOut(t *testing.T) {
	limits := hardware.Default()
	limits.MaxCompartmentsPerGroup = 16
	limits.MaxFanOut = 2
	_, err := Build(context.Background(), channel(), limits, Options{EvalPoints: 200})
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	var capErr *CapacityError
	if !errors.As(err, &capErr) || capErr.Resource != "fan-out" || capErr.Need != 3 || capErr.Limit != 2 {
		t.Fatalf("unexpected capacity error: %+v", capErr)
	}
}

func TestBuildRejectsLongDelay(t *testing.T) {
	net := channel()
	net.Connections[1].Delay = 63
	_, err := Build(context.Background(), net, hardware.Default(), Options{EvalPoints: 200})
	var capErr *CapacityError
	if !errors.As(err, &capErr) || capErr.Resource != "delay ticks" {
		t.Fatalf("expected delay capacity error, got %v", err)
	}
}

func TestBuildRejectsInputRateAboveTickRate(t *testing.T) {
	limits := hardware.Default()
	limits.Dt = 0.01
	_, err := Build(context.Background(), channel(), limits, Options{EvalPoints: 200})
	if !errors.Is(err, ErrInputRate) {
		t.Fatalf("expected input rate error at dt=%g, got %v", limits.Dt, err)
	}

	_, err = Build(context.Background(), channel(), hardware.Default(), Options{EvalPoints: 200, InterRate: 200, InterN: 10})
	if !errors.Is(err, ErrInputRate) {
		t.Fatalf("expected input rate error at 2000 Hz, got %v", err)
	}

	if _, err := Build(context.Background(), channel(), hardware.Default(), Options{EvalPoints: 200, InterRate: 50, InterN: 10}); err != nil {
		t.Fatalf("500 Hz input must build: %v", err)
	}
}

func TestBuildRejectsSynapseMemory(t *testing.T) {
	limits := hardware.Default()
	limits.SynapseMemory = 1024
	_, err := Build(context.Background(), channel(), limits, Options{EvalPoints: 200})
	var capErr *CapacityError
	if !errors.As(err, &capErr) || capErr.Resource != "synapse memory bytes" {
		t.Fatalf("expected synapse memory error, got %v", err)
	}
}

func TestBuildSignConstraints(t *testing.T) {
	net := channel()
	net.Connections[1].Sign = netgraph.SignExcitatory
	_, err := Build(context.Background(), net, hardware.Default(), Options{EvalPoints: 200})
	var flip *quant.SignFlipError
	if !errors.Is(err, quant.ErrSignFlip) || !errors.As(err, &flip) || flip.Label == "" {
		t.Fatalf("expected labeled sign flip, got %v", err)
	}

	net = channel()
	net.Connections[1] = netgraph.Connection{
		Pre:     netgraph.Endpoint{Object: "a", Neurons: true},
		Post:    netgraph.Endpoint{Object: "b", Neurons: true},
		Synapse: 0.005,
		Sign:    netgraph.SignExcitatory,
	}
	res := mustBuild(t, net, hardware.Default())
	table := res.Model.Synapses[1]
	if table.Entries() != 40 {
		t.Fatalf("identity neuron connection should keep 40 entries, got %d", table.Entries())
	}
	for _, row := range table.Rows {
		if row.Weights[0] <= 0 {
			t.Fatalf("expected positive mantissas, got %v", row.Weights)
		}
	}
}

func TestBuildRejectsMixedSynapses(t *testing.T) {
	net := channel()
	net.Connections[0].Synapse = 0.01
	net.Connections = append(net.Connections, netgraph.Connection{
		Pre:     netgraph.Endpoint{Object: "b"},
		Post:    netgraph.Endpoint{Object: "a"},
		Synapse: 0.1,
	})
	_, err := Build(context.Background(), net, hardware.Default(), Options{EvalPoints: 200})
	if !errors.Is(err, netgraph.ErrInvalidNetwork) {
		t.Fatalf("expected invalid network, got %v", err)
	}
}

func TestSplicePassthrough(t *testing.T) {
	net := channel()
	net.Nodes = append(net.Nodes, netgraph.Node{Label: "p", SizeIn: 1, SizeOut: 1})
	net.Connections[1] = netgraph.Connection{Label: "a->p", Pre: netgraph.Endpoint{Object: "a"}, Post: netgraph.Endpoint{Object: "p"}, Transform: [][]float64{{2}}}
	net.Connections = append(net.Connections, netgraph.Connection{
		Label: "p->b", Pre: netgraph.Endpoint{Object: "p"}, Post: netgraph.Endpoint{Object: "b"},
		Transform: [][]float64{{3}}, Synapse: 0.005, Delay: 4,
	})

	spliced, removed := Splice(net)
	if !reflect.DeepEqual(removed, []string{"p"}) || spliced.Node("p") != nil {
		t.Fatalf("expected p to be spliced, removed=%v", removed)
	}
	var merged *netgraph.Connection
	for i := range spliced.Connections {
		if spliced.Connections[i].Label == "a->p+p->b" {
			merged = &spliced.Connections[i]
		}
	}
	if merged == nil {
		t.Fatalf("merged connection missing: %+v", spliced.Connections)
	}
	if merged.Transform[0][0] != 6 || merged.Delay != 4 || merged.Synapse != 0.005 {
		t.Fatalf("unexpected merged connection: %+v", merged)
	}
	if net.Node("p") == nil {
		t.Fatal("splice modified its input")
	}

	res := mustBuild(t, net, hardware.Default())
	if len(res.Host.Nodes) != 2 || len(res.Model.Synapses) != 2 {
		t.Fatalf("spliced node left host traffic: nodes=%d tables=%d", len(res.Host.Nodes), len(res.Model.Synapses))
	}
	if got := res.Model.FanOut(0)[0].Delay; got != 4 {
		t.Fatalf("unexpected merged delay: %d", got)
	}
}

func TestSpliceKeepsNodesOnHost(t *testing.T) {
	base := func() *netgraph.Network {
		net := channel()
		net.Nodes = append(net.Nodes, netgraph.Node{Label: "p", SizeIn: 1, SizeOut: 1})
		net.Connections[1] = netgraph.Connection{Label: "a->p", Pre: netgraph.Endpoint{Object: "a"}, Post: netgraph.Endpoint{Object: "p"}}
		net.Connections = append(net.Connections, netgraph.Connection{
			Label: "p->b", Pre: netgraph.Endpoint{Object: "p"}, Post: netgraph.Endpoint{Object: "b"}, Synapse: 0.005,
		})
		return net
	}
	cases := map[string]func(*netgraph.Network){
		"probed":       func(n *netgraph.Network) { n.Probes = append(n.Probes, netgraph.Probe{Label: "p", Target: "p"}) },
		"both filter":  func(n *netgraph.Network) { n.Connections[1].Synapse = 0.002 },
		"host feeder":  func(n *netgraph.Network) { n.Connections[0].Post.Object = "p"; n.Connections[0].Synapse = 0 },
		"out function": func(n *netgraph.Network) { n.Connections[3].Function = "square" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			net := base()
			mutate(net)
			if _, removed := Splice(net); len(removed) != 0 {
				t.Fatalf("expected p to stay on the host, removed %v", removed)
			}
		})
	}
}

func learningNetwork() *netgraph.Network {
	net := channel()
	net.Nodes = append(net.Nodes, netgraph.Node{Label: "err", SizeIn: 1, SizeOut: 1})
	net.Connections[1].Learning = &netgraph.PES{LearningRate: 1e-4, PreTau: 0.005, Error: "err"}
	net.Connections = append(net.Connections,
		netgraph.Connection{Label: "b->err", Pre: netgraph.Endpoint{Object: "b"}, Post: netgraph.Endpoint{Object: "err"}},
		netgraph.Connection{Label: "in->err", Pre: netgraph.Endpoint{Object: "in"}, Post: netgraph.Endpoint{Object: "err"}, Transform: [][]float64{{-1}}},
	)
	return net
}

func TestBuildLearning(t *testing.T) {
	res := mustBuild(t, learningNetwork(), hardware.Default())
	table := res.Model.Synapses[1]
	if table.Learning == nil {
		t.Fatal("learned connection has no learning block")
	}
	l := table.Learning
	if l.ErrorSource != "err" || len(l.ErrorEncoders) != 40 || l.ErrorScale <= 0 || l.TraceImpulse < 1 {
		t.Fatalf("unexpected learning block: %+v", l)
	}
	if table.Entries() != 40*40 {
		t.Fatalf("learning table must be dense, got %d entries", table.Entries())
	}
	if !reflect.DeepEqual(res.Host.Errors, []ErrorRoute{{Synapses: 1, Source: "err"}}) {
		t.Fatalf("unexpected error routes: %+v", res.Host.Errors)
	}
	if res.Host.Precomputable() {
		t.Fatal("error depending on core output must not be precomputable")
	}
	if len(res.Host.Links) != 1 || res.Host.Nodes[len(res.Host.Nodes)-1].Label != "err" {
		t.Fatalf("unexpected host order: %+v", res.Host.Nodes)
	}
}

func TestBuildRejectsHostCycle(t *testing.T) {
	net := channel()
	net.Nodes = append(net.Nodes,
		netgraph.Node{Label: "p", SizeIn: 1, SizeOut: 1},
		netgraph.Node{Label: "q", SizeIn: 1, SizeOut: 1},
	)
	net.Connections = append(net.Connections,
		netgraph.Connection{Label: "p->q", Pre: netgraph.Endpoint{Object: "p"}, Post: netgraph.Endpoint{Object: "q"}},
		netgraph.Connection{Label: "q->p", Pre: netgraph.Endpoint{Object: "q"}, Post: netgraph.Endpoint{Object: "p"}},
	)
	_, err := Build(context.Background(), net, hardware.Default(), Options{EvalPoints: 200})
	if !errors.Is(err, ErrHostCycle) {
		t.Fatalf("expected host cycle, got %v", err)
	}
}

func TestBuildHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Build(ctx, channel(), hardware.Default(), Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
