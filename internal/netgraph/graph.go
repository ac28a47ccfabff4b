// Package netgraph is the abstract network a builder compiles: ensembles of
// neurons, host nodes, connections between them and probes.
package netgraph

import (
	"spikecore/internal/model"
	"spikecore/internal/neurons"
	"spikecore/internal/stimulus"
)

type Network struct {
	model.VersionedRecord
	Label       string       `json:"label"`
	Seed        int64        `json:"seed"`
	Ensembles   []Ensemble   `json:"ensembles"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	Probes      []Probe      `json:"probes"`
}

// Dist is either an explicit per-neuron list or a uniform range.
type Dist struct {
	Low    float64   `json:"low"`
	High   float64   `json:"high"`
	Values []float64 `json:"values,omitempty"`
}

func Uniform(low, high float64) Dist { return Dist{Low: low, High: high} }

func Values(values ...float64) Dist { return Dist{Values: values} }

type Ensemble struct {
	Label      string          `json:"label"`
	N          int             `json:"n"`
	Dimensions int             `json:"dimensions"`
	Neuron     neurons.Params  `json:"neuron"`
	MaxRates   *Dist           `json:"max_rates,omitempty"`
	Intercepts *Dist           `json:"intercepts,omitempty"`
	Encoders   [][]float64     `json:"encoders,omitempty"`
	// Gain and Bias, when set, bypass MaxRates and Intercepts.
	Gain []float64 `json:"gain,omitempty"`
	Bias []float64 `json:"bias,omitempty"`
	Seed *int64    `json:"seed,omitempty"`
}

// Node lives on the host. A node with a stimulus is an input; one without
// sums its inputs and passes them on.
type Node struct {
	Label    string         `json:"label"`
	SizeIn   int            `json:"size_in"`
	SizeOut  int            `json:"size_out"`
	Stimulus *stimulus.Spec `json:"stimulus,omitempty"`
}

func (n Node) IsInput() bool { return n.Stimulus != nil }

// Endpoint names an object. Neurons addresses an ensemble's neurons
// directly instead of its decoded value.
type Endpoint struct {
	Object  string `json:"object"`
	Neurons bool   `json:"neurons,omitempty"`
}

func (e Endpoint) String() string {
	if e.Neurons {
		return e.Object + ".neurons"
	}
	return e.Object
}

type WeightSign string

const (
	SignMixed      WeightSign = ""
	SignExcitatory WeightSign = "excitatory"
	SignInhibitory WeightSign = "inhibitory"
)

type Connection struct {
	Label string   `json:"label"`
	Pre   Endpoint `json:"pre"`
	Post  Endpoint `json:"post"`
	// Transform is post-size rows by function-output columns. Nil is
	// identity.
	Transform [][]float64 `json:"transform,omitempty"`
	Function  string      `json:"function,omitempty"`
	// Synapse is the low-pass time constant in seconds. Zero disables
	// filtering.
	Synapse   float64    `json:"synapse"`
	Delay     int        `json:"delay,omitempty"`
	Learning  *PES       `json:"learning,omitempty"`
	SolverReg float64    `json:"solver_reg,omitempty"`
	Sign      WeightSign `json:"sign,omitempty"`
}

// PES is the error-driven decoder learning rule. Error names the node
// whose output is the error signal.
type PES struct {
	LearningRate float64 `json:"learning_rate"`
	PreTau       float64 `json:"pre_tau"`
	Error        string  `json:"error"`
}

type ProbeAttr string

const (
	AttrDecoded ProbeAttr = "decoded"
	AttrSpikes  ProbeAttr = "spikes"
	AttrVoltage ProbeAttr = "voltage"
	AttrCurrent ProbeAttr = "current"
)

type Probe struct {
	Label       string    `json:"label"`
	Target      string    `json:"target"`
	Attr        ProbeAttr `json:"attr"`
	Synapse     float64   `json:"synapse,omitempty"`
	SampleEvery int       `json:"sample_every,omitempty"`
}

type ObjectKind int

const (
	KindNone ObjectKind = iota
	KindEnsemble
	KindNode
)

// Lookup finds an object by label.
func (n *Network) Lookup(label string) (ObjectKind, int) {
	for i := range n.Ensembles {
		if n.Ensembles[i].Label == label {
			return KindEnsemble, i
		}
	}
	for i := range n.Nodes {
		if n.Nodes[i].Label == label {
			return KindNode, i
		}
	}
	return KindNone, -1
}

func (n *Network) Ensemble(label string) *Ensemble {
	kind, i := n.Lookup(label)
	if kind != KindEnsemble {
		return nil
	}
	return &n.Ensembles[i]
}

func (n *Network) Node(label string) *Node {
	kind, i := n.Lookup(label)
	if kind != KindNode {
		return nil
	}
	return &n.Nodes[i]
}

// SourceSize is the width of the signal an endpoint emits, before any
// connection function.
func (n *Network) SourceSize(e Endpoint) int {
	switch kind, i := n.Lookup(e.Object); kind {
	case KindEnsemble:
		if e.Neurons {
			return n.Ensembles[i].N
		}
		return n.Ensembles[i].Dimensions
	case KindNode:
		return n.Nodes[i].SizeOut
	}
	return 0
}

// SinkSize is the width of the signal an endpoint accepts.
func (n *Network) SinkSize(e Endpoint) int {
	switch kind, i := n.Lookup(e.Object); kind {
	case KindEnsemble:
		if e.Neurons {
			return n.Ensembles[i].N
		}
		return n.Ensembles[i].Dimensions
	case KindNode:
		return n.Nodes[i].SizeIn
	}
	return 0
}

// OnChip reports whether an object is placed on the core. Ensembles run on
// the core, nodes run on the host.
func (n *Network) OnChip(label string) bool {
	kind, _ := n.Lookup(label)
	return kind == KindEnsemble
}

// Clone returns a deep copy, so a builder can rewrite the graph.
func (n *Network) Clone() *Network {
	out := *n
	out.Ensembles = make([]Ensemble, len(n.Ensembles))
	for i, e := range n.Ensembles {
		e.Encoders = cloneMatrix(e.Encoders)
		e.Gain = append([]float64(nil), e.Gain...)
		e.Bias = append([]float64(nil), e.Bias...)
		out.Ensembles[i] = e
	}
	out.Nodes = append([]Node(nil), n.Nodes...)
	out.Connections = make([]Connection, len(n.Connections))
	for i, c := range n.Connections {
		c.Transform = cloneMatrix(c.Transform)
		if c.Learning != nil {
			pes := *c.Learning
			c.Learning = &pes
		}
		out.Connections[i] = c
	}
	out.Probes = append([]Probe(nil), n.Probes...)
	return &out
}

func cloneMatrix(m [][]float64) [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, len(m))
	for i := range m {
		out[i] = append([]float64(nil), m[i]...)
	}
	return out
}
