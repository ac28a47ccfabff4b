package builder

import (
	"errors"
	"fmt"

	"spikecore/internal/netgraph"
	"spikecore/internal/stimulus"
)

var ErrHostCycle = errors.New("host nodes form a cycle")

// HostPlan is everything the host computes around the core: node values,
// spike encoding of values sent to the core, decoding of values the core
// sends back, learning errors and probes.
type HostPlan struct {
	Dt float64
	// Nodes are in evaluation order: every node comes after the nodes
	// linked into it.
	Nodes     []HostNode
	Links     []Link
	Inputs    []HostInput
	Receivers []Receiver
	Errors    []ErrorRoute
	Probes    []ProbePlan
}

type HostNode struct {
	Label    string
	SizeIn   int
	SizeOut  int
	Stimulus *stimulus.Spec
}

// Link is a node to node connection evaluated on the host.
type Link struct {
	Label     string
	Pre       string
	Post      string
	Function  string
	Transform [][]float64
	Synapse   float64
	Dims      int
}

// HostInput encodes T·f(x) of a node as on/off spike pairs on lines
// [Line, Line+2*Dims) of the core. Rate is the peak rate of one pair.
type HostInput struct {
	Label     string
	Source    string
	Function  string
	Transform [][]float64
	Line      int
	Dims      int
	Rate      float64
}

// Receiver decodes core spikes into the input of a host node. Probes index
// the model probes holding the decode weights.
type Receiver struct {
	Label   string
	Post    string
	Probes  []int
	Synapse float64
	Dims    int
}

// ErrorRoute feeds the output of a host node to a learning weight table.
type ErrorRoute struct {
	Synapses int
	Source   string
}

// ProbePlan maps a user probe onto model probes or a host node. Raw core
// samples of model probe Probes[k] convert to real units by Scales[k].
type ProbePlan struct {
	Label       string
	Attr        netgraph.ProbeAttr
	Target      string
	OnChip      bool
	Probes      []int
	Scales      []float64
	Synapse     float64
	SampleEvery int
	Dims        int
}

// Precomputable reports whether every value the host sends to the core is
// independent of what the core sends back, so all inputs can be produced
// ahead of a run.
func (p *HostPlan) Precomputable() bool {
	dependent := p.chipDependent()
	for _, in := range p.Inputs {
		if dependent[in.Source] {
			return false
		}
	}
	for _, e := range p.Errors {
		if dependent[e.Source] {
			return false
		}
	}
	return true
}

func (p *HostPlan) chipDependent() map[string]bool {
	dependent := make(map[string]bool)
	for _, r := range p.Receivers {
		dependent[r.Post] = true
	}
	for changed := true; changed; {
		changed = false
		for _, l := range p.Links {
			if dependent[l.Pre] && !dependent[l.Post] {
				dependent[l.Post] = true
				changed = true
			}
		}
	}
	return dependent
}

func (p *HostPlan) Node(label string) (HostNode, bool) {
	for _, n := range p.Nodes {
		if n.Label == label {
			return n, true
		}
	}
	return HostNode{}, false
}

func (b *build) planHost() error {
	for _, c := range b.net.Connections {
		if b.net.OnChip(c.Pre.Object) || b.net.OnChip(c.Post.Object) {
			continue
		}
		width, err := b.net.FunctionWidth(c)
		if err != nil {
			return err
		}
		b.host.Links = append(b.host.Links, Link{
			Label:     c.Label,
			Pre:       c.Pre.Object,
			Post:      c.Post.Object,
			Function:  c.Function,
			Transform: c.Transform,
			Synapse:   c.Synapse,
			Dims:      width,
		})
	}
	nodes, err := orderNodes(b.net.Nodes, b.host.Links)
	if err != nil {
		return err
	}
	b.host.Nodes = nodes
	b.host.Inputs = b.inputs
	b.host.Receivers = b.receivers
	for i, s := range b.model.Synapses {
		if s.Learning != nil {
			b.host.Errors = append(b.host.Errors, ErrorRoute{Synapses: i, Source: s.Learning.ErrorSource})
		}
	}

	for i := range b.probes {
		p := &b.probes[i]
		if !p.OnChip {
			continue
		}
		p.Scales = make([]float64, len(p.Probes))
		for k, pi := range p.Probes {
			g := b.model.Probes[pi].Group
			switch p.Attr {
			case netgraph.AttrSpikes, netgraph.AttrDecoded:
				p.Scales[k] = 1 / b.limits.Dt
			case netgraph.AttrVoltage:
				p.Scales[k] = 1 / b.groups[g].scale
			case netgraph.AttrCurrent:
				p.Scales[k] = 1 / (b.groups[g].scale * b.groups[g].vScale)
			}
		}
	}
	b.host.Probes = b.probes
	return nil
}

// orderNodes sorts nodes so that each follows the nodes linked into it,
// keeping declaration order among independent nodes.
func orderNodes(nodes []netgraph.Node, links []Link) ([]HostNode, error) {
	indegree := make(map[string]int, len(nodes))
	for _, l := range links {
		indegree[l.Post]++
	}
	done := make(map[string]bool, len(nodes))
	out := make([]HostNode, 0, len(nodes))
	for len(out) < len(nodes) {
		progressed := false
		for _, n := range nodes {
			if done[n.Label] || indegree[n.Label] > 0 {
				continue
			}
			done[n.Label] = true
			progressed = true
			out = append(out, HostNode{Label: n.Label, SizeIn: n.SizeIn, SizeOut: n.SizeOut, Stimulus: n.Stimulus})
			for _, l := range links {
				if l.Pre == n.Label {
					indegree[l.Post]--
				}
			}
		}
		if !progressed {
			var stuck []string
			for _, n := range nodes {
				if !done[n.Label] {
					stuck = append(stuck, n.Label)
				}
			}
			return nil, fmt.Errorf("%w: %v", ErrHostCycle, stuck)
		}
	}
	return out, nil
}
