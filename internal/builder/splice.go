package builder

import (
	"fmt"
	"sort"

	"spikecore/internal/netgraph"
)

// Splice removes host pass-through nodes that sit between ensembles, so the
// signal stays on the core. Each incoming connection c1 and outgoing c2 of
// such a node is replaced by one connection with transform T2·T1. A node
// stays on the host when it is probed, is a learning error source, touches
// a learned connection, has a function on an outgoing connection, or when
// both c1 and c2 filter.
func Splice(net *netgraph.Network) (*netgraph.Network, []string) {
	out := net.Clone()
	var removed []string
	for {
		label, ok := nextSpliceable(out)
		if !ok {
			break
		}
		spliceNode(out, label)
		removed = append(removed, label)
	}
	sort.Strings(removed)
	return out, removed
}

func nextSpliceable(net *netgraph.Network) (string, bool) {
	probed := make(map[string]bool)
	for _, p := range net.Probes {
		probed[p.Target] = true
	}
	errorSources := make(map[string]bool)
	for _, c := range net.Connections {
		if c.Learning != nil {
			errorSources[c.Learning.Error] = true
		}
	}

nodes:
	for _, node := range net.Nodes {
		if node.IsInput() || node.SizeOut == 0 || probed[node.Label] || errorSources[node.Label] {
			continue
		}
		var in, out []netgraph.Connection
		for _, c := range net.Connections {
			if c.Post.Object == node.Label {
				in = append(in, c)
			}
			if c.Pre.Object == node.Label {
				out = append(out, c)
			}
		}
		if len(in) == 0 || len(out) == 0 {
			continue
		}
		for _, c := range in {
			if !net.OnChip(c.Pre.Object) || c.Learning != nil {
				continue nodes
			}
		}
		for _, c := range out {
			if !net.OnChip(c.Post.Object) || c.Learning != nil || c.Function != "" {
				continue nodes
			}
		}
		for _, c1 := range in {
			for _, c2 := range out {
				if c1.Synapse > 0 && c2.Synapse > 0 {
					continue nodes
				}
			}
		}
		return node.Label, true
	}
	return "", false
}

func spliceNode(net *netgraph.Network, label string) {
	var in, out, kept []netgraph.Connection
	for _, c := range net.Connections {
		switch {
		case c.Post.Object == label:
			in = append(in, c)
		case c.Pre.Object == label:
			out = append(out, c)
		default:
			kept = append(kept, c)
		}
	}
	size := net.Node(label).SizeIn
	for _, c1 := range in {
		w1, _ := net.FunctionWidth(c1)
		for _, c2 := range out {
			t1 := dense(c1.Transform, size, w1)
			t2 := dense(c2.Transform, net.SinkSize(c2.Post), size)
			sign := c2.Sign
			if sign == netgraph.SignMixed {
				sign = c1.Sign
			}
			kept = append(kept, netgraph.Connection{
				Label:     fmt.Sprintf("%s+%s", c1.Label, c2.Label),
				Pre:       c1.Pre,
				Post:      c2.Post,
				Transform: rowsOf(mul(t2, t1)),
				Function:  c1.Function,
				Synapse:   c1.Synapse + c2.Synapse,
				Delay:     c1.Delay + c2.Delay,
				SolverReg: c1.SolverReg,
				Sign:      sign,
			})
		}
	}
	net.Connections = kept

	nodes := net.Nodes[:0]
	for _, n := range net.Nodes {
		if n.Label != label {
			nodes = append(nodes, n)
		}
	}
	net.Nodes = nodes
}
