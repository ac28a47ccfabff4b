package netgraph

import (
	"errors"
	"fmt"

	"spikecore/internal/neurons"
	"spikecore/internal/stimulus"
)

var ErrInvalidNetwork = errors.New("invalid network")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidNetwork, fmt.Sprintf(format, args...))
}

// Normalize fills defaults and generated labels in place.
func (n *Network) Normalize() {
	for i := range n.Ensembles {
		e := &n.Ensembles[i]
		if e.Neuron.Kind == "" {
			e.Neuron = neurons.DefaultLIF()
		}
		if e.MaxRates == nil {
			d := Uniform(200, 400)
			e.MaxRates = &d
		}
		if e.Intercepts == nil {
			d := Uniform(-1, 0.9)
			e.Intercepts = &d
		}
	}
	for i := range n.Connections {
		if n.Connections[i].Label == "" {
			n.Connections[i].Label = fmt.Sprintf("%s->%s", n.Connections[i].Pre, n.Connections[i].Post)
		}
	}
	for i := range n.Probes {
		p := &n.Probes[i]
		if p.Attr == "" {
			p.Attr = AttrDecoded
		}
		if p.SampleEvery <= 0 {
			p.SampleEvery = 1
		}
		if p.Label == "" {
			p.Label = fmt.Sprintf("%s.%s", p.Target, p.Attr)
		}
	}
}

// Validate checks structure and shapes. It does not check hardware
// capacity, which depends on the limits a build targets.
func (n *Network) Validate() error {
	seen := make(map[string]struct{})
	for _, e := range n.Ensembles {
		if err := validateLabel(seen, e.Label); err != nil {
			return err
		}
		if e.N <= 0 || e.Dimensions <= 0 {
			return invalid("ensemble %s needs n > 0 and dimensions > 0", e.Label)
		}
		if _, err := neurons.ParseKind(string(e.Neuron.Kind)); err != nil || e.Neuron.Kind == neurons.NIF {
			return invalid("ensemble %s has unsupported neuron kind %q", e.Label, e.Neuron.Kind)
		}
		if e.Neuron.Kind == neurons.LIF && e.Neuron.TauRC <= 0 {
			return invalid("ensemble %s needs tau_rc > 0", e.Label)
		}
		if e.Encoders != nil && !shapeIs(e.Encoders, e.N, e.Dimensions) {
			return invalid("ensemble %s encoders must be %dx%d", e.Label, e.N, e.Dimensions)
		}
		if (e.Gain == nil) != (e.Bias == nil) {
			return invalid("ensemble %s must set gain and bias together", e.Label)
		}
		if e.Gain != nil && (len(e.Gain) != e.N || len(e.Bias) != e.N) {
			return invalid("ensemble %s gain and bias need %d entries", e.Label, e.N)
		}
		for _, d := range []*Dist{e.MaxRates, e.Intercepts} {
			if d != nil && d.Values != nil && len(d.Values) != e.N {
				return invalid("ensemble %s distribution lists need %d values", e.Label, e.N)
			}
		}
	}
	for _, node := range n.Nodes {
		if err := validateLabel(seen, node.Label); err != nil {
			return err
		}
		if node.SizeIn < 0 || node.SizeOut < 0 || node.SizeIn+node.SizeOut == 0 {
			return invalid("node %s has no inputs or outputs", node.Label)
		}
		if node.IsInput() {
			if node.SizeIn != 0 || node.SizeOut == 0 {
				return invalid("input node %s must have size_in 0 and size_out > 0", node.Label)
			}
			if _, err := stimulus.ResolveStimulus(*node.Stimulus, node.SizeOut); err != nil {
				return invalid("input node %s: %v", node.Label, err)
			}
		} else if node.SizeOut > 0 && node.SizeIn != node.SizeOut {
			return invalid("pass-through node %s must have size_in == size_out", node.Label)
		}
	}

	connLabels := make(map[string]struct{})
	for _, c := range n.Connections {
		if _, dup := connLabels[c.Label]; dup {
			return invalid("duplicate connection label %s", c.Label)
		}
		connLabels[c.Label] = struct{}{}
		if err := n.validateConnection(c); err != nil {
			return err
		}
	}

	probeLabels := make(map[string]struct{})
	for _, p := range n.Probes {
		if _, dup := probeLabels[p.Label]; dup {
			return invalid("duplicate probe label %s", p.Label)
		}
		probeLabels[p.Label] = struct{}{}
		kind, _ := n.Lookup(p.Target)
		switch {
		case kind == KindNone:
			return invalid("probe %s targets unknown object %s", p.Label, p.Target)
		case p.Attr == AttrDecoded:
			if kind == KindNode && n.Node(p.Target).SizeOut == 0 {
				return invalid("probe %s targets node %s which has no output", p.Label, p.Target)
			}
		case p.Attr == AttrSpikes || p.Attr == AttrVoltage || p.Attr == AttrCurrent:
			if kind != KindEnsemble {
				return invalid("probe %s: %s is only available on ensembles", p.Label, p.Attr)
			}
		default:
			return invalid("probe %s has unknown attribute %q", p.Label, p.Attr)
		}
		if p.Synapse < 0 {
			return invalid("probe %s synapse must be >= 0", p.Label)
		}
	}
	return nil
}

func (n *Network) validateConnection(c Connection) error {
	preKind, _ := n.Lookup(c.Pre.Object)
	postKind, _ := n.Lookup(c.Post.Object)
	if preKind == KindNone || postKind == KindNone {
		return invalid("connection %s references an unknown object", c.Label)
	}
	if (c.Pre.Neurons && preKind != KindEnsemble) || (c.Post.Neurons && postKind != KindEnsemble) {
		return invalid("connection %s: only ensembles expose neurons", c.Label)
	}
	if postKind == KindNode && n.Node(c.Post.Object).SizeIn == 0 {
		return invalid("connection %s targets node %s which takes no input", c.Label, c.Post.Object)
	}
	if n.SourceSize(c.Pre) == 0 {
		return invalid("connection %s: %s has no output", c.Label, c.Pre)
	}
	if c.Function != "" && c.Pre.Neurons {
		return invalid("connection %s: functions need a decoded source", c.Label)
	}
	width, err := n.FunctionWidth(c)
	if err != nil {
		return invalid("connection %s: %v", c.Label, err)
	}
	if c.Transform == nil {
		if width != n.SinkSize(c.Post) {
			return invalid("connection %s: %s emits %d values, %s accepts %d", c.Label, c.Pre, width, c.Post, n.SinkSize(c.Post))
		}
	} else if !shapeIs(c.Transform, n.SinkSize(c.Post), width) {
		return invalid("connection %s transform must be %dx%d", c.Label, n.SinkSize(c.Post), width)
	}
	if c.Synapse < 0 || c.Delay < 0 {
		return invalid("connection %s synapse and delay must be >= 0", c.Label)
	}
	if c.Delay > 0 && postKind != KindEnsemble {
		return invalid("connection %s: delays are only supported into ensembles", c.Label)
	}
	switch c.Sign {
	case SignMixed, SignExcitatory, SignInhibitory:
	default:
		return invalid("connection %s has unknown sign %q", c.Label, c.Sign)
	}
	if c.Learning != nil {
		if preKind != KindEnsemble || postKind != KindEnsemble || c.Pre.Neurons || c.Post.Neurons {
			return invalid("connection %s: learning needs a decoded ensemble to ensemble connection", c.Label)
		}
		errNode := n.Node(c.Learning.Error)
		if errNode == nil {
			return invalid("connection %s: learning error node %s not found", c.Label, c.Learning.Error)
		}
		if errNode.SizeOut != n.SinkSize(c.Post) {
			return invalid("connection %s: error node %s must emit %d values", c.Label, errNode.Label, n.SinkSize(c.Post))
		}
		if c.Learning.LearningRate < 0 || c.Learning.PreTau < 0 {
			return invalid("connection %s: learning rate and pre_tau must be >= 0", c.Label)
		}
		if c.Sign != SignMixed {
			return invalid("connection %s: learned weights must be sign-mixed", c.Label)
		}
	}
	return nil
}

// FunctionWidth is the width of a connection's source after its function.
func (n *Network) FunctionWidth(c Connection) (int, error) {
	in := n.SourceSize(c.Pre)
	if c.Function == "" {
		return in, nil
	}
	fn, err := stimulus.ResolveFunction(c.Function)
	if err != nil {
		return 0, err
	}
	return fn.OutDims(in)
}

func validateLabel(seen map[string]struct{}, label string) error {
	if label == "" {
		return invalid("objects need a label")
	}
	if _, dup := seen[label]; dup {
		return invalid("duplicate label %s", label)
	}
	seen[label] = struct{}{}
	return nil
}

func shapeIs(m [][]float64, rows, cols int) bool {
	if len(m) != rows {
		return false
	}
	for _, row := range m {
		if len(row) != cols {
			return false
		}
	}
	return true
}
