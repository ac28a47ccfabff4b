package builder

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"spikecore/internal/cx"
	"spikecore/internal/netgraph"
)

// block is the slice of an ensemble placed in one group.
type block struct {
	group  int
	start  int
	n      int
	offset int
}

// groupInfo keeps the real-valued parameters of a group until it is
// discretized.
type groupInfo struct {
	ens    string
	start  int
	synTau float64
	vScale float64
	// scale is the voltage units per unit threshold chosen by
	// discretization.
	scale float64
}

type pendingRow struct {
	indices []int32
	weights []float64
}

type pendingLearning struct {
	source   string
	preTau   float64
	impulse  int32
	encoders [][]float64
	// scale is the error scale per unit of weight mantissa scale.
	scale float64
}

// pendingTable is a weight table with weights in threshold units, before
// the group's scale is known.
type pendingTable struct {
	label    string
	group    int
	sign     cx.SignMode
	rows     []pendingRow
	learning *pendingLearning
}

func (b *build) partition() error {
	b.blocks = make(map[string][]block, len(b.net.Ensembles))
	limit := b.limits.MaxCompartmentsPerGroup
	offset := 0
	for _, e := range b.net.Ensembles {
		tau, err := b.synapseTau(e.Label)
		if err != nil {
			return err
		}
		count := (e.N + limit - 1) / limit
		for k := 0; k < count; k++ {
			start := k * limit
			n := min(limit, e.N-start)
			label := e.Label
			if count > 1 {
				label = fmt.Sprintf("%s#%d", e.Label, k)
			}
			gi := len(b.model.Groups)
			b.model.Groups = append(b.model.Groups, cx.Group{Label: label, Offset: offset, N: n})
			b.groups = append(b.groups, groupInfo{
				ens:    e.Label,
				start:  start,
				synTau: tau,
				vScale: float64(e.Neuron.VoltageScale(float32(b.limits.Dt))),
			})
			b.blocks[e.Label] = append(b.blocks[e.Label], block{group: gi, start: start, n: n, offset: offset})
			offset += n
		}
	}
	b.axons = make([][]cx.Axon, offset)
	return nil
}

// synapseTau is the synaptic time constant shared by every connection into
// an ensemble. A group has one current filter, so mixed constants cannot be
// placed.
func (b *build) synapseTau(label string) (float64, error) {
	tau, seen := 0.0, false
	var first string
	for _, c := range b.net.Connections {
		if c.Post.Object != label {
			continue
		}
		if !seen {
			tau, seen, first = c.Synapse, true, c.Label
			continue
		}
		if c.Synapse != tau {
			return 0, fmt.Errorf("%w: ensemble %s receives synapse %g from %s and %g from %s",
				netgraph.ErrInvalidNetwork, label, tau, first, c.Synapse, c.Label)
		}
	}
	return tau, nil
}

// synapseFraction is the share of the filtered current that decays each
// tick.
func synapseFraction(tau, dt float64) float64 {
	if tau <= 0 {
		return 1
	}
	return -math.Expm1(-dt / tau)
}

// weightScale converts a weight in input current per Hz into the threshold
// units a spike adds to the filtered current of ensemble label.
func (b *build) weightScale(label string) float64 {
	info := b.groups[b.blocks[label][0].group]
	return synapseFraction(info.synTau, b.limits.Dt) * info.vScale / b.limits.Dt
}

func signMode(s netgraph.WeightSign) cx.SignMode {
	switch s {
	case netgraph.SignExcitatory:
		return cx.SignExcitatory
	case netgraph.SignInhibitory:
		return cx.SignInhibitory
	}
	return cx.SignMixed
}

func axonDelay(c netgraph.Connection) int32 {
	return int32(max(c.Delay, 1))
}

func tableLabel(label string, parts, i, k int) string {
	if parts == 1 {
		return label
	}
	return fmt.Sprintf("%s[%d,%d]", label, i, k)
}

func (b *build) compileConnections() error {
	for _, c := range b.net.Connections {
		preOn, postOn := b.net.OnChip(c.Pre.Object), b.net.OnChip(c.Post.Object)
		var err error
		switch {
		case preOn && postOn:
			err = b.compileChip(c)
		case postOn:
			err = b.compileInput(c)
		case preOn:
			err = b.compileReceiver(c)
		}
		if err != nil {
			return fmt.Errorf("connection %s: %w", c.Label, err)
		}
	}
	return nil
}

// readout is T·R of a connection leaving an ensemble: the sink-space value
// each pre neuron's rate contributes.
func (b *build) readout(c netgraph.Connection) (*mat.Dense, error) {
	pre := b.tunings[c.Pre.Object]
	var r *mat.Dense
	if c.Pre.Neurons {
		r = dense(nil, pre.ens.N, pre.ens.N)
	} else {
		d, err := pre.decode(c.Function, c.SolverReg)
		if err != nil {
			return nil, err
		}
		r = mat.DenseCopyOf(d.T())
	}
	width, _ := r.Dims()
	return mul(dense(c.Transform, b.net.SinkSize(c.Post), width), r), nil
}

// inputMap is P of a connection entering an ensemble: neuron currents per
// unit of sink-space value.
func (b *build) inputMap(post netgraph.Endpoint) *mat.Dense {
	t := b.tunings[post.Object]
	if post.Neurons {
		return dense(nil, t.ens.N, t.ens.N)
	}
	return t.encoding()
}

func (b *build) addTable(t *pendingTable) int32 {
	b.tables = append(b.tables, t)
	return int32(len(b.tables) - 1)
}

func (b *build) compileChip(c netgraph.Connection) error {
	readout, err := b.readout(c)
	if err != nil {
		return err
	}
	weights := mul(b.inputMap(c.Post), readout)
	scale := b.weightScale(c.Post.Object)
	delay := axonDelay(c)
	preBlocks, postBlocks := b.blocks[c.Pre.Object], b.blocks[c.Post.Object]
	parts := len(preBlocks) * len(postBlocks)

	var learning func(qb block) *pendingLearning
	if c.Learning != nil {
		learning = b.learning(c, scale)
	}

	for pi, pb := range preBlocks {
		for qi, qb := range postBlocks {
			t := &pendingTable{
				label: tableLabel(c.Label, parts, pi, qi),
				group: qb.group,
				sign:  signMode(c.Sign),
				rows:  make([]pendingRow, pb.n),
			}
			if learning != nil {
				t.learning = learning(qb)
			}
			for j := 0; j < pb.n; j++ {
				row := &t.rows[j]
				for i := 0; i < qb.n; i++ {
					w := weights.At(qb.start+i, pb.start+j) * scale
					if w == 0 && t.learning == nil {
						continue
					}
					row.indices = append(row.indices, int32(i))
					row.weights = append(row.weights, w)
				}
			}
			ti := b.addTable(t)
			for j, row := range t.rows {
				if len(row.indices) == 0 {
					continue
				}
				b.axons[pb.offset+j] = append(b.axons[pb.offset+j], cx.Axon{Synapses: ti, Row: int32(j), Delay: delay})
			}
		}
	}
	return nil
}

// learning prepares the trace and error projection of a learned
// connection. The error a compartment receives is quantized so that one
// tick of trace moves its weights by the rule's decoder update.
func (b *build) learning(c netgraph.Connection, weightScale float64) func(block) *pendingLearning {
	pes := c.Learning
	pre := b.tunings[c.Pre.Object]
	dt := b.limits.Dt
	traceMax := float64(int64(1)<<b.limits.TraceBits - 1)
	frac := synapseFraction(pes.PreTau, dt)

	impulse := traceMax
	if pre.maxRate > 0 {
		impulse = math.Floor(traceMax * frac / (pre.maxRate * dt))
	}
	impulse = math.Max(1, math.Min(traceMax, impulse))
	scale := math.Ldexp(pes.LearningRate/float64(pre.ens.N)*frac/impulse*weightScale, b.limits.LearnShift)
	encoding := rowsOf(b.inputMap(c.Post))

	return func(qb block) *pendingLearning {
		return &pendingLearning{
			source:   pes.Error,
			preTau:   pes.PreTau,
			impulse:  int32(impulse),
			encoders: encoding[qb.start : qb.start+qb.n],
			scale:    scale,
		}
	}
}

func (b *build) compileInput(c netgraph.Connection) error {
	dims := b.net.SinkSize(c.Post)
	rate := b.opts.InterRate * float64(b.opts.InterN)
	if rate*b.limits.Dt > 1 {
		return fmt.Errorf("%w: %s peaks at %g Hz, tick of %gs allows %g Hz",
			ErrInputRate, c.Label, rate, b.limits.Dt, 1/b.limits.Dt)
	}
	line := b.model.InputLines()
	b.model.Inputs = append(b.model.Inputs, cx.SpikeInput{Label: c.Label, Offset: line, N: 2 * dims})
	b.inputAxons = append(b.inputAxons, make([][]cx.Axon, 2*dims)...)

	p := b.inputMap(c.Post)
	scale := b.weightScale(c.Post.Object) / rate
	delay := axonDelay(c)
	postBlocks := b.blocks[c.Post.Object]
	for qi, qb := range postBlocks {
		t := &pendingTable{
			label: tableLabel(c.Label, len(postBlocks), 0, qi),
			group: qb.group,
			sign:  signMode(c.Sign),
			rows:  make([]pendingRow, 2*dims),
		}
		for k := 0; k < dims; k++ {
			on, off := &t.rows[2*k], &t.rows[2*k+1]
			for i := 0; i < qb.n; i++ {
				w := p.At(qb.start+i, k) * scale
				if w == 0 {
					continue
				}
				on.indices = append(on.indices, int32(i))
				on.weights = append(on.weights, w)
				off.indices = append(off.indices, int32(i))
				off.weights = append(off.weights, -w)
			}
		}
		ti := b.addTable(t)
		for r, row := range t.rows {
			if len(row.indices) == 0 {
				continue
			}
			b.inputAxons[line+r] = append(b.inputAxons[line+r], cx.Axon{Synapses: ti, Row: int32(r), Delay: delay})
		}
	}

	b.inputs = append(b.inputs, HostInput{
		Label:     c.Label,
		Source:    c.Pre.Object,
		Function:  c.Function,
		Transform: c.Transform,
		Line:      line,
		Dims:      dims,
		Rate:      rate,
	})
	return nil
}

func (b *build) compileReceiver(c netgraph.Connection) error {
	readout, err := b.readout(c)
	if err != nil {
		return err
	}
	weights := rowsOf(readout.T())
	r := Receiver{Label: c.Label, Post: c.Post.Object, Synapse: c.Synapse, Dims: b.net.SinkSize(c.Post)}
	r.Probes = b.spikeProbes(c.Label, c.Pre.Object, weights, 1)
	b.receivers = append(b.receivers, r)
	return nil
}

// spikeProbes binds one spike probe per block of an ensemble. weights,
// when set, holds one decode row per neuron.
func (b *build) spikeProbes(label, ens string, weights [][]float64, every int) []int {
	blocks := b.blocks[ens]
	var out []int
	for k, blk := range blocks {
		p := cx.Probe{
			Label:       tableLabel(label, len(blocks), 0, k),
			Group:       blk.group,
			Key:         cx.KeySpike,
			Start:       0,
			Stop:        blk.n,
			SampleEvery: every,
		}
		if weights != nil {
			p.Weights = weights[blk.start : blk.start+blk.n]
		}
		out = append(out, len(b.model.Probes))
		b.model.Probes = append(b.model.Probes, p)
	}
	return out
}

func (b *build) compileProbes() error {
	for _, p := range b.net.Probes {
		plan := ProbePlan{
			Label:       p.Label,
			Attr:        p.Attr,
			Target:      p.Target,
			OnChip:      b.net.OnChip(p.Target),
			Synapse:     p.Synapse,
			SampleEvery: p.SampleEvery,
		}
		if !plan.OnChip {
			plan.Dims = b.net.Node(p.Target).SizeOut
			b.probes = append(b.probes, plan)
			continue
		}

		t := b.tunings[p.Target]
		switch p.Attr {
		case netgraph.AttrDecoded:
			d, err := t.decode("", 0)
			if err != nil {
				return fmt.Errorf("probe %s: %w", p.Label, err)
			}
			plan.Dims = t.ens.Dimensions
			plan.Probes = b.spikeProbes(p.Label, p.Target, rowsOf(d), 1)
		case netgraph.AttrSpikes:
			plan.Dims = t.ens.N
			plan.Probes = b.spikeProbes(p.Label, p.Target, nil, p.SampleEvery)
		default:
			key := cx.KeyVoltage
			if p.Attr == netgraph.AttrCurrent {
				key = cx.KeyCurrent
			}
			plan.Dims = t.ens.N
			blocks := b.blocks[p.Target]
			for k, blk := range blocks {
				plan.Probes = append(plan.Probes, len(b.model.Probes))
				b.model.Probes = append(b.model.Probes, cx.Probe{
					Label:       tableLabel(p.Label, len(blocks), 0, k),
					Group:       blk.group,
					Key:         key,
					Start:       0,
					Stop:        blk.n,
					SampleEvery: p.SampleEvery,
				})
			}
		}
		b.probes = append(b.probes, plan)
	}
	return nil
}
