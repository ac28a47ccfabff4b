// Package cx is the hardware-shaped model: compartment groups, weight
// tables, a flat axon table and probe bindings, all integer-quantized and
// addressed by index.
package cx

import (
	"fmt"

	"github.com/c2h5oh/datasize"

	"spikecore/internal/hardware"
)

type ResetMode uint8

const (
	// ResetZero clears the voltage after a spike.
	ResetZero ResetMode = iota
	// ResetSubtract removes the threshold from the voltage after a spike.
	ResetSubtract
)

// Group is a contiguous block of compartments placed on one core. Slices
// are indexed by compartment within the group.
type Group struct {
	Label        string
	Offset       int
	N            int
	DecayU       []int32
	DecayV       []int32
	RefractDelay []int32
	Vth          []int32
	Bias         []int32
	Vmin         int32
	Vmax         int32
	Reset        ResetMode
}

type SignMode uint8

const (
	SignMixed SignMode = iota
	SignExcitatory
	SignInhibitory
)

// Row is the fan-in of one axon into a weight table: local compartment
// indices with their weight mantissas.
type Row struct {
	Indices []int32
	Weights []int32
}

// Learning drives error-modulated updates of a weight table. Each row
// keeps a decaying trace of its source spikes; each compartment receives
// one error value per tick.
type Learning struct {
	TraceDecay   int32
	TraceImpulse int32
	Shift        int
	// ErrorEncoders and ErrorScale project the host error vector onto the
	// table's compartments before quantization.
	ErrorEncoders [][]float64
	ErrorScale    float64
	ErrorSource   string
}

// Synapses is a weight table owned by its destination group. The current a
// spike injects is the mantissa shifted by WgtExp.
type Synapses struct {
	Label    string
	Group    int
	Sign     SignMode
	WgtExp   int
	Rows     []Row
	Learning *Learning
}

func (s *Synapses) Entries() int {
	n := 0
	for _, r := range s.Rows {
		n += len(r.Indices)
	}
	return n
}

// Axon routes a spike into one row of a weight table after Delay ticks.
type Axon struct {
	Synapses int32
	Row      int32
	Delay    int32
}

// SpikeInput is a block of host spike lines. Lines are numbered globally
// across inputs starting at Offset.
type SpikeInput struct {
	Label  string
	Offset int
	N      int
}

type ProbeKey uint8

const (
	KeyCurrent ProbeKey = iota
	KeyVoltage
	KeySpike
)

func (k ProbeKey) String() string {
	switch k {
	case KeyCurrent:
		return "u"
	case KeyVoltage:
		return "v"
	case KeySpike:
		return "s"
	}
	return fmt.Sprintf("key(%d)", k)
}

// Probe samples one state variable of a group slice. Weights, when set,
// decode spike samples into a value on the host; Synapse filters it.
type Probe struct {
	Label       string
	Group       int
	Key         ProbeKey
	Start       int
	Stop        int
	SampleEvery int
	Weights     [][]float64
	Synapse     float64
}

func (p Probe) Width() int { return p.Stop - p.Start }

type Model struct {
	Label    string
	Limits   hardware.Limits
	Groups   []Group
	Synapses []Synapses

	// Axons are grouped by source compartment: the axons of global
	// compartment c are Axons[AxonIndex[c]:AxonIndex[c+1]].
	Axons     []Axon
	AxonIndex []int32

	Inputs         []SpikeInput
	InputAxons     []Axon
	InputAxonIndex []int32

	Probes   []Probe
	Warnings []string
}

func (m *Model) Compartments() int {
	n := 0
	for _, g := range m.Groups {
		n += g.N
	}
	return n
}

func (m *Model) InputLines() int {
	n := 0
	for _, in := range m.Inputs {
		n += in.N
	}
	return n
}

func (m *Model) FanOut(c int) []Axon {
	return m.Axons[m.AxonIndex[c]:m.AxonIndex[c+1]]
}

func (m *Model) InputFanOut(line int) []Axon {
	return m.InputAxons[m.InputAxonIndex[line]:m.InputAxonIndex[line+1]]
}

type Stats struct {
	Groups       int
	Compartments int
	Axons        int
	InputLines   int
	Synapses     int
	SynapseBytes datasize.ByteSize
	Learning     int
	Probes       int
}

func (m *Model) Stats() Stats {
	s := Stats{
		Groups:       len(m.Groups),
		Compartments: m.Compartments(),
		Axons:        len(m.Axons) + len(m.InputAxons),
		InputLines:   m.InputLines(),
		Probes:       len(m.Probes),
	}
	for i := range m.Synapses {
		s.Synapses += m.Synapses[i].Entries()
		if m.Synapses[i].Learning != nil {
			s.Learning++
		}
	}
	s.SynapseBytes = datasize.ByteSize(s.Synapses) * m.Limits.SynapseEntryBytes()
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf("groups=%d compartments=%d axons=%d inputs=%d synapses=%d (%s) learning=%d probes=%d",
		s.Groups, s.Compartments, s.Axons, s.InputLines, s.Synapses, s.SynapseBytes.HumanReadable(), s.Learning, s.Probes)
}

// GroupOf returns the group index owning global compartment c.
func (m *Model) GroupOf(c int) int {
	for i, g := range m.Groups {
		if c >= g.Offset && c < g.Offset+g.N {
			return i
		}
	}
	return -1
}
