// Package device talks to a neuromorphic board over a framed byte link:
// the native model format, the embedded IO routine, the frame protocol,
// the board side and the host bridge.
package device

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"

	"spikecore/internal/cx"
	"spikecore/internal/hardware"
)

const (
	modelMagic   = "SPKC"
	ModelVersion = 1
)

var ErrCodec = errors.New("malformed model image")

// EncodeModel serializes a model into the board's native format.
func EncodeModel(m *cx.Model) ([]byte, error) {
	if m == nil {
		return nil, errors.Wrap(ErrCodec, "nil model")
	}
	w := &writer{}
	w.buf.WriteString(modelMagic)
	w.u16(ModelVersion)
	w.str(m.Label)
	w.limits(m.Limits)

	w.u32(len(m.Groups))
	for _, g := range m.Groups {
		w.str(g.Label)
		w.u32(g.Offset)
		w.u32(g.N)
		for _, s := range [][]int32{g.DecayU, g.DecayV, g.RefractDelay, g.Vth, g.Bias} {
			w.i32s(s)
		}
		w.i32(g.Vmin)
		w.i32(g.Vmax)
		w.u8(uint8(g.Reset))
	}

	w.u32(len(m.Synapses))
	for _, s := range m.Synapses {
		w.str(s.Label)
		w.u32(s.Group)
		w.u8(uint8(s.Sign))
		w.i32(int32(s.WgtExp))
		w.u32(len(s.Rows))
		for _, r := range s.Rows {
			w.i32s(r.Indices)
			w.i32s(r.Weights)
		}
		if s.Learning == nil {
			w.u8(0)
			continue
		}
		l := s.Learning
		w.u8(1)
		w.i32(l.TraceDecay)
		w.i32(l.TraceImpulse)
		w.i32(int32(l.Shift))
		w.matrix(l.ErrorEncoders)
		w.f64(l.ErrorScale)
		w.str(l.ErrorSource)
	}

	w.axons(m.Axons)
	w.i32s(m.AxonIndex)
	w.u32(len(m.Inputs))
	for _, in := range m.Inputs {
		w.str(in.Label)
		w.u32(in.Offset)
		w.u32(in.N)
	}
	w.axons(m.InputAxons)
	w.i32s(m.InputAxonIndex)

	w.u32(len(m.Probes))
	for _, p := range m.Probes {
		w.str(p.Label)
		w.u32(p.Group)
		w.u8(uint8(p.Key))
		w.u32(p.Start)
		w.u32(p.Stop)
		w.u32(p.SampleEvery)
		w.matrix(p.Weights)
		w.f64(p.Synapse)
	}
	w.u32(len(m.Warnings))
	for _, s := range m.Warnings {
		w.str(s)
	}
	return w.buf.Bytes(), nil
}

// DecodeModel parses a native image and checks the result.
func DecodeModel(data []byte) (*cx.Model, error) {
	if len(data) < len(modelMagic)+2 || string(data[:len(modelMagic)]) != modelMagic {
		return nil, errors.Wrap(ErrCodec, "bad magic")
	}
	r := &reader{data: data[len(modelMagic):]}
	if v := r.u16(); v != ModelVersion {
		return nil, errors.Wrapf(ErrCodec, "unsupported version %d", v)
	}
	m := &cx.Model{}
	m.Label = r.str()
	m.Limits = r.limits()

	m.Groups = make([]cx.Group, r.count())
	for i := range m.Groups {
		g := &m.Groups[i]
		g.Label = r.str()
		g.Offset = r.int()
		g.N = r.int()
		g.DecayU = r.i32s()
		g.DecayV = r.i32s()
		g.RefractDelay = r.i32s()
		g.Vth = r.i32s()
		g.Bias = r.i32s()
		g.Vmin = r.i32()
		g.Vmax = r.i32()
		g.Reset = cx.ResetMode(r.u8())
	}

	m.Synapses = make([]cx.Synapses, r.count())
	for i := range m.Synapses {
		s := &m.Synapses[i]
		s.Label = r.str()
		s.Group = r.int()
		s.Sign = cx.SignMode(r.u8())
		s.WgtExp = int(r.i32())
		s.Rows = make([]cx.Row, r.count())
		for k := range s.Rows {
			s.Rows[k].Indices = r.i32s()
			s.Rows[k].Weights = r.i32s()
		}
		if r.u8() == 1 {
			s.Learning = &cx.Learning{
				TraceDecay:    r.i32(),
				TraceImpulse:  r.i32(),
				Shift:         int(r.i32()),
				ErrorEncoders: r.matrix(),
				ErrorScale:    r.f64(),
				ErrorSource:   r.str(),
			}
		}
	}

	m.Axons = r.axons()
	m.AxonIndex = r.i32s()
	m.Inputs = make([]cx.SpikeInput, r.count())
	for i := range m.Inputs {
		m.Inputs[i] = cx.SpikeInput{Label: r.str(), Offset: r.int(), N: r.int()}
	}
	m.InputAxons = r.axons()
	m.InputAxonIndex = r.i32s()

	m.Probes = make([]cx.Probe, r.count())
	for i := range m.Probes {
		m.Probes[i] = cx.Probe{
			Label:       r.str(),
			Group:       r.int(),
			Key:         cx.ProbeKey(r.u8()),
			Start:       r.int(),
			Stop:        r.int(),
			SampleEvery: r.int(),
			Weights:     r.matrix(),
			Synapse:     r.f64(),
		}
	}
	if n := r.count(); n > 0 {
		m.Warnings = make([]string, n)
		for i := range m.Warnings {
			m.Warnings[i] = r.str()
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.data) != 0 {
		return nil, errors.Wrapf(ErrCodec, "%d trailing bytes", len(r.data))
	}
	if err := m.Check(); err != nil {
		return nil, errors.Wrap(err, "decoded model")
	}
	return m, nil
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8) { w.buf.WriteByte(v) }

func (w *writer) u16(v uint16) {
	w.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
}

func (w *writer) u32(v int) {
	w.buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(v)))
}

func (w *writer) i32(v int32) {
	w.buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(v)))
}

func (w *writer) u64(v uint64) {
	w.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
}

func (w *writer) f64(v float64) { w.u64(math.Float64bits(v)) }

func (w *writer) str(s string) {
	w.u32(len(s))
	w.buf.WriteString(s)
}

func (w *writer) i32s(s []int32) {
	w.u32(len(s))
	for _, v := range s {
		w.i32(v)
	}
}

// matrix keeps nil distinct from empty.
func (w *writer) matrix(m [][]float64) {
	if m == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.u32(len(m))
	for _, row := range m {
		w.u32(len(row))
		for _, v := range row {
			w.f64(v)
		}
	}
}

func (w *writer) axons(a []cx.Axon) {
	w.u32(len(a))
	for _, x := range a {
		w.i32(x.Synapses)
		w.i32(x.Row)
		w.i32(x.Delay)
	}
}

func (w *writer) limits(l hardware.Limits) {
	for _, v := range []int{
		l.MaxCompartmentsPerGroup, l.MaxAxonsPerGroup, l.MaxSynapsesPerGroup,
		l.MaxFanOut, l.MaxDelay, l.MaxSpikesPerStep,
		l.WeightBits, l.CurrentBits, l.VoltageBits, l.DecayBits, l.RefractBits,
		l.VthMantBits, l.VthExp, l.BiasMantBits, l.BiasExpBits,
		l.TraceBits, l.ErrorBits, l.LearnShift,
	} {
		w.i32(int32(v))
	}
	w.u64(uint64(l.SynapseMemory))
	w.f64(l.Dt)
}

// reader records the first short read and returns zero values after it.
type reader struct {
	data []byte
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data) {
		r.err = errors.Wrapf(ErrCodec, "need %d bytes, have %d", n, len(r.data))
		return nil
	}
	out := r.data[:n]
	r.data = r.data[n:]
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) int() int { return int(r.u32()) }

// count reads a length and rejects one larger than the remaining image.
func (r *reader) count() int {
	n := r.int()
	if r.err == nil && n > len(r.data) {
		r.err = errors.Wrapf(ErrCodec, "length %d exceeds remaining %d bytes", n, len(r.data))
		return 0
	}
	return n
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *reader) str() string { return string(r.take(r.count())) }

func (r *reader) i32s() []int32 {
	n := r.count()
	if n == 0 {
		return nil
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = r.i32()
	}
	return out
}

func (r *reader) matrix() [][]float64 {
	if r.u8() == 0 {
		return nil
	}
	out := make([][]float64, r.count())
	for i := range out {
		out[i] = make([]float64, r.count())
		for k := range out[i] {
			out[i][k] = r.f64()
		}
	}
	return out
}

func (r *reader) axons() []cx.Axon {
	n := r.count()
	if n == 0 {
		return nil
	}
	out := make([]cx.Axon, n)
	for i := range out {
		out[i] = cx.Axon{Synapses: r.i32(), Row: r.i32(), Delay: r.i32()}
	}
	return out
}

func (r *reader) limits() hardware.Limits {
	var l hardware.Limits
	for _, p := range []*int{
		&l.MaxCompartmentsPerGroup, &l.MaxAxonsPerGroup, &l.MaxSynapsesPerGroup,
		&l.MaxFanOut, &l.MaxDelay, &l.MaxSpikesPerStep,
		&l.WeightBits, &l.CurrentBits, &l.VoltageBits, &l.DecayBits, &l.RefractBits,
		&l.VthMantBits, &l.VthExp, &l.BiasMantBits, &l.BiasExpBits,
		&l.TraceBits, &l.ErrorBits, &l.LearnShift,
	} {
		*p = int(r.i32())
	}
	l.SynapseMemory = datasize.ByteSize(r.u64())
	l.Dt = r.f64()
	return l
}
