package device

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"spikecore/internal/emulator"
)

type FrameType uint8

const (
	FrameModel FrameType = iota + 1
	FrameCode
	FrameReset
	FrameStep
	FrameStepResult
	FrameInputs
	FrameRun
	FrameRunResult
	FrameError
	FrameClose
	FrameAck
)

func (t FrameType) String() string {
	switch t {
	case FrameModel:
		return "model"
	case FrameCode:
		return "code"
	case FrameReset:
		return "reset"
	case FrameStep:
		return "step"
	case FrameStepResult:
		return "step-result"
	case FrameInputs:
		return "inputs"
	case FrameRun:
		return "run"
	case FrameRunResult:
		return "run-result"
	case FrameError:
		return "error"
	case FrameClose:
		return "close"
	case FrameAck:
		return "ack"
	}
	return fmt.Sprintf("frame(%d)", uint8(t))
}

// MaxFrameSize bounds a single payload.
const MaxFrameSize = 256 << 20

const frameHeaderSize = 5

var ErrFrame = errors.New("malformed frame")

// WriteFrame writes [type u8][len u32][payload].
func WriteFrame(w io.Writer, t FrameType, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errors.Wrapf(ErrFrame, "%s payload of %d bytes", t, len(payload))
	}
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	buf[0] = byte(t)
	binary.LittleEndian.PutUint32(buf[1:], uint32(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func ReadFrame(r io.Reader) (FrameType, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(header[1:])
	if n > MaxFrameSize {
		return 0, nil, errors.Wrapf(ErrFrame, "declared payload of %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return FrameType(header[0]), payload, nil
}

// Remote error codes carried by error frames.
const (
	codeOther uint8 = iota
	codeInput
	codeNotBuilt
	codeClosed
	codeVolume
	codeModel
	codeIOCode
)

func encodeError(err error) []byte {
	code := codeOther
	switch {
	case errors.Is(err, emulator.ErrInput):
		code = codeInput
	case errors.Is(err, emulator.ErrNotBuilt):
		code = codeNotBuilt
	case errors.Is(err, emulator.ErrUseAfterClose):
		code = codeClosed
	case errors.Is(err, ErrSpikeVolume):
		code = codeVolume
	case errors.Is(err, ErrCodec):
		code = codeModel
	case errors.Is(err, ErrIOCode):
		code = codeIOCode
	}
	w := &writer{}
	w.u8(code)
	w.str(err.Error())
	return w.buf.Bytes()
}

func decodeError(payload []byte) error {
	r := &reader{data: payload}
	code := r.u8()
	msg := r.str()
	if r.err != nil {
		return errors.Wrap(ErrFrame, "error frame")
	}
	var base error
	switch code {
	case codeInput:
		base = emulator.ErrInput
	case codeNotBuilt:
		base = emulator.ErrNotBuilt
	case codeClosed:
		base = emulator.ErrUseAfterClose
	case codeVolume:
		base = ErrSpikeVolume
	case codeModel:
		base = ErrCodec
	case codeIOCode:
		base = ErrIOCode
	default:
		base = ErrRemote
	}
	return errors.Wrap(base, "board: "+msg)
}

func (w *writer) i64(v int64) { w.u64(uint64(v)) }

func (r *reader) i64() int64 { return int64(r.u64()) }

func (w *writer) tickInput(in emulator.TickInput) {
	w.i32s(in.Spikes)
	w.u32(len(in.Errors))
	for _, e := range in.Errors {
		w.i32(e.Synapses)
		w.i32s(e.Values)
	}
}

func (r *reader) tickInput() emulator.TickInput {
	in := emulator.TickInput{Spikes: r.i32s()}
	if n := r.count(); n > 0 {
		in.Errors = make([]emulator.ErrorVector, n)
		for i := range in.Errors {
			in.Errors[i] = emulator.ErrorVector{Synapses: r.i32(), Values: r.i32s()}
		}
	}
	return in
}

func (w *writer) tickOutput(out emulator.TickOutput) {
	w.i64(out.Tick)
	w.i32s(out.Spikes)
	w.u32(len(out.Samples))
	for _, s := range out.Samples {
		w.i32(s.Probe)
		w.i32s(s.Values)
	}
}

func (r *reader) tickOutput() emulator.TickOutput {
	out := emulator.TickOutput{Tick: r.i64(), Spikes: r.i32s()}
	if n := r.count(); n > 0 {
		out.Samples = make([]emulator.Sample, n)
		for i := range out.Samples {
			out.Samples[i] = emulator.Sample{Probe: r.i32(), Values: r.i32s()}
		}
	}
	return out
}

// Step and run results end with the board core's cumulative saturation
// counters.
func (w *writer) overflows(o emulator.Overflows) {
	w.i64(o.Current)
	w.i64(o.Weight)
	w.i64(o.Trace)
}

func (r *reader) overflows() emulator.Overflows {
	return emulator.Overflows{Current: r.i64(), Weight: r.i64(), Trace: r.i64()}
}

func encodeInputs(inputs []emulator.TickInput) []byte {
	w := &writer{}
	w.u32(len(inputs))
	for _, in := range inputs {
		w.tickInput(in)
	}
	return w.buf.Bytes()
}

func decodeInputs(payload []byte) ([]emulator.TickInput, error) {
	r := &reader{data: payload}
	out := make([]emulator.TickInput, r.count())
	for i := range out {
		out[i] = r.tickInput()
	}
	return out, r.done("inputs")
}

func encodeOutputs(outputs []emulator.TickOutput, o emulator.Overflows) []byte {
	w := &writer{}
	w.u32(len(outputs))
	for _, out := range outputs {
		w.tickOutput(out)
	}
	w.overflows(o)
	return w.buf.Bytes()
}

func decodeOutputs(payload []byte) ([]emulator.TickOutput, emulator.Overflows, error) {
	r := &reader{data: payload}
	out := make([]emulator.TickOutput, r.count())
	for i := range out {
		out[i] = r.tickOutput()
	}
	o := r.overflows()
	return out, o, r.done("outputs")
}

// done reports a short read or leftover bytes in a payload.
func (r *reader) done(what string) error {
	if r.err != nil {
		return errors.Wrap(r.err, what)
	}
	if len(r.data) != 0 {
		return errors.Wrapf(ErrFrame, "%s: %d trailing bytes", what, len(r.data))
	}
	return nil
}
