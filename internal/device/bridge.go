package device

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"spikecore/internal/cx"
	"spikecore/internal/emulator"
)

const (
	DefaultTimeout = 5 * time.Second
	closeTimeout   = 200 * time.Millisecond
)

type BridgeOptions struct {
	Dial Dialer
	// Timeout bounds every single round trip.
	Timeout time.Duration
	// RunTimeout bounds a precomputed run. Zero scales Timeout by the
	// number of ticks.
	RunTimeout time.Duration
	Logger     *slog.Logger
}

// Bridge drives a model on a board. It mirrors emulator.Core: Build, Step,
// Run, Reset and Close have the same contract, with the link in between.
// A timed out or broken link invalidates the bridge until Reconnect.
type Bridge struct {
	opts     BridgeOptions
	logger   *slog.Logger
	stepping atomic.Bool

	mu      sync.Mutex
	conn    net.Conn
	state   emulator.State
	invalid error
	model   *cx.Model
	tick    int64

	// overflows mirrors the board core's counters as of the last reply.
	overflows emulator.Overflows
}

func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Dial == nil {
		return nil, errors.New("bridge requires a dialer")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{opts: opts, logger: logger.With(slog.String("component", "bridge"))}, nil
}

func (b *Bridge) State() emulator.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) Tick() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tick
}

// Overflows reports the saturation events the board has counted since
// build or the last reset.
func (b *Bridge) Overflows() emulator.Overflows {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflows
}

// Build connects if needed, uploads the model image and then its IO
// routine. Both must be acknowledged.
func (b *Bridge) Build(ctx context.Context, m *cx.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case emulator.StateClosed:
		return emulator.ErrUseAfterClose
	case emulator.StateUnbuilt:
	default:
		return emulator.ErrAlreadyBuilt
	}
	if b.invalid != nil {
		return b.invalidErr()
	}
	if m == nil {
		return errors.Wrap(emulator.ErrInput, "nil model")
	}
	if err := m.Check(); err != nil {
		return err
	}
	image, err := EncodeModel(m)
	if err != nil {
		return err
	}
	code, err := GenerateIOCode(m)
	if err != nil {
		return err
	}
	if b.conn == nil {
		if err := b.dial(ctx); err != nil {
			return err
		}
	}
	if _, err := b.roundTrip(ctx, "upload model", FrameModel, image, FrameAck, b.opts.Timeout); err != nil {
		return err
	}
	if _, err := b.roundTrip(ctx, "upload io routine", FrameCode, []byte(code), FrameAck, b.opts.Timeout); err != nil {
		return err
	}
	b.model = m
	b.tick = 0
	b.overflows = emulator.Overflows{}
	b.state = emulator.StateBuilt
	b.logger.Info("model uploaded", slog.String("model", m.Label), slog.Int("bytes", len(image)))
	return nil
}

func (b *Bridge) dial(ctx context.Context) error {
	conn, err := b.opts.Dial(ctx)
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	b.conn = conn
	return nil
}

func (b *Bridge) Step(ctx context.Context, in emulator.TickInput) (emulator.TickOutput, error) {
	if !b.stepping.CompareAndSwap(false, true) {
		return emulator.TickOutput{}, emulator.ErrConcurrentStep
	}
	defer b.stepping.Store(false)

	if err := ctx.Err(); err != nil {
		return emulator.TickOutput{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return emulator.TickOutput{}, err
	}
	if err := b.checkVolume(b.tick+1, in); err != nil {
		return emulator.TickOutput{}, err
	}
	w := &writer{}
	w.tickInput(in)
	payload, err := b.roundTrip(ctx, "step", FrameStep, w.buf.Bytes(), FrameStepResult, b.opts.Timeout)
	if err != nil {
		return emulator.TickOutput{}, err
	}
	r := &reader{data: payload}
	out := r.tickOutput()
	overflows := r.overflows()
	if err := r.done("step result"); err != nil {
		return emulator.TickOutput{}, b.invalidate(err)
	}
	b.tick = out.Tick
	b.overflows = overflows
	b.state = emulator.StatePaused
	return out, nil
}

// Run ships every input up front and collects all outputs in one reply.
func (b *Bridge) Run(ctx context.Context, n int, inputs []emulator.TickInput) ([]emulator.TickOutput, error) {
	if !b.stepping.CompareAndSwap(false, true) {
		return nil, emulator.ErrConcurrentStep
	}
	defer b.stepping.Store(false)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.Wrapf(emulator.ErrInput, "negative tick count %d", n)
	}
	if len(inputs) > n {
		inputs = inputs[:n]
	}
	for i, in := range inputs {
		if err := b.checkVolume(b.tick+1+int64(i), in); err != nil {
			return nil, err
		}
	}
	if _, err := b.roundTrip(ctx, "upload inputs", FrameInputs, encodeInputs(inputs), FrameAck, b.opts.Timeout); err != nil {
		return nil, err
	}
	timeout := b.opts.RunTimeout
	if timeout <= 0 {
		timeout = b.opts.Timeout * time.Duration(n+1)
	}
	w := &writer{}
	w.u32(n)
	payload, err := b.roundTrip(ctx, "run", FrameRun, w.buf.Bytes(), FrameRunResult, timeout)
	if err != nil {
		return nil, err
	}
	outputs, overflows, err := decodeOutputs(payload)
	if err != nil {
		return nil, b.invalidate(err)
	}
	b.overflows = overflows
	if len(outputs) > 0 {
		b.tick = outputs[len(outputs)-1].Tick
		b.state = emulator.StatePaused
	}
	return outputs, nil
}

func (b *Bridge) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return err
	}
	if _, err := b.roundTrip(ctx, "reset", FrameReset, nil, FrameAck, b.opts.Timeout); err != nil {
		return err
	}
	b.tick = 0
	b.overflows = emulator.Overflows{}
	b.state = emulator.StateBuilt
	return nil
}

// Reconnect drops the current link and dials a new one. The bridge returns
// to the unbuilt state; the model must be built again.
func (b *Bridge) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == emulator.StateClosed {
		return emulator.ErrUseAfterClose
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.invalid = nil
	b.model = nil
	b.tick = 0
	b.overflows = emulator.Overflows{}
	b.state = emulator.StateUnbuilt
	return b.dial(ctx)
}

// Close ends the session. It is safe to call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == emulator.StateClosed {
		return nil
	}
	b.state = emulator.StateClosed
	if b.conn == nil {
		return nil
	}
	if b.invalid == nil {
		_ = b.conn.SetDeadline(time.Now().Add(closeTimeout))
		if err := WriteFrame(b.conn, FrameClose, nil); err == nil {
			_, _, _ = ReadFrame(b.conn)
		}
	}
	err := b.conn.Close()
	b.conn = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "close link")
	}
	return nil
}

func (b *Bridge) ready() error {
	switch b.state {
	case emulator.StateClosed:
		return emulator.ErrUseAfterClose
	case emulator.StateUnbuilt:
		if b.invalid != nil {
			return b.invalidErr()
		}
		return emulator.ErrNotBuilt
	}
	if b.invalid != nil {
		return b.invalidErr()
	}
	return nil
}

func (b *Bridge) invalidErr() error {
	return errors.Wrapf(ErrConnectionInvalid, "%v", b.invalid)
}

func (b *Bridge) checkVolume(tick int64, in emulator.TickInput) error {
	if limit := b.model.Limits.MaxSpikesPerStep; len(in.Spikes) > limit {
		return &SpikeVolumeError{Tick: tick, Spikes: len(in.Spikes), Limit: limit}
	}
	return nil
}

// invalidate marks the link unusable and closes it. The board side cannot
// be trusted to be at a known tick after a failed exchange.
func (b *Bridge) invalidate(err error) error {
	if b.invalid == nil {
		b.invalid = err
		b.logger.Warn("device link invalidated", slog.String("error", err.Error()))
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	return err
}

// roundTrip sends one frame and waits for the expected reply. Error frames
// are returned as errors and leave the link usable; anything else that
// goes wrong invalidates it.
func (b *Bridge) roundTrip(ctx context.Context, op string, t FrameType, payload []byte, want FrameType, timeout time.Duration) ([]byte, error) {
	if b.conn == nil {
		return nil, b.invalidate(errors.Wrap(ErrConnectionInvalid, "no link"))
	}
	conn := b.conn
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, b.invalidate(errors.Wrap(err, op))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	err := WriteFrame(conn, t, payload)
	var (
		reply FrameType
		body  []byte
	)
	if err == nil {
		reply, body, err = ReadFrame(conn)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			b.invalidate(errors.Wrap(ctxErr, op))
			return nil, ctxErr
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, b.invalidate(&TimeoutError{Op: op, Timeout: timeout})
		}
		return nil, b.invalidate(errors.Wrap(err, op))
	}
	switch reply {
	case want:
		return body, nil
	case FrameError:
		return nil, decodeError(body)
	}
	return nil, b.invalidate(errors.Wrapf(ErrFrame, "%s: got %s frame, want %s", op, reply, want))
}
