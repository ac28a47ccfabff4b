package device

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"spikecore/internal/cx"
	"spikecore/internal/emulator"
)

type BoardOptions struct {
	// Workers is passed to the core that runs each session.
	Workers int
	Logger  *slog.Logger
	// Latency delays every step and run reply. Tests use it to provoke
	// host timeouts.
	Latency time.Duration
}

// Board is the device side of the link. Each connection is one session
// with its own core; a session runs a model only after the uploaded IO
// routine matches it.
type Board struct {
	opts   BoardOptions
	logger *slog.Logger
}

func NewBoard(opts BoardOptions) *Board {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{opts: opts, logger: logger.With(slog.String("component", "board"))}
}

type session struct {
	board   *Board
	conn    net.Conn
	core    *emulator.Core
	model   *cx.Model
	code    bool
	pending []emulator.TickInput
}

// Serve answers frames on conn until the host closes the session, the
// link fails or ctx ends. It closes conn before returning.
func (b *Board) Serve(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	s := &session{board: b, conn: conn}
	defer s.shutdown()

	for {
		t, payload, err := ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return errors.Wrap(err, "read frame")
		}
		if t == FrameClose {
			_ = WriteFrame(conn, FrameAck, nil)
			return nil
		}
		reply, body, err := s.handle(ctx, t, payload)
		if err != nil {
			b.logger.Debug("frame rejected", slog.String("frame", t.String()), slog.String("error", err.Error()))
			reply, body = FrameError, encodeError(err)
		}
		if err := WriteFrame(conn, reply, body); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "write frame")
		}
	}
}

func (s *session) shutdown() {
	if s.core != nil {
		_ = s.core.Close()
	}
	_ = s.conn.Close()
}

func (s *session) handle(ctx context.Context, t FrameType, payload []byte) (FrameType, []byte, error) {
	switch t {
	case FrameModel:
		return s.load(ctx, payload)
	case FrameCode:
		return s.verify(payload)
	case FrameReset:
		if err := s.ready(); err != nil {
			return 0, nil, err
		}
		s.pending = nil
		return FrameAck, nil, s.core.Reset(ctx)
	case FrameStep:
		if err := s.ready(); err != nil {
			return 0, nil, err
		}
		r := &reader{data: payload}
		in := r.tickInput()
		if err := r.done("step"); err != nil {
			return 0, nil, err
		}
		if err := s.checkVolume(s.core.Tick()+1, in); err != nil {
			return 0, nil, err
		}
		if err := s.delay(ctx); err != nil {
			return 0, nil, err
		}
		out, err := s.core.Step(ctx, in)
		if err != nil {
			return 0, nil, err
		}
		w := &writer{}
		w.tickOutput(out)
		w.overflows(s.core.Overflows())
		return FrameStepResult, w.buf.Bytes(), nil
	case FrameInputs:
		if err := s.ready(); err != nil {
			return 0, nil, err
		}
		inputs, err := decodeInputs(payload)
		if err != nil {
			return 0, nil, err
		}
		first := s.core.Tick() + 1
		for i, in := range inputs {
			if err := s.checkVolume(first+int64(i), in); err != nil {
				return 0, nil, err
			}
		}
		s.pending = inputs
		return FrameAck, nil, nil
	case FrameRun:
		if err := s.ready(); err != nil {
			return 0, nil, err
		}
		r := &reader{data: payload}
		n := r.int()
		if err := r.done("run"); err != nil {
			return 0, nil, err
		}
		if err := s.delay(ctx); err != nil {
			return 0, nil, err
		}
		inputs := s.pending
		s.pending = nil
		outputs, err := s.core.Run(ctx, n, inputs)
		if err != nil {
			return 0, nil, err
		}
		return FrameRunResult, encodeOutputs(outputs, s.core.Overflows()), nil
	}
	return 0, nil, errors.Wrapf(ErrFrame, "unexpected %s frame", t)
}

// load replaces any previous model. The session is not runnable until a
// matching IO routine follows.
func (s *session) load(ctx context.Context, payload []byte) (FrameType, []byte, error) {
	m, err := DecodeModel(payload)
	if err != nil {
		return 0, nil, err
	}
	if s.core != nil {
		_ = s.core.Close()
	}
	s.core, s.model, s.code, s.pending = nil, nil, false, nil
	core := emulator.New(emulator.Options{Workers: s.board.opts.Workers, Logger: s.board.logger})
	if err := core.Build(ctx, m); err != nil {
		return 0, nil, err
	}
	s.core, s.model = core, m
	s.board.logger.Info("model loaded", slog.String("model", m.Label), slog.String("stats", m.Stats().String()))
	return FrameAck, nil, nil
}

func (s *session) verify(payload []byte) (FrameType, []byte, error) {
	if s.model == nil {
		return 0, nil, errors.Wrap(emulator.ErrNotBuilt, "io routine before model")
	}
	want, err := GenerateIOCode(s.model)
	if err != nil {
		return 0, nil, err
	}
	if string(payload) != want {
		return 0, nil, errors.Wrapf(ErrIOCode, "model %q", s.model.Label)
	}
	s.code = true
	return FrameAck, nil, nil
}

func (s *session) ready() error {
	if s.core == nil || !s.code {
		return emulator.ErrNotBuilt
	}
	return nil
}

func (s *session) checkVolume(tick int64, in emulator.TickInput) error {
	if limit := s.model.Limits.MaxSpikesPerStep; len(in.Spikes) > limit {
		return &SpikeVolumeError{Tick: tick, Spikes: len(in.Spikes), Limit: limit}
	}
	return nil
}

func (s *session) delay(ctx context.Context) error {
	if s.board.opts.Latency <= 0 {
		return nil
	}
	timer := time.NewTimer(s.board.opts.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ListenAndServe accepts sessions on addr until ctx ends.
func (b *Board) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return b.ServeListener(ctx, ln)
}

// ServeListener accepts sessions on ln until ctx ends and waits for open
// sessions to finish.
func (b *Board) ServeListener(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	b.logger.Info("board listening", slog.String("addr", ln.Addr().String()))

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			remote := conn.RemoteAddr().String()
			if err := b.Serve(ctx, conn); err != nil && ctx.Err() == nil {
				b.logger.Warn("session ended", slog.String("remote", remote), slog.String("error", err.Error()))
			}
		}()
	}
}
