package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"spikecore/internal/cx"
	"spikecore/internal/device"
	"spikecore/internal/emulator"
)

var (
	ErrNotPrecomputable = errors.New("host inputs depend on core outputs")
	ErrUnknownProbe     = errors.New("unknown probe")
	ErrInvalidConfig    = errors.New("invalid simulator config")
)

type Target string

const (
	TargetEmulator Target = "emulator"
	TargetDevice   Target = "device"
)

type Mode string

const (
	// ModeInteractive exchanges one tick at a time with the backend.
	ModeInteractive Mode = "interactive"
	// ModePrecomputed produces every host input ahead of a run and hands
	// them to the backend at once.
	ModePrecomputed Mode = "precomputed"
)

func ParseTarget(s string) (Target, error) {
	switch t := Target(s); t {
	case TargetEmulator, TargetDevice:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown target %q", ErrInvalidConfig, s)
}

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeInteractive, ModePrecomputed:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
}

type DeviceConfig struct {
	// Dial reaches the board. Nil starts an in-process board.
	Dial       device.Dialer
	Timeout    time.Duration
	RunTimeout time.Duration
}

type Config struct {
	Target  Target
	Mode    Mode
	Workers int
	Device  DeviceConfig
	Logger  *slog.Logger
	// Seed, when set, replaces the network seed for the build.
	Seed       *int64
	EvalPoints int
	// Strict turns run-time saturation into an error instead of a warning.
	Strict bool
}

func (c Config) withDefaults() (Config, error) {
	if c.Target == "" {
		c.Target = TargetEmulator
	}
	if c.Mode == "" {
		c.Mode = ModeInteractive
	}
	if _, err := ParseTarget(string(c.Target)); err != nil {
		return c, err
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return c, err
	}
	if c.Workers < 0 {
		return c, fmt.Errorf("%w: workers must be >= 0", ErrInvalidConfig)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c, nil
}

// Backend executes a model tick by tick. emulator.Core and device.Bridge
// both satisfy it.
type Backend interface {
	Build(ctx context.Context, m *cx.Model) error
	Step(ctx context.Context, in emulator.TickInput) (emulator.TickOutput, error)
	Run(ctx context.Context, n int, inputs []emulator.TickInput) ([]emulator.TickOutput, error)
	Reset(ctx context.Context) error
	Close() error
}

// overflowCounter is implemented by backends that track saturation.
type overflowCounter interface {
	Overflows() emulator.Overflows
}

// reconnector is implemented by backends that reach the core over a link.
type reconnector interface {
	Reconnect(ctx context.Context) error
}

var (
	_ Backend = (*emulator.Core)(nil)
	_ Backend = (*device.Bridge)(nil)

	_ overflowCounter = (*emulator.Core)(nil)
	_ overflowCounter = (*device.Bridge)(nil)
	_ reconnector     = (*device.Bridge)(nil)
)

func newBackend(cfg Config) (Backend, error) {
	switch cfg.Target {
	case TargetDevice:
		dial := cfg.Device.Dial
		if dial == nil {
			dial = device.Loopback(device.BoardOptions{Workers: cfg.Workers, Logger: cfg.Logger})
		}
		return device.NewBridge(device.BridgeOptions{
			Dial:       dial,
			Timeout:    cfg.Device.Timeout,
			RunTimeout: cfg.Device.RunTimeout,
			Logger:     cfg.Logger,
		})
	default:
		return emulator.New(emulator.Options{Workers: cfg.Workers, Logger: cfg.Logger}), nil
	}
}
