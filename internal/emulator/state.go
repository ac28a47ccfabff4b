package emulator

import (
	"errors"
	"fmt"
)

type State int32

const (
	StateUnbuilt State = iota
	StateBuilt
	StateRunning
	StatePaused
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbuilt:
		return "unbuilt"
	case StateBuilt:
		return "built"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrUseAfterClose  = errors.New("use after close")
	ErrNotBuilt       = errors.New("model not built")
	ErrAlreadyBuilt   = errors.New("model already built")
	ErrConcurrentStep = errors.New("concurrent stepping on one model")
	ErrInput          = errors.New("invalid tick input")
)

// ErrorVector carries one tick of learning error for a weight table, one
// value per compartment of the table's group.
type ErrorVector struct {
	Synapses int32
	Values   []int32
}

// TickInput is everything the host delivers for one tick.
type TickInput struct {
	Spikes []int32
	Errors []ErrorVector
}

type Sample struct {
	Probe  int32
	Values []int32
}

// TickOutput is what one tick produced: the compartments that spiked, in
// ascending order, and the probes sampled on this tick.
type TickOutput struct {
	Tick    int64
	Spikes  []int32
	Samples []Sample
}

// Overflows counts run-time saturation events. They are clamped, never
// fatal.
type Overflows struct {
	Current int64
	Weight  int64
	Trace   int64
}

func (o Overflows) Total() int64 { return o.Current + o.Weight + o.Trace }

// Snapshot is a deep copy of mutable core state.
type Snapshot struct {
	Tick    int64
	U       []int32
	V       []int32
	W       []int32
	Ring    [][]int64
	Weights [][][]int32
	Traces  [][]int32
}
