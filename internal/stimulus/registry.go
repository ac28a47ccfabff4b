// Package stimulus registers the host-side signal sources that drive input
// nodes and the functions a decoded connection can compute.
package stimulus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrStimulusExists   = errors.New("stimulus already registered")
	ErrStimulusNotFound = errors.New("stimulus not found")
	ErrFunctionExists   = errors.New("function already registered")
	ErrFunctionNotFound = errors.New("function not found")
	ErrInvalidParams    = errors.New("invalid stimulus parameters")
)

// Spec selects a registered stimulus and configures it.
type Spec struct {
	Name   string             `json:"name"`
	Value  []float64          `json:"value,omitempty"`
	Params map[string]float64 `json:"params,omitempty"`
}

func (s Spec) Param(name string, fallback float64) float64 {
	if v, ok := s.Params[name]; ok {
		return v
	}
	return fallback
}

// Process produces a node's output for simulated time t.
type Process interface {
	Output(t float64, out []float64)
}

// ProcessFunc adapts a plain function to Process.
type ProcessFunc func(t float64, out []float64)

func (f ProcessFunc) Output(t float64, out []float64) { f(t, out) }

type Factory func(spec Spec, size int) (Process, error)

// Function maps a decoded vector to another vector.
type Function struct {
	Name string
	// OutDims returns the output width for an input width, or an error if
	// the function cannot take that input.
	OutDims func(in int) (int, error)
	Apply   func(x, out []float64)
}

var stimulusRegistry = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{
	m: make(map[string]Factory),
}

var functionRegistry = struct {
	mu sync.RWMutex
	m  map[string]Function
}{
	m: make(map[string]Function),
}

func RegisterStimulus(name string, factory Factory) error {
	if name == "" {
		return errors.New("stimulus name is required")
	}
	if factory == nil {
		return errors.New("stimulus factory is required")
	}

	stimulusRegistry.mu.Lock()
	defer stimulusRegistry.mu.Unlock()

	if _, exists := stimulusRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrStimulusExists, name)
	}
	stimulusRegistry.m[name] = factory
	return nil
}

func ResolveStimulus(spec Spec, size int) (Process, error) {
	stimulusRegistry.mu.RLock()
	factory, ok := stimulusRegistry.m[spec.Name]
	stimulusRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStimulusNotFound, spec.Name)
	}
	return factory(spec, size)
}

func ListStimuli() []string {
	stimulusRegistry.mu.RLock()
	defer stimulusRegistry.mu.RUnlock()

	names := make([]string, 0, len(stimulusRegistry.m))
	for n := range stimulusRegistry.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func RegisterFunction(fn Function) error {
	if fn.Name == "" {
		return errors.New("function name is required")
	}
	if fn.OutDims == nil || fn.Apply == nil {
		return errors.New("function shape and body are required")
	}

	functionRegistry.mu.Lock()
	defer functionRegistry.mu.Unlock()

	if _, exists := functionRegistry.m[fn.Name]; exists {
		return fmt.Errorf("%w: %s", ErrFunctionExists, fn.Name)
	}
	functionRegistry.m[fn.Name] = fn
	return nil
}

// ResolveFunction returns the named function. The empty name is identity.
func ResolveFunction(name string) (Function, error) {
	if name == "" {
		name = "identity"
	}
	functionRegistry.mu.RLock()
	fn, ok := functionRegistry.m[name]
	functionRegistry.mu.RUnlock()
	if !ok {
		return Function{}, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	return fn, nil
}

func ListFunctions() []string {
	functionRegistry.mu.RLock()
	defer functionRegistry.mu.RUnlock()

	names := make([]string, 0, len(functionRegistry.m))
	for n := range functionRegistry.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
