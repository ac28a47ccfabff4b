// Package builder compiles a network graph into a hardware-shaped model and
// the host-side plan that drives it.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"spikecore/internal/cx"
	"spikecore/internal/hardware"
	"spikecore/internal/netgraph"
	"spikecore/internal/quant"
)

var (
	ErrCapacity = errors.New("hardware capacity exceeded")
	// ErrInputRate reports host input lines that would owe more than one
	// spike per tick.
	ErrInputRate = errors.New("input spike rate exceeds one spike per tick")
)

// CapacityError names the resource a model does not fit and where.
type CapacityError struct {
	Resource string
	Location string
	Need     int64
	Limit    int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: %s at %s needs %d, limit %d", ErrCapacity, e.Resource, e.Location, e.Need, e.Limit)
}

func (e *CapacityError) Unwrap() error { return ErrCapacity }

const (
	// DefaultInterRate and DefaultInterN set the peak spike rate of host
	// input lines to InterRate*InterN Hz.
	DefaultInterRate = 20.0
	DefaultInterN    = 10
)

type Options struct {
	// Seed, when set, replaces the network seed.
	Seed *int64
	// EvalPoints overrides the number of decoder evaluation points per
	// ensemble.
	EvalPoints int
	InterRate  float64
	InterN     int
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.InterRate <= 0 {
		o.InterRate = DefaultInterRate
	}
	if o.InterN <= 0 {
		o.InterN = DefaultInterN
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type Result struct {
	Model *cx.Model
	Host  *HostPlan
	// Network is the graph that was compiled, after pass-through nodes
	// were spliced out.
	Network *netgraph.Network
	Report  *quant.Report
}

// Build validates net, compiles it for limits and checks that the result
// fits. A model that fails capacity checks is never returned.
func Build(ctx context.Context, net *netgraph.Network, limits hardware.Limits, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With(slog.String("component", "builder"))
	if net == nil {
		return nil, fmt.Errorf("%w: nil network", netgraph.ErrInvalidNetwork)
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	graph := net.Clone()
	graph.Normalize()
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	if opts.Seed != nil {
		graph.Seed = *opts.Seed
	}

	spliced, removed := Splice(graph)
	if len(removed) > 0 {
		logger.Debug("spliced pass-through nodes", slog.Any("nodes", removed))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := &build{
		net:    spliced,
		limits: limits,
		opts:   opts,
		report: quant.NewReport(0),
		model:  &cx.Model{Label: spliced.Label, Limits: limits},
		host:   &HostPlan{Dt: limits.Dt},
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"tune ensembles", b.tuneEnsembles},
		{"partition", b.partition},
		{"compile connections", b.compileConnections},
		{"compile probes", b.compileProbes},
		{"discretize", b.discretize},
		{"plan host", b.planHost},
		{"check capacity", b.checkCapacity},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := step.fn(); err != nil {
			var capErr *CapacityError
			if errors.As(err, &capErr) {
				return nil, err
			}
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}
	if err := b.model.Check(); err != nil {
		return nil, err
	}

	b.model.Warnings = b.report.Strings()
	b.report.Log(logger, "quantization overflow")
	stats := b.model.Stats()
	logger.Info("model built",
		slog.String("network", spliced.Label),
		slog.String("stats", stats.String()),
		slog.Int("warnings", b.report.Count()),
	)
	return &Result{Model: b.model, Host: b.host, Network: spliced, Report: b.report}, nil
}

// build carries the state of one compilation.
type build struct {
	net    *netgraph.Network
	limits hardware.Limits
	opts   Options
	report *quant.Report

	tunings map[string]*tuning
	blocks  map[string][]block
	groups  []groupInfo
	tables  []*pendingTable
	// axons[c] lists the outgoing axons of global compartment c, and
	// inputAxons[l] those of host input line l.
	axons      [][]cx.Axon
	inputAxons [][]cx.Axon
	receivers  []Receiver
	inputs     []HostInput
	probes     []ProbePlan

	model *cx.Model
	host  *HostPlan
}
