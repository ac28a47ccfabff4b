// Package spikecore is the client API: compile networks, run them on the
// software core or a device, and keep models, runs and probe data.
package spikecore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"spikecore/internal/artifacts"
	"spikecore/internal/builder"
	"spikecore/internal/cx"
	"spikecore/internal/device"
	"spikecore/internal/hardware"
	"spikecore/internal/model"
	"spikecore/internal/netgraph"
	"spikecore/internal/simulator"
	"spikecore/internal/storage"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "spikecore.db"
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *slog.Logger
}

type Client struct {
	store  storage.Store
	logger *slog.Logger

	initMu      sync.Mutex
	initialized bool

	runsDir    string
	exportsDir string
}

// Source names the network and limits to compile. Network takes precedence
// over NetworkPath; without limits the reference core is assumed.
type Source struct {
	Network     *netgraph.Network
	NetworkPath string
	Limits      *hardware.Limits
	LimitsPath  string
	Seed        *int64
}

type BuildSummary struct {
	ModelID  string
	Label    string
	Stats    cx.Stats
	Warnings []string
	// Clipped counts values saturated while quantizing the model.
	Clipped int
}

type RunRequest struct {
	Source
	Ticks   int64
	Target  string
	Mode    string
	Workers int
	// Addr is the board address for the device target. Empty starts an
	// in-process board.
	Addr    string
	Timeout time.Duration
	Strict  bool
	// Progress, when set, is called after each chunk of ticks.
	Progress func(done, total int64)
}

type RunSummary struct {
	RunID        string
	ModelID      string
	ArtifactsDir string
	Stats        simulator.Stats
	Elapsed      time.Duration
	Probes       []string
	ProbeStats   []artifacts.ProbeStats
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	ModelID      string
	Label        string
	CreatedAtUTC string
	Target       string
	Mode         string
	Ticks        int64
	Spikes       int64
	Seed         int64
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type ProbeRequest struct {
	RunID  string
	Latest bool
	Probe  string
}

func New(opts Options) (*Client, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewStore(opts.StoreKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		logger:     logger.With(slog.String("component", "client")),
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Build compiles a network and stores the model record.
func (c *Client) Build(ctx context.Context, src Source) (BuildSummary, error) {
	_, built, err := c.compile(ctx, src)
	if err != nil {
		return BuildSummary{}, err
	}
	return built.summary, nil
}

type compiled struct {
	record  model.ModelRecord
	summary BuildSummary
}

func (c *Client) compile(ctx context.Context, src Source) (*builder.Result, compiled, error) {
	if err := c.Init(ctx); err != nil {
		return nil, compiled{}, err
	}
	network, limits, err := src.load()
	if err != nil {
		return nil, compiled{}, err
	}
	res, err := builder.Build(ctx, network, limits, builder.Options{Seed: src.Seed, Logger: c.logger})
	if err != nil {
		return nil, compiled{}, err
	}

	networkJSON, err := netgraph.Encode(network)
	if err != nil {
		return nil, compiled{}, err
	}
	limitsJSON, err := json.Marshal(limits)
	if err != nil {
		return nil, compiled{}, err
	}
	stats := res.Model.Stats()
	record := model.ModelRecord{
		VersionedRecord: model.CurrentVersion(),
		ID:              model.NewID("model"),
		Label:           res.Model.Label,
		Network:         networkJSON,
		Limits:          limitsJSON,
		Compartments:    stats.Compartments,
		Groups:          stats.Groups,
		Axons:           stats.Axons,
		Synapses:        stats.Synapses,
		SynapseBytes:    uint64(stats.SynapseBytes),
		Warnings:        append([]string(nil), res.Model.Warnings...),
		CreatedAtUTC:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.store.SaveModel(ctx, record); err != nil {
		return nil, compiled{}, err
	}

	clipped := 0
	if res.Report != nil {
		clipped = res.Report.Count()
	}
	return res, compiled{
		record: record,
		summary: BuildSummary{
			ModelID:  record.ID,
			Label:    record.Label,
			Stats:    stats,
			Warnings: record.Warnings,
			Clipped:  clipped,
		},
	}, nil
}

func (src Source) load() (*netgraph.Network, hardware.Limits, error) {
	network := src.Network
	if network == nil {
		if src.NetworkPath == "" {
			return nil, hardware.Limits{}, errors.New("network or network path is required")
		}
		loaded, err := netgraph.Load(src.NetworkPath)
		if err != nil {
			return nil, hardware.Limits{}, err
		}
		network = loaded
	}

	limits := hardware.Default()
	switch {
	case src.Limits != nil:
		limits = *src.Limits
	case src.LimitsPath != "":
		loaded, err := hardware.Load(src.LimitsPath)
		if err != nil {
			return nil, hardware.Limits{}, err
		}
		limits = loaded
	}
	return network, limits, nil
}

// Run compiles the source, runs it for the requested ticks and records the
// model, the run summary and every probe's data.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if req.Ticks <= 0 {
		return RunSummary{}, errors.New("ticks must be > 0")
	}
	target, err := simulator.ParseTarget(defaultString(req.Target, string(simulator.TargetEmulator)))
	if err != nil {
		return RunSummary{}, err
	}
	mode, err := simulator.ParseMode(defaultString(req.Mode, string(simulator.ModeInteractive)))
	if err != nil {
		return RunSummary{}, err
	}

	res, built, err := c.compile(ctx, req.Source)
	if err != nil {
		return RunSummary{}, err
	}

	cfg := simulator.Config{
		Target:  target,
		Mode:    mode,
		Workers: req.Workers,
		Logger:  c.logger,
		Strict:  req.Strict,
		Device:  simulator.DeviceConfig{Timeout: req.Timeout},
	}
	if req.Addr != "" {
		cfg.Device.Dial = device.TCP(req.Addr)
	}
	sim, err := simulator.NewFromBuild(ctx, res, cfg)
	if err != nil {
		return RunSummary{}, err
	}
	defer sim.Close()

	started := time.Now()
	if err := runChunked(ctx, sim, req.Ticks, req.Progress); err != nil {
		return RunSummary{}, err
	}
	elapsed := time.Since(started)
	if err := sim.Close(); err != nil {
		return RunSummary{}, err
	}

	stats := sim.Stats()
	seed := res.Network.Seed
	if req.Seed != nil {
		seed = *req.Seed
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	run := model.RunRecord{
		VersionedRecord: model.CurrentVersion(),
		ID:              model.NewID("run"),
		ModelID:         built.record.ID,
		Target:          string(target),
		Mode:            string(mode),
		Ticks:           stats.Ticks,
		Dt:              res.Host.Dt,
		Seed:            seed,
		Spikes:          stats.Spikes,
		Overflows:       int(stats.Overflows.Total()),
		ElapsedMS:       elapsed.Milliseconds(),
		CreatedAtUTC:    now,
	}

	labels := sim.Probes()
	series := make([]model.ProbeSeries, 0, len(labels))
	for _, label := range labels {
		data, err := sim.Data(label)
		if err != nil {
			return RunSummary{}, err
		}
		series = append(series, model.ProbeSeries{
			Probe:  data.Label,
			Ticks:  data.Ticks,
			Raw:    data.Raw,
			Values: data.Values,
		})
	}

	probeStats := artifacts.SummarizeProbes(series, 0)

	if err := c.store.SaveRun(ctx, run); err != nil {
		return RunSummary{}, err
	}
	if err := c.store.SaveProbeSeries(ctx, run.ID, series); err != nil {
		return RunSummary{}, err
	}

	runDir, err := artifacts.WriteRunArtifacts(c.runsDir, artifacts.RunArtifacts{
		Config: artifacts.RunConfig{
			RunID:      run.ID,
			ModelID:    run.ModelID,
			Network:    req.NetworkPath,
			LimitsPath: req.LimitsPath,
			Target:     run.Target,
			Mode:       run.Mode,
			Addr:       req.Addr,
			Ticks:      req.Ticks,
			Dt:         run.Dt,
			Seed:       seed,
			Workers:    req.Workers,
			Strict:     req.Strict,
		},
		Summary: artifacts.RunSummary{
			Ticks:            stats.Ticks,
			TimeSeconds:      stats.Time,
			Spikes:           stats.Spikes,
			CurrentOverflows: stats.Overflows.Current,
			WeightOverflows:  stats.Overflows.Weight,
			TraceOverflows:   stats.Overflows.Trace,
			ErrorClips:       stats.ErrorClips,
			ElapsedMS:        run.ElapsedMS,
			Probes:           probeStats,
		},
		Model:  built.record,
		Probes: series,
	})
	if err != nil {
		return RunSummary{}, err
	}
	if err := artifacts.AppendRunIndex(c.runsDir, artifacts.RunIndexEntry{
		RunID:        run.ID,
		ModelID:      run.ModelID,
		Label:        built.record.Label,
		Target:       run.Target,
		Mode:         run.Mode,
		Ticks:        run.Ticks,
		Spikes:       run.Spikes,
		Seed:         seed,
		CreatedAtUTC: now,
	}); err != nil {
		return RunSummary{}, err
	}

	c.logger.Info("run complete",
		slog.String("run_id", run.ID),
		slog.Int64("ticks", stats.Ticks),
		slog.Int64("spikes", stats.Spikes),
		slog.Duration("elapsed", elapsed),
	)
	return RunSummary{
		RunID:        run.ID,
		ModelID:      run.ModelID,
		ArtifactsDir: filepath.Clean(runDir),
		Stats:        stats,
		Elapsed:      elapsed,
		Probes:       labels,
		ProbeStats:   probeStats,
	}, nil
}

// runChunked splits a run so progress can be reported. Precomputed mode
// still hands each chunk to the backend at once.
func runChunked(ctx context.Context, sim *simulator.Simulator, total int64, progress func(done, total int64)) error {
	if progress == nil {
		return sim.Run(ctx, int(total))
	}
	chunk := total / 20
	if chunk < 1 {
		chunk = 1
	}
	for done := int64(0); done < total; {
		n := min(chunk, total-done)
		if err := sim.Run(ctx, int(n)); err != nil {
			return err
		}
		done += n
		progress(done, total)
	}
	return nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := artifacts.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			ModelID:      e.ModelID,
			Label:        e.Label,
			CreatedAtUTC: e.CreatedAtUTC,
			Target:       e.Target,
			Mode:         e.Mode,
			Ticks:        e.Ticks,
			Spikes:       e.Spikes,
			Seed:         e.Seed,
		})
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}

	exportedDir, err := artifacts.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Probe returns one probe's recorded data, from the store when it holds
// the run and from the run's CSV otherwise.
func (c *Client) Probe(ctx context.Context, req ProbeRequest) (model.ProbeSeries, error) {
	if req.Probe == "" {
		return model.ProbeSeries{}, errors.New("probe label is required")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return model.ProbeSeries{}, err
	}

	if err := c.Init(ctx); err != nil {
		return model.ProbeSeries{}, err
	}
	series, ok, err := c.store.GetProbeSeries(ctx, runID)
	if err != nil {
		return model.ProbeSeries{}, err
	}
	if ok {
		for _, s := range series {
			if s.Probe == req.Probe {
				return s, nil
			}
		}
		return model.ProbeSeries{}, fmt.Errorf("%w: %s", simulator.ErrUnknownProbe, req.Probe)
	}

	s, ok, err := artifacts.ReadProbeCSV(c.runsDir, runID, req.Probe)
	if err != nil {
		return model.ProbeSeries{}, err
	}
	if !ok {
		return model.ProbeSeries{}, fmt.Errorf("%w: %s in run %s", simulator.ErrUnknownProbe, req.Probe, runID)
	}
	return s, nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID == "" && !latest {
		return "", errors.New("run id or latest is required")
	}
	if runID != "" {
		return runID, nil
	}
	entries, err := artifacts.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

// Serve runs a board on addr until ctx is done.
func Serve(ctx context.Context, addr string, opts device.BoardOptions) error {
	return device.NewBoard(opts).ListenAndServe(ctx, addr)
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
