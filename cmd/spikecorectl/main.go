package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"spikecore/internal/device"
	"spikecore/internal/storage"
	"spikecore/pkg/spikecore"
)

const (
	runsDir    = "runs"
	exportsDir = "exports"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "build":
		return runBuild(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "board":
		return runBoard(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "probe":
		return runProbe(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	netPath := fs.String("net", "", "network JSON document")
	limitsPath := fs.String("limits", "", "hardware limits file (.toml or .json)")
	seed := fs.Int64("seed", -1, "build seed; -1 keeps the network seed")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "spikecore.db", "sqlite database path")
	verbose := fs.Bool("v", false, "log build progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *netPath == "" {
		return errors.New("build requires --net")
	}

	client, err := spikecore.New(spikecore.Options{
		StoreKind: *storeKind,
		DBPath:    *dbPath,
		Logger:    newLogger(*verbose),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Build(ctx, spikecore.Source{
		NetworkPath: *netPath,
		LimitsPath:  *limitsPath,
		Seed:        seedFlag(*seed),
	})
	if err != nil {
		return err
	}

	fmt.Printf("model_id=%s label=%s groups=%d compartments=%s axons=%s synapses=%s synapse_memory=%s clipped=%d\n",
		summary.ModelID,
		summary.Label,
		summary.Stats.Groups,
		humanize.Comma(int64(summary.Stats.Compartments)),
		humanize.Comma(int64(summary.Stats.Axons)),
		humanize.Comma(int64(summary.Stats.Synapses)),
		summary.Stats.SynapseBytes.HumanReadable(),
		summary.Clipped,
	)
	for _, w := range summary.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "run config TOML; flags override its values")
	netPath := fs.String("net", "", "network JSON document")
	limitsPath := fs.String("limits", "", "hardware limits file (.toml or .json)")
	ticks := fs.Int64("ticks", 1000, "ticks to run")
	target := fs.String("target", "emulator", "backend: emulator|device")
	mode := fs.String("mode", "interactive", "host exchange: interactive|precomputed")
	addr := fs.String("addr", "", "board address for --target device; empty starts an in-process board")
	workers := fs.Int("workers", 0, "compartment update workers; 0 uses GOMAXPROCS")
	seed := fs.Int64("seed", -1, "build seed; -1 keeps the network seed")
	timeout := fs.Duration("timeout", device.DefaultTimeout, "device operation timeout")
	strict := fs.Bool("strict", false, "fail on run-time saturation instead of warning")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "spikecore.db", "sqlite database path")
	exportDir := fs.String("export", "", "also export the run artifacts to this directory")
	progress := fs.Bool("progress", isTerminal(os.Stderr), "report progress on stderr")
	jsonOut := fs.Bool("json", false, "emit run summary as JSON")
	verbose := fs.Bool("v", false, "log simulator events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := runConfig{
		Network: *netPath,
		Limits:  *limitsPath,
		Ticks:   *ticks,
		Target:  *target,
		Mode:    *mode,
		Addr:    *addr,
		Workers: *workers,
		Seed:    seedFlag(*seed),
		Timeout: *timeout,
		Strict:  *strict,
		Store:   *storeKind,
		DBPath:  *dbPath,
		Export:  *exportDir,
	}
	if *configPath != "" {
		loaded, err := loadRunConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded.override(cfg, setFlags(fs))
	}
	if cfg.Network == "" {
		return errors.New("run requires --net or a config with network")
	}

	client, err := spikecore.New(spikecore.Options{
		StoreKind: cfg.Store,
		DBPath:    cfg.DBPath,
		RunsDir:   runsDir,
		Logger:    newLogger(*verbose),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	req := cfg.request()
	if *progress {
		req.Progress = func(done, total int64) {
			fmt.Fprintf(os.Stderr, "\rtick %s/%s", humanize.Comma(done), humanize.Comma(total))
			if done == total {
				fmt.Fprintln(os.Stderr)
			}
		}
	}
	summary, err := client.Run(ctx, req)
	if err != nil {
		return err
	}

	var exported string
	if cfg.Export != "" {
		out, err := client.Export(ctx, spikecore.ExportRequest{RunID: summary.RunID, OutDir: cfg.Export})
		if err != nil {
			return err
		}
		exported = out.Directory
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"run_id":        summary.RunID,
			"model_id":      summary.ModelID,
			"artifacts_dir": summary.ArtifactsDir,
			"exported_dir":  exported,
			"ticks":         summary.Stats.Ticks,
			"time_seconds":  summary.Stats.Time,
			"spikes":        summary.Stats.Spikes,
			"overflows":     summary.Stats.Overflows.Total(),
			"error_clips":   summary.Stats.ErrorClips,
			"elapsed_ms":    summary.Elapsed.Milliseconds(),
			"probes":        summary.Probes,
			"probe_stats":   summary.ProbeStats,
		})
	}

	fmt.Printf("run_id=%s model_id=%s target=%s mode=%s ticks=%s spikes=%s overflows=%d elapsed=%s artifacts=%s\n",
		summary.RunID,
		summary.ModelID,
		cfg.Target,
		cfg.Mode,
		humanize.Comma(summary.Stats.Ticks),
		humanize.Comma(summary.Stats.Spikes),
		summary.Stats.Overflows.Total(),
		summary.Elapsed.Round(time.Millisecond),
		summary.ArtifactsDir,
	)
	for _, ps := range summary.ProbeStats {
		if ps.Samples == 0 {
			continue
		}
		fmt.Printf("probe=%s samples=%d mean=%s std=%s\n", ps.Probe, ps.Samples, formatVector(ps.Mean), formatVector(ps.Std))
	}
	if exported != "" {
		fmt.Printf("exported run_id=%s to=%s\n", summary.RunID, exported)
	}
	return nil
}

func runBoard(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("board", flag.ContinueOnError)
	listen := fs.String("listen", ":7070", "address to accept host links on")
	workers := fs.Int("workers", 0, "compartment update workers per session")
	latency := fs.Duration("latency", 0, "artificial delay before each step or run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(true)
	logger.Info("board listening", slog.String("addr", *listen))
	return spikecore.Serve(ctx, *listen, device.BoardOptions{
		Workers: *workers,
		Latency: *latency,
		Logger:  logger,
	})
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := spikecore.New(spikecore.Options{StoreKind: "memory", RunsDir: runsDir})
	if err != nil {
		return err
	}
	defer client.Close()

	items, err := client.Runs(ctx, spikecore.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	for _, item := range items {
		created := item.CreatedAtUTC
		if ts, err := time.Parse(time.RFC3339Nano, item.CreatedAtUTC); err == nil {
			created = humanize.Time(ts)
		}
		fmt.Printf("run_id=%s created=%q label=%s target=%s mode=%s seed=%d ticks=%s spikes=%s\n",
			item.RunID,
			created,
			item.Label,
			item.Target,
			item.Mode,
			item.Seed,
			humanize.Comma(item.Ticks),
			humanize.Comma(item.Spikes),
		)
	}
	return nil
}

func runProbe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "read the most recent run from the run index")
	label := fs.String("probe", "", "probe label")
	limit := fs.Int("limit", 0, "print at most this many samples; 0 prints all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit < 0 {
		return errors.New("limit must be >= 0")
	}

	client, err := spikecore.New(spikecore.Options{StoreKind: "memory", RunsDir: runsDir})
	if err != nil {
		return err
	}
	defer client.Close()

	series, err := client.Probe(ctx, spikecore.ProbeRequest{RunID: *runID, Latest: *latest, Probe: *label})
	if err != nil {
		return err
	}
	n := len(series.Ticks)
	if *limit > 0 && n > *limit {
		n = *limit
	}
	for i := 0; i < n; i++ {
		fmt.Printf("tick=%d values=%s\n", series.Ticks[i], formatVector(series.Values[i]))
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := spikecore.New(spikecore.Options{StoreKind: "memory", RunsDir: runsDir, ExportsDir: *outDir})
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Export(ctx, spikecore.ExportRequest{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}

	fmt.Printf("exported run_id=%s to=%s\n", summary.RunID, filepath.Clean(summary.Directory))
	return nil
}

func formatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.6f", x)
	}
	return strings.Join(parts, ",")
}

func seedFlag(v int64) *int64 {
	if v < 0 {
		return nil
	}
	return &v
}

func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: spikecorectl <build|run|board|runs|probe|export> [flags]", msg)
}
