package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"spikecore/pkg/spikecore"
)

// runConfig is the on-disk form of a run. Relative paths are resolved
// against the directory of the config file.
type runConfig struct {
	Network string        `toml:"network"`
	Limits  string        `toml:"limits"`
	Ticks   int64         `toml:"ticks"`
	Target  string        `toml:"target"`
	Mode    string        `toml:"mode"`
	Addr    string        `toml:"addr"`
	Workers int           `toml:"workers"`
	Seed    *int64        `toml:"seed"`
	Timeout time.Duration `toml:"timeout"`
	Strict  bool          `toml:"strict"`
	Store   string        `toml:"store"`
	DBPath  string        `toml:"db_path"`
	Export  string        `toml:"export"`
}

func loadRunConfig(path string) (runConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return runConfig{}, err
	}
	var cfg runConfig
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return runConfig{}, fmt.Errorf("decode run config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return runConfig{}, fmt.Errorf("unknown keys in run config %s: %v", path, undecoded)
	}

	dir := filepath.Dir(path)
	cfg.Network = resolvePath(dir, cfg.Network)
	cfg.Limits = resolvePath(dir, cfg.Limits)
	cfg.DBPath = resolvePath(dir, cfg.DBPath)
	cfg.Export = resolvePath(dir, cfg.Export)
	return cfg, nil
}

func resolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// override starts from the flag values and takes every field the file sets,
// except the ones named on the command line.
func (file runConfig) override(flags runConfig, set map[string]bool) runConfig {
	out := flags
	if file.Network != "" && !set["net"] {
		out.Network = file.Network
	}
	if file.Limits != "" && !set["limits"] {
		out.Limits = file.Limits
	}
	if file.Ticks != 0 && !set["ticks"] {
		out.Ticks = file.Ticks
	}
	if file.Target != "" && !set["target"] {
		out.Target = file.Target
	}
	if file.Mode != "" && !set["mode"] {
		out.Mode = file.Mode
	}
	if file.Addr != "" && !set["addr"] {
		out.Addr = file.Addr
	}
	if file.Workers != 0 && !set["workers"] {
		out.Workers = file.Workers
	}
	if file.Seed != nil && !set["seed"] {
		out.Seed = file.Seed
	}
	if file.Timeout != 0 && !set["timeout"] {
		out.Timeout = file.Timeout
	}
	if file.Strict && !set["strict"] {
		out.Strict = true
	}
	if file.Store != "" && !set["store"] {
		out.Store = file.Store
	}
	if file.DBPath != "" && !set["db-path"] {
		out.DBPath = file.DBPath
	}
	if file.Export != "" && !set["export"] {
		out.Export = file.Export
	}
	return out
}

func (c runConfig) request() spikecore.RunRequest {
	return spikecore.RunRequest{
		Source: spikecore.Source{
			NetworkPath: c.Network,
			LimitsPath:  c.Limits,
			Seed:        c.Seed,
		},
		Ticks:   c.Ticks,
		Target:  c.Target,
		Mode:    c.Mode,
		Addr:    c.Addr,
		Workers: c.Workers,
		Timeout: c.Timeout,
		Strict:  c.Strict,
	}
}
