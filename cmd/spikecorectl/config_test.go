package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadRunConfigResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.toml")
	writeFile(t, path, `
network = "nets/channel.json"
limits = "/etc/spikecore/limits.toml"
ticks = 250
target = "device"
mode = "precomputed"
seed = 9
timeout = "750ms"
strict = true
`)

	cfg, err := loadRunConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Network != filepath.Join(dir, "nets", "channel.json") {
		t.Fatalf("unexpected network path: %s", cfg.Network)
	}
	if cfg.Limits != "/etc/spikecore/limits.toml" {
		t.Fatalf("unexpected limits path: %s", cfg.Limits)
	}
	if cfg.Ticks != 250 || cfg.Target != "device" || cfg.Mode != "precomputed" || !cfg.Strict {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Seed == nil || *cfg.Seed != 9 {
		t.Fatalf("unexpected seed: %v", cfg.Seed)
	}
	if cfg.Timeout != 750*time.Millisecond {
		t.Fatalf("unexpected timeout: got=%s want=750ms", cfg.Timeout)
	}
}

func TestLoadRunConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.toml")
	writeFile(t, path, "tickz = 3\n")
	if _, err := loadRunConfig(path); err == nil {
		t.Fatal("expected unknown key to fail")
	}
}

func TestRunConfigFlagOverrides(t *testing.T) {
	seed := int64(3)
	file := runConfig{Network: "a.json", Ticks: 100, Target: "device", Seed: &seed, Workers: 4}
	flags := runConfig{Network: "b.json", Ticks: 1000, Target: "emulator", Mode: "interactive", Store: "memory"}

	got := file.override(flags, map[string]bool{"ticks": true})
	if got.Network != "a.json" {
		t.Fatalf("expected file network, got %s", got.Network)
	}
	if got.Ticks != 1000 {
		t.Fatalf("expected explicit ticks flag to win, got %d", got.Ticks)
	}
	if got.Target != "device" || got.Workers != 4 || got.Mode != "interactive" || got.Store != "memory" {
		t.Fatalf("unexpected merged config: %+v", got)
	}
	if got.Seed == nil || *got.Seed != 3 {
		t.Fatalf("unexpected seed: %v", got.Seed)
	}

	req := got.request()
	if req.NetworkPath != "a.json" || req.Ticks != 1000 || req.Target != "device" {
		t.Fatalf("unexpected request: %+v", req)
	}
}
