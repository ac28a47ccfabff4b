//go:build sqlite

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"spikecore/internal/storage"
)

func TestRunCommandSQLitePersistsRun(t *testing.T) {
	workdir := chdirTemp(t)
	netPath := writeNetwork(t, workdir)
	dbPath := filepath.Join(workdir, "spikecore.db")

	args := []string{"run", "--store", "sqlite", "--db-path", dbPath, "--net", netPath, "--ticks", "20"}
	if err := run(context.Background(), args); err != nil {
		t.Fatalf("run command: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected sqlite db at %s: %v", dbPath, err)
	}

	store := storage.NewSQLiteStore(dbPath)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	runs, err := store.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Ticks != 20 {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	series, ok, err := store.GetProbeSeries(context.Background(), runs[0].ID)
	if err != nil || !ok {
		t.Fatalf("get series: ok=%t err=%v", ok, err)
	}
	if len(series) != 1 || len(series[0].Ticks) != 20 {
		t.Fatalf("unexpected series: %+v", series)
	}
	if _, ok, err := store.GetModel(context.Background(), runs[0].ModelID); err != nil || !ok {
		t.Fatalf("expected stored model: ok=%t err=%v", ok, err)
	}
}
