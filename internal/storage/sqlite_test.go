//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"spikecore/internal/model"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "spikecore.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	m := model.ModelRecord{
		VersionedRecord: model.CurrentVersion(),
		ID:              "model-1",
		Label:           "channel",
		Compartments:    100,
		CreatedAtUTC:    "2026-01-01T00:00:00Z",
	}
	if err := store.SaveModel(ctx, m); err != nil {
		t.Fatalf("save model: %v", err)
	}
	loaded, ok, err := store.GetModel(ctx, m.ID)
	if err != nil || !ok {
		t.Fatalf("get model: ok=%t err=%v", ok, err)
	}
	if loaded.Label != "channel" || loaded.Compartments != 100 {
		t.Fatalf("unexpected model loaded: %+v", loaded)
	}

	for _, r := range []model.RunRecord{
		{VersionedRecord: model.CurrentVersion(), ID: "run-1", ModelID: m.ID, Ticks: 10, CreatedAtUTC: "2026-01-01T00:00:00Z"},
		{VersionedRecord: model.CurrentVersion(), ID: "run-2", ModelID: m.ID, Ticks: 20, CreatedAtUTC: "2026-01-02T00:00:00Z"},
	} {
		if err := store.SaveRun(ctx, r); err != nil {
			t.Fatalf("save run %s: %v", r.ID, err)
		}
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	series := []model.ProbeSeries{{Probe: "out", Ticks: []int64{1}, Values: [][]float64{{0.5}}}}
	if err := store.SaveProbeSeries(ctx, "run-2", series); err != nil {
		t.Fatalf("save series: %v", err)
	}
	got, ok, err := store.GetProbeSeries(ctx, "run-2")
	if err != nil || !ok {
		t.Fatalf("get series: ok=%t err=%v", ok, err)
	}
	if len(got) != 1 || got[0].Values[0][0] != 0.5 {
		t.Fatalf("unexpected series: %+v", got)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "spikecore.db")

	first := NewSQLiteStore(dbPath)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("init first: %v", err)
	}
	run := model.RunRecord{VersionedRecord: model.CurrentVersion(), ID: "run-1", Spikes: 42}
	if err := first.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close first: %v", err)
	}

	second := NewSQLiteStore(dbPath)
	if err := second.Init(ctx); err != nil {
		t.Fatalf("init second: %v", err)
	}
	t.Cleanup(func() {
		_ = second.Close()
	})
	loaded, ok, err := second.GetRun(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%t err=%v", ok, err)
	}
	if loaded.Spikes != 42 {
		t.Fatalf("unexpected spikes: got=%d want=42", loaded.Spikes)
	}
}

func TestSQLiteStoreRequiresInit(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"))
	if _, _, err := store.GetRun(context.Background(), "run-1"); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
