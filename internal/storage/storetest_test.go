package storage

import (
	"context"
	"testing"

	"flint/internal/model"
)

func versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

// exerciseStore runs the same round trip against any backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	best := -7.2
	older := model.RunRecord{VersionedRecord: versioned(), RunID: "01A", CreatedAtUTC: "2026-03-01T10:00:00Z", Outcome: "CONVERGED"}
	newer := model.RunRecord{VersionedRecord: versioned(), RunID: "01B", CreatedAtUTC: "2026-03-01T11:00:00Z", Outcome: "BUDGET_EXHAUSTED", BestAffinity: &best}
	for _, run := range []model.RunRecord{older, newer} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run %s: %v", run.RunID, err)
		}
	}

	got, ok, err := store.GetRun(ctx, "01B")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !ok {
		t.Fatal("expected run 01B")
	}
	if got.BestAffinity == nil || *got.BestAffinity != best {
		t.Fatalf("unexpected run: %+v", got)
	}
	if _, ok, err := store.GetRun(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing run, ok=%t err=%v", ok, err)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "01B" || runs[1].RunID != "01A" {
		t.Fatalf("unexpected run order: %+v", runs)
	}

	older.Outcome = "FAILED"
	older.Partial = true
	if err := store.SaveRun(ctx, older); err != nil {
		t.Fatalf("upsert run: %v", err)
	}
	got, _, err = store.GetRun(ctx, "01A")
	if err != nil {
		t.Fatalf("get upserted run: %v", err)
	}
	if got.Outcome != "FAILED" || !got.Partial {
		t.Fatalf("unexpected upserted run: %+v", got)
	}

	entries := []model.EntryRecord{
		{VersionedRecord: versioned(), Rank: 1, ID: "mutant-1", Fingerprint: "f1", ParentFingerprint: "f0", Scored: true, Affinity: -7.2, Lineage: []string{"A:A3G"}, Depth: 1},
		{VersionedRecord: versioned(), Rank: 2, ID: "original", Fingerprint: "f0", Original: true, Scored: true, Affinity: -5.1},
	}
	if err := store.SaveEntries(ctx, "01B", entries); err != nil {
		t.Fatalf("save entries: %v", err)
	}
	loaded, ok, err := store.GetEntries(ctx, "01B")
	if err != nil {
		t.Fatalf("get entries: %v", err)
	}
	if !ok {
		t.Fatal("expected entries for 01B")
	}
	if len(loaded) != 2 || loaded[0].ID != "mutant-1" || len(loaded[0].Lineage) != 1 || !loaded[1].Original {
		t.Fatalf("unexpected entries: %+v", loaded)
	}
	if _, ok, err := store.GetEntries(ctx, "01A"); err != nil || ok {
		t.Fatalf("expected no entries for 01A, ok=%t err=%v", ok, err)
	}
}
