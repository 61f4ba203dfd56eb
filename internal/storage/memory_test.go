package storage

import (
	"context"
	"testing"

	"flint/internal/model"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	exerciseStore(t, store)
}

func TestMemoryStoreEntriesAreCopied(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := []model.EntryRecord{{VersionedRecord: versioned(), Rank: 1, ID: "original"}}
	if err := store.SaveEntries(ctx, "01A", input); err != nil {
		t.Fatalf("save entries: %v", err)
	}
	input[0].ID = "changed"

	output, _, err := store.GetEntries(ctx, "01A")
	if err != nil {
		t.Fatalf("get entries: %v", err)
	}
	if output[0].ID != "original" {
		t.Fatalf("stored entries aliased caller slice: %+v", output)
	}
}
