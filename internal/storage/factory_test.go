package storage

import (
	"path/filepath"
	"testing"
)

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if store == nil {
		t.Fatal("expected non-nil store")
	}
}

func TestNewStoreSQLite(t *testing.T) {
	out := t.TempDir()
	store, err := NewStore("sqlite", PathIn(out))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	if _, ok := store.(*SQLiteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	if PathIn(out) != filepath.Join(out, "flint.db") {
		t.Fatalf("unexpected db path: %s", PathIn(out))
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	if _, err := NewStore("unknown", ""); err == nil {
		t.Fatal("expected unsupported store error")
	}
	if _, err := NewStore("sqlite", ""); err == nil {
		t.Fatal("expected error for missing sqlite path")
	}
}
