package storage

import (
	"fmt"
	"path/filepath"
)

// DBFile is the SQLite file name inside the output root.
const DBFile = "flint.db"

func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if sqlitePath == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

// PathIn is the SQLite path for an output root.
func PathIn(outDir string) string {
	return filepath.Join(outDir, DBFile)
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
