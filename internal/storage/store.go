package storage

import (
	"context"

	"flint/internal/model"
)

// Store persists finished runs and their ranked archive entries.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, runID string) (model.RunRecord, bool, error)
	// ListRuns returns every run, newest first.
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveEntries(ctx context.Context, runID string, entries []model.EntryRecord) error
	GetEntries(ctx context.Context, runID string) ([]model.EntryRecord, bool, error)
}
