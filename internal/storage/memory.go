package storage

import (
	"context"
	"sort"
	"sync"

	"flint/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	entries     map[string][]model.EntryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.entries = make(map[string][]model.EntryRecord)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sortNewestFirst(runs)
	return runs, nil
}

func (s *MemoryStore) SaveEntries(_ context.Context, runID string, entries []model.EntryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]model.EntryRecord, len(entries))
	copy(copied, entries)
	s.entries[runID] = copied
	return nil
}

func (s *MemoryStore) GetEntries(_ context.Context, runID string) ([]model.EntryRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.entries[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.EntryRecord, len(entries))
	copy(copied, entries)
	return copied, true, nil
}

// sortNewestFirst orders by creation time, then run id; ULIDs sort by time.
func sortNewestFirst(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
		}
		return runs[i].RunID > runs[j].RunID
	})
}
