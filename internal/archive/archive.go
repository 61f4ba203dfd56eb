// Package archive keeps every structurally unique mutant seen during a run,
// keyed by sequence fingerprint, with its score and lineage.
package archive

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"flint/internal/model"
	"flint/internal/receptor"
)

// KeepPolicy decides what happens to the stored score when a fingerprint is
// observed again. Structure and lineage are never replaced.
type KeepPolicy string

const (
	// KeepFirst leaves the first observed score untouched.
	KeepFirst KeepPolicy = "first"
	// KeepMin keeps the lowest affinity observed, for noisy oracles.
	KeepMin KeepPolicy = "min"
)

var (
	ErrNotSeeded      = errors.New("archive has no original receptor")
	ErrAlreadySeeded  = errors.New("archive already seeded")
	ErrFrozen         = errors.New("archive is frozen")
	ErrUnknownParent  = errors.New("parent fingerprint not in archive")
	ErrBrokenLineage  = errors.New("lineage walk did not reach the original receptor")
	ErrNotFound       = errors.New("fingerprint not in archive")
	ErrInvalidPolicy  = errors.New("invalid keep policy")
	ErrEmptyMutations = errors.New("non-original structure carries no mutations")
)

type Options struct {
	Policy KeepPolicy
	// Capacity bounds the ranked set of mutants (the original is never dropped).
	// Zero means unbounded.
	Capacity int
}

type Entry struct {
	Seq          int              `json:"seq"`
	Fingerprint  string           `json:"fingerprint"`
	Structure    *model.Structure `json:"structure"`
	Score        model.Score      `json:"score"`
	Depth        int              `json:"depth"`
	Iteration    int              `json:"iteration"`
	Original     bool             `json:"original"`
	Observations int              `json:"observations"`
	Evicted      bool             `json:"evicted,omitempty"`
}

type Status int

const (
	Inserted Status = iota + 1
	Duplicate
)

func (s Status) String() string {
	switch s {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

type Result struct {
	Status   Status
	Entry    Entry
	Existing model.Score
}

type Archive struct {
	mu       sync.RWMutex
	opts     Options
	arena    map[string]*Entry
	order    []string
	original string
	frozen   bool
	retained int
}

func New(opts Options) (*Archive, error) {
	switch opts.Policy {
	case "":
		opts.Policy = KeepFirst
	case KeepFirst, KeepMin:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, opts.Policy)
	}
	if opts.Capacity < 0 {
		return nil, fmt.Errorf("capacity must be >= 0")
	}
	return &Archive{
		opts:  opts,
		arena: make(map[string]*Entry),
	}, nil
}

func (a *Archive) Options() Options {
	return a.opts
}

// Seed inserts the original receptor. It must be called exactly once, before
// any TryInsert.
func (a *Archive) Seed(original *model.Structure, score model.Score) (Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.original != "" {
		return Entry{}, ErrAlreadySeeded
	}
	if a.frozen {
		return Entry{}, ErrFrozen
	}
	if original == nil {
		return Entry{}, fmt.Errorf("original structure is required")
	}
	if !original.IsOriginal() {
		return Entry{}, fmt.Errorf("seed structure %s has a parent", original.ID)
	}

	fingerprint := receptor.Fingerprint(original)
	entry := &Entry{
		Seq:          0,
		Fingerprint:  fingerprint,
		Structure:    original,
		Score:        score,
		Original:     true,
		Observations: 1,
	}
	a.arena[fingerprint] = entry
	a.order = append(a.order, fingerprint)
	a.original = fingerprint
	a.retained = 1
	return *entry, nil
}

// TryInsert stores structure under its fingerprint if that fingerprint is new.
// For a known fingerprint it reports the stored score and leaves the entry's
// structure and lineage untouched; under KeepMin a lower affinity replaces the
// stored score.
func (a *Archive) TryInsert(structure *model.Structure, score model.Score, iteration int) (Result, error) {
	if structure == nil {
		return Result{}, fmt.Errorf("structure is required")
	}
	fingerprint := receptor.Fingerprint(structure)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.original == "" {
		return Result{}, ErrNotSeeded
	}
	if a.frozen {
		return Result{}, ErrFrozen
	}

	if existing, ok := a.arena[fingerprint]; ok {
		prior := existing.Score
		existing.Observations++
		if a.opts.Policy == KeepMin && score.Scored && model.Better(score, existing.Score) {
			existing.Score = score
		}
		return Result{Status: Duplicate, Entry: *existing, Existing: prior}, nil
	}

	if len(structure.Mutations) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrEmptyMutations, structure.ID)
	}
	parent, ok := a.arena[structure.ParentFingerprint]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownParent, structure.ParentFingerprint)
	}

	entry := &Entry{
		Seq:          len(a.order),
		Fingerprint:  fingerprint,
		Structure:    structure,
		Score:        score,
		Depth:        parent.Depth + len(structure.Mutations),
		Iteration:    iteration,
		Observations: 1,
	}
	a.arena[fingerprint] = entry
	a.order = append(a.order, fingerprint)
	a.retained++
	a.enforceCapacity()

	return Result{Status: Inserted, Entry: *entry}, nil
}

// enforceCapacity drops the worst-ranked mutants beyond capacity from the
// ranked set. Dropped fingerprints stay in the arena. Caller holds a.mu.
func (a *Archive) enforceCapacity() {
	if a.opts.Capacity <= 0 {
		return
	}
	for a.retained-1 > a.opts.Capacity {
		var worst *Entry
		for _, fp := range a.order {
			entry := a.arena[fp]
			if entry.Original || entry.Evicted {
				continue
			}
			if worst == nil || less(worst, entry) {
				worst = entry
			}
		}
		if worst == nil {
			return
		}
		worst.Evicted = true
		a.retained--
	}
}

// Contains reports whether fingerprint was ever inserted during this run,
// including entries dropped by the capacity bound.
func (a *Archive) Contains(fingerprint string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, ok := a.arena[fingerprint]
	return ok
}

func (a *Archive) Get(fingerprint string) (Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entry, ok := a.arena[fingerprint]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

func (a *Archive) Original() (Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.original == "" {
		return Entry{}, false
	}
	return *a.arena[a.original], true
}

// Best returns the top n retained entries in rank order; n <= 0 returns all.
func (a *Archive) Best(n int) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ranked := make([]*Entry, 0, a.retained)
	for _, fp := range a.order {
		entry := a.arena[fp]
		if entry.Evicted {
			continue
		}
		ranked = append(ranked, entry)
	}
	sort.Slice(ranked, func(i, j int) bool {
		return less(ranked[i], ranked[j])
	})
	if n > 0 && n < len(ranked) {
		ranked = ranked[:n]
	}

	out := make([]Entry, len(ranked))
	for i, entry := range ranked {
		out[i] = *entry
	}
	return out
}

// Entries returns every arena entry in insertion order.
func (a *Archive) Entries() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Entry, 0, len(a.order))
	for _, fp := range a.order {
		out = append(out, *a.arena[fp])
	}
	return out
}

// Lineage reconstructs the mutations from the original receptor to
// fingerprint by walking parent links.
func (a *Archive) Lineage(fingerprint string) ([]model.Mutation, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entry, ok := a.arena[fingerprint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fingerprint)
	}

	var steps [][]model.Mutation
	total := 0
	// Parents always predate children, so a valid walk is bounded by the arena size.
	for hops := 0; !entry.Original; hops++ {
		if hops > len(a.arena) {
			return nil, fmt.Errorf("%w: cycle at %s", ErrBrokenLineage, fingerprint)
		}
		steps = append(steps, entry.Structure.Mutations)
		total += len(entry.Structure.Mutations)
		parent, ok := a.arena[entry.Structure.ParentFingerprint]
		if !ok {
			return nil, fmt.Errorf("%w: missing parent %s", ErrBrokenLineage, entry.Structure.ParentFingerprint)
		}
		entry = parent
	}

	lineage := make([]model.Mutation, 0, total)
	for i := len(steps) - 1; i >= 0; i-- {
		lineage = append(lineage, steps[i]...)
	}
	return lineage, nil
}

// Len is the number of retained entries, the original included.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.retained
}

// Seen is the number of distinct fingerprints inserted, evicted ones included.
func (a *Archive) Seen() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.arena)
}

// Freeze rejects any further insertion.
func (a *Archive) Freeze() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frozen = true
}

func (a *Archive) Frozen() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.frozen
}

// less is the archive's total order: scored before unscored, lower affinity,
// shorter lineage, earlier insertion.
func less(a, b *Entry) bool {
	if a.Score.Scored != b.Score.Scored {
		return a.Score.Scored
	}
	if a.Score.Scored && a.Score.Affinity != b.Score.Affinity {
		return a.Score.Affinity < b.Score.Affinity
	}
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.Seq < b.Seq
}
