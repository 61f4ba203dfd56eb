// Package report turns a finished run into ranked tables and a run directory.
package report

import (
	"fmt"
	"time"

	"flint/internal/archive"
	"flint/internal/model"
	"flint/internal/receptor"
	"flint/internal/search"
	"flint/internal/storage"
)

// Meta carries the run facts that do not live in the archive.
type Meta struct {
	RunID       string
	CreatedAt   time.Time
	Receptor    string
	Ligand      string
	Oracle      string
	Proposer    string
	Seed        int64
	Outcome     string
	Reason      string
	Iterations  int
	OracleCalls int
	Interrupted bool
	Failures    []search.FailureRecord
	// BestByIteration and Diagnostics are copied into summary.json verbatim.
	BestByIteration []float64
	Diagnostics     []search.IterationDiagnostics
}

// MetaFromResult fills the loop-derived fields of meta from res.
func MetaFromResult(meta Meta, res search.Result) Meta {
	meta.Outcome = string(res.Outcome)
	meta.Reason = res.Reason
	meta.Iterations = res.Iterations
	meta.OracleCalls = res.OracleCalls
	meta.Interrupted = res.Interrupted
	meta.Failures = res.Failures
	meta.BestByIteration = res.BestByIteration
	meta.Diagnostics = res.Diagnostics
	return meta
}

type Row struct {
	Rank              int               `json:"rank"`
	ID                string            `json:"id"`
	Fingerprint       string            `json:"fingerprint"`
	ParentFingerprint string            `json:"parent_fingerprint,omitempty"`
	Scored            bool              `json:"scored"`
	Affinity          float64           `json:"delta_g"`
	Kd                float64           `json:"kd"`
	Interaction       model.Interaction `json:"interaction"`
	Mutations         []string          `json:"mutations"`
	NetMutations      int               `json:"n_mutations"`
	Depth             int               `json:"depth"`
	Iteration         int               `json:"iteration"`
	Observations      int               `json:"observations"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	Sequence          string            `json:"sequence"`

	structure *model.Structure
}

// LineageNode is one archive entry with its parent link and the full path of
// mutations from the original receptor.
type LineageNode struct {
	ID                string   `json:"id"`
	Fingerprint       string   `json:"fingerprint"`
	ParentFingerprint string   `json:"parent_fingerprint,omitempty"`
	Step              []string `json:"step,omitempty"`
	Lineage           []string `json:"lineage"`
	Depth             int      `json:"depth"`
	Iteration         int      `json:"iteration"`
	Evicted           bool     `json:"evicted,omitempty"`
}

type Report struct {
	RunID           string                        `json:"run_id"`
	CreatedAtUTC    string                        `json:"created_at_utc"`
	Receptor        string                        `json:"receptor"`
	Ligand          string                        `json:"ligand"`
	Oracle          string                        `json:"oracle"`
	Proposer        string                        `json:"proposer"`
	Seed            int64                         `json:"seed"`
	Outcome         string                        `json:"outcome"`
	Reason          string                        `json:"reason"`
	Partial         bool                          `json:"partial"`
	Interrupted     bool                          `json:"interrupted,omitempty"`
	Iterations      int                           `json:"iterations"`
	OracleCalls     int                           `json:"oracle_calls"`
	ArchiveSize     int                           `json:"archive_size"`
	Seen            int                           `json:"seen"`
	Signature       receptor.StructureSignature   `json:"signature"`
	Original        Row                           `json:"original"`
	Mutants         []Row                         `json:"mutants"`
	Failures        []search.FailureRecord        `json:"failures,omitempty"`
	BestByIteration []float64                     `json:"best_by_iteration,omitempty"`
	Diagnostics     []search.IterationDiagnostics `json:"diagnostics,omitempty"`
	Lineage         []LineageNode                 `json:"-"`
}

// Build ranks a frozen archive without touching the filesystem. The original
// is ranked with the mutants but reported on its own row. NetMutations counts
// residue differences from the original, so a lineage that revisits a slot
// counts once.
func Build(a *archive.Archive, meta Meta) (Report, error) {
	if a == nil {
		return Report{}, fmt.Errorf("archive is required")
	}
	if !a.Frozen() {
		return Report{}, fmt.Errorf("archive must be frozen before reporting")
	}
	origin, ok := a.Original()
	if !ok {
		return Report{}, fmt.Errorf("archive has no original receptor")
	}
	if meta.RunID == "" {
		return Report{}, fmt.Errorf("run id is required")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	rep := Report{
		RunID:           meta.RunID,
		CreatedAtUTC:    meta.CreatedAt.UTC().Format(time.RFC3339),
		Receptor:        meta.Receptor,
		Ligand:          meta.Ligand,
		Oracle:          meta.Oracle,
		Proposer:        meta.Proposer,
		Seed:            meta.Seed,
		Outcome:         meta.Outcome,
		Reason:          meta.Reason,
		Partial:         meta.Interrupted || meta.Outcome == string(search.StateFailed),
		Interrupted:     meta.Interrupted,
		Iterations:      meta.Iterations,
		OracleCalls:     meta.OracleCalls,
		ArchiveSize:     a.Len(),
		Seen:            a.Seen(),
		Mutants:         []Row{},
		Failures:        meta.Failures,
		BestByIteration: meta.BestByIteration,
		Diagnostics:     meta.Diagnostics,
	}

	for i, entry := range a.Best(0) {
		lineage, err := a.Lineage(entry.Fingerprint)
		if err != nil {
			return Report{}, fmt.Errorf("lineage of %s: %w", entry.Structure.ID, err)
		}
		net, err := receptor.Diff(origin.Structure, entry.Structure)
		if err != nil {
			return Report{}, fmt.Errorf("diff %s against the original: %w", entry.Structure.ID, err)
		}
		row := Row{
			Rank:              i + 1,
			ID:                entry.Structure.ID,
			Fingerprint:       entry.Fingerprint,
			ParentFingerprint: entry.Structure.ParentFingerprint,
			Scored:            entry.Score.Scored,
			Affinity:          entry.Score.Affinity,
			Kd:                entry.Score.Kd,
			Interaction:       entry.Score.Interaction,
			Mutations:         receptor.Labels(lineage),
			NetMutations:      len(net),
			Depth:             entry.Depth,
			Iteration:         entry.Iteration,
			Observations:      entry.Observations,
			FailureReason:     entry.Score.FailureReason,
			Sequence:          receptor.OneLetterSequence(entry.Structure),
			structure:         entry.Structure,
		}
		if entry.Original {
			rep.Original = row
			rep.Signature = receptor.ComputeSignature(entry.Structure)
			continue
		}
		rep.Mutants = append(rep.Mutants, row)
	}

	for _, entry := range a.Entries() {
		lineage, err := a.Lineage(entry.Fingerprint)
		if err != nil {
			return Report{}, fmt.Errorf("lineage of %s: %w", entry.Structure.ID, err)
		}
		rep.Lineage = append(rep.Lineage, LineageNode{
			ID:                entry.Structure.ID,
			Fingerprint:       entry.Fingerprint,
			ParentFingerprint: entry.Structure.ParentFingerprint,
			Step:              receptor.Labels(entry.Structure.Mutations),
			Lineage:           receptor.Labels(lineage),
			Depth:             entry.Depth,
			Iteration:         entry.Iteration,
			Evicted:           entry.Evicted,
		})
	}
	return rep, nil
}

// Best returns the best scored row, or false when nothing scored.
func (r Report) Best() (Row, bool) {
	best, ok := Row{}, false
	for _, row := range append([]Row{r.Original}, r.Mutants...) {
		if row.Scored && (!ok || row.Rank < best.Rank) {
			best, ok = row, true
		}
	}
	return best, ok
}

// RunRecord is the row persisted in the run store.
func (r Report) RunRecord(dir string) model.RunRecord {
	rec := model.RunRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: storage.CurrentSchemaVersion, CodecVersion: storage.CurrentCodecVersion},
		RunID:           r.RunID,
		CreatedAtUTC:    r.CreatedAtUTC,
		Dir:             dir,
		Receptor:        r.Receptor,
		Ligand:          r.Ligand,
		Oracle:          r.Oracle,
		Proposer:        r.Proposer,
		Seed:            r.Seed,
		Outcome:         r.Outcome,
		Reason:          r.Reason,
		Iterations:      r.Iterations,
		OracleCalls:     r.OracleCalls,
		Failures:        len(r.Failures),
		ArchiveSize:     r.ArchiveSize,
		Partial:         r.Partial,
	}
	if best, ok := r.Best(); ok {
		affinity := best.Affinity
		rec.BestAffinity = &affinity
	}
	return rec
}

// EntryRecords lists every ranked row, the original included, in rank order.
func (r Report) EntryRecords() []model.EntryRecord {
	records := make([]model.EntryRecord, len(r.Mutants)+1)
	put := func(row Row, original bool) {
		records[row.Rank-1] = model.EntryRecord{
			VersionedRecord:   model.VersionedRecord{SchemaVersion: storage.CurrentSchemaVersion, CodecVersion: storage.CurrentCodecVersion},
			Rank:              row.Rank,
			ID:                row.ID,
			Fingerprint:       row.Fingerprint,
			ParentFingerprint: row.ParentFingerprint,
			Original:          original,
			Scored:            row.Scored,
			Affinity:          row.Affinity,
			Kd:                row.Kd,
			Lineage:           row.Mutations,
			Depth:             row.Depth,
			Iteration:         row.Iteration,
		}
	}
	put(r.Original, true)
	for _, row := range r.Mutants {
		put(row, false)
	}
	return records
}
