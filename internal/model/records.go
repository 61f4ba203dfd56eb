package model

// RunRecord is the persisted summary of one finished run.
type RunRecord struct {
	VersionedRecord
	RunID        string   `json:"run_id"`
	CreatedAtUTC string   `json:"created_at_utc"`
	Dir          string   `json:"dir"`
	Receptor     string   `json:"receptor"`
	Ligand       string   `json:"ligand"`
	Oracle       string   `json:"oracle"`
	Proposer     string   `json:"proposer"`
	Seed         int64    `json:"seed"`
	Outcome      string   `json:"outcome"`
	Reason       string   `json:"reason"`
	Iterations   int      `json:"iterations"`
	OracleCalls  int      `json:"oracle_calls"`
	Failures     int      `json:"failures"`
	ArchiveSize  int      `json:"archive_size"`
	BestAffinity *float64 `json:"best_affinity,omitempty"`
	Partial      bool     `json:"partial"`
}

// EntryRecord is one ranked archive entry as persisted after a run.
type EntryRecord struct {
	VersionedRecord
	Rank              int      `json:"rank"`
	ID                string   `json:"id"`
	Fingerprint       string   `json:"fingerprint"`
	ParentFingerprint string   `json:"parent_fingerprint,omitempty"`
	Original          bool     `json:"original"`
	Scored            bool     `json:"scored"`
	Affinity          float64  `json:"affinity"`
	Kd                float64  `json:"kd"`
	Lineage           []string `json:"lineage,omitempty"`
	Depth             int      `json:"depth"`
	Iteration         int      `json:"iteration"`
}
