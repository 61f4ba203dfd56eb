package model

import (
	"fmt"
	"time"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// OriginalID is the structure id given to the unmutated receptor.
const OriginalID = "original"

type Atom struct {
	Serial    int     `json:"serial"`
	Name      string  `json:"name"`
	Element   string  `json:"element"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Occupancy float64 `json:"occupancy"`
	BFactor   float64 `json:"b_factor"`
	Het       bool    `json:"het,omitempty"`
}

type Residue struct {
	Chain         string `json:"chain"`
	Position      int    `json:"position"`
	InsertionCode string `json:"insertion_code,omitempty"`
	Name          string `json:"name"`
	Atoms         []Atom `json:"atoms,omitempty"`
}

// Key identifies a residue slot independently of its residue type.
func (r Residue) Key() ResidueKey {
	return ResidueKey{Chain: r.Chain, Position: r.Position, InsertionCode: r.InsertionCode}
}

type ResidueKey struct {
	Chain         string `json:"chain"`
	Position      int    `json:"position"`
	InsertionCode string `json:"insertion_code,omitempty"`
}

func (k ResidueKey) String() string {
	if k.Chain == "" {
		return fmt.Sprintf("%d%s", k.Position, k.InsertionCode)
	}
	return fmt.Sprintf("%s:%d%s", k.Chain, k.Position, k.InsertionCode)
}

// Mutation is a single residue type edit applied to a parent structure.
type Mutation struct {
	Chain         string `json:"chain"`
	Position      int    `json:"position"`
	InsertionCode string `json:"insertion_code,omitempty"`
	From          string `json:"from"`
	To            string `json:"to"`
}

func (m Mutation) Key() ResidueKey {
	return ResidueKey{Chain: m.Chain, Position: m.Position, InsertionCode: m.InsertionCode}
}

// Label renders the mutation in the usual one-letter notation, e.g. A3G or B:A3G.
func (m Mutation) Label() string {
	label := fmt.Sprintf("%c%d%s%c", OneLetter(m.From), m.Position, m.InsertionCode, OneLetter(m.To))
	if m.Chain == "" {
		return label
	}
	return m.Chain + ":" + label
}

// Structure is an immutable receptor conformation. Mutations holds the edits
// relative to the parent identified by ParentFingerprint; both are empty for the
// original receptor.
type Structure struct {
	ID                string     `json:"id"`
	ParentFingerprint string     `json:"parent_fingerprint,omitempty"`
	Mutations         []Mutation `json:"mutations,omitempty"`
	Residues          []Residue  `json:"residues"`
}

func (s *Structure) IsOriginal() bool {
	return s.ParentFingerprint == "" && len(s.Mutations) == 0
}

// ResidueAt returns the index of the residue at key, or -1.
func (s *Structure) ResidueAt(key ResidueKey) int {
	for i := range s.Residues {
		if s.Residues[i].Key() == key {
			return i
		}
	}
	return -1
}

func (s *Structure) AtomCount() int {
	total := 0
	for _, residue := range s.Residues {
		total += len(residue.Atoms)
	}
	return total
}

type Vec3 [3]float64

type Contact struct {
	Chain    string  `json:"chain"`
	Position int     `json:"position"`
	Residue  string  `json:"residue"`
	Distance float64 `json:"distance"`
}

// Interaction holds docking metadata beyond the energies.
type Interaction struct {
	LigandCenter Vec3      `json:"ligand_center"`
	BoxCenter    Vec3      `json:"box_center"`
	BoxSize      Vec3      `json:"box_size"`
	Contacts     []Contact `json:"contacts,omitempty"`
}

// Score is the docking result for one structure. Affinity is in kcal/mol, lower
// meaning stronger binding; Kd is in mol/L.
type Score struct {
	Scored         bool          `json:"scored"`
	Affinity       float64       `json:"affinity"`
	Kd             float64       `json:"kd"`
	PoseAffinities []float64     `json:"pose_affinities,omitempty"`
	Interaction    Interaction   `json:"interaction"`
	Oracle         string        `json:"oracle,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
}

// Unscored marks a structure the oracle could not score.
func Unscored(reason string) Score {
	return Score{Scored: false, FailureReason: reason}
}

// Better reports whether a ranks strictly ahead of b on score alone.
func Better(a, b Score) bool {
	if a.Scored != b.Scored {
		return a.Scored
	}
	if !a.Scored {
		return false
	}
	return a.Affinity < b.Affinity
}

// Ligand is the fixed docking partner. Atoms are the reference coordinates
// read from the input file; Path is handed to the docking engine as is.
type Ligand struct {
	Path   string `json:"path"`
	Format string `json:"format"`
	Name   string `json:"name,omitempty"`
	Atoms  []Atom `json:"atoms"`
}

func (l Ligand) Centroid() Vec3 {
	var c Vec3
	if len(l.Atoms) == 0 {
		return c
	}
	for _, atom := range l.Atoms {
		c[0] += atom.X
		c[1] += atom.Y
		c[2] += atom.Z
	}
	n := float64(len(l.Atoms))
	return Vec3{c[0] / n, c[1] / n, c[2] / n}
}
