package receptor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"flint/internal/model"
)

type SequenceSummary struct {
	TotalResidues int            `json:"total_residues"`
	TotalAtoms    int            `json:"total_atoms"`
	Chains        []string       `json:"chains"`
	Composition   map[string]int `json:"composition"`
}

type StructureSignature struct {
	Fingerprint string          `json:"fingerprint"`
	Summary     SequenceSummary `json:"summary"`
}

// Fingerprint is the canonical key of a structure's residue sequence.
// Coordinates never contribute, so two mutants carrying the same edits hash the
// same no matter which order the edits were applied in.
func Fingerprint(s *model.Structure) string {
	digest := sha256.Sum256([]byte(CanonicalSequence(s)))
	return hex.EncodeToString(digest[:])
}

// CanonicalSequence renders every residue slot and its normalized type in
// structure order.
func CanonicalSequence(s *model.Structure) string {
	parts := make([]string, 0, len(s.Residues))
	for _, residue := range s.Residues {
		parts = append(parts, fmt.Sprintf("%s:%d%s:%s", residue.Chain, residue.Position, residue.InsertionCode, normalizeName(residue.Name)))
	}
	return strings.Join(parts, "|")
}

// OneLetterSequence renders the sequence per chain, e.g. "A:MKTAYIAK".
func OneLetterSequence(s *model.Structure) string {
	var b strings.Builder
	chain := "\x00"
	for _, residue := range s.Residues {
		if residue.Chain != chain {
			if b.Len() > 0 {
				b.WriteByte('/')
			}
			chain = residue.Chain
			if chain != "" {
				b.WriteString(chain)
				b.WriteByte(':')
			}
		}
		b.WriteByte(model.OneLetter(residue.Name))
	}
	return b.String()
}

func ComputeSignature(s *model.Structure) StructureSignature {
	composition := make(map[string]int)
	chainSet := make(map[string]struct{})
	for _, residue := range s.Residues {
		composition[normalizeName(residue.Name)]++
		chainSet[residue.Chain] = struct{}{}
	}
	chains := make([]string, 0, len(chainSet))
	for chain := range chainSet {
		chains = append(chains, chain)
	}
	sort.Strings(chains)

	return StructureSignature{
		Fingerprint: Fingerprint(s),
		Summary: SequenceSummary{
			TotalResidues: len(s.Residues),
			TotalAtoms:    s.AtomCount(),
			Chains:        chains,
			Composition:   composition,
		},
	}
}

func normalizeName(name string) string {
	if three, ok := model.ThreeLetter(name); ok {
		return three
	}
	return strings.ToUpper(strings.TrimSpace(name))
}
