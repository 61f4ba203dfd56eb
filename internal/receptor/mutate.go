package receptor

import (
	"errors"
	"fmt"

	"flint/internal/model"
)

var (
	ErrNoMutations       = errors.New("no mutations to apply")
	ErrResidueNotFound   = errors.New("residue not found")
	ErrResidueMismatch   = errors.New("residue type does not match mutation origin")
	ErrUnknownResidue    = errors.New("unknown residue type")
	ErrSilentMutation    = errors.New("mutation does not change the residue type")
	ErrLineageIncoherent = errors.New("lineage does not replay on the original receptor")
)

var backboneAtoms = map[string]struct{}{
	"N": {}, "CA": {}, "C": {}, "O": {}, "OXT": {}, "H": {}, "HA": {},
}

// Apply builds the child of parent carrying mutations. The parent is never
// modified; unchanged residues share their atom slices with it.
func Apply(parent *model.Structure, parentFingerprint, childID string, mutations []model.Mutation) (*model.Structure, error) {
	return ApplyWithResidues(parent, parentFingerprint, childID, mutations, nil)
}

// ApplyWithResidues is Apply with explicit atoms for some mutated residues,
// keyed by residue slot. Slots without replacement atoms get the parent's
// backbone plus CB.
func ApplyWithResidues(parent *model.Structure, parentFingerprint, childID string, mutations []model.Mutation, replacements map[model.ResidueKey][]model.Atom) (*model.Structure, error) {
	if parent == nil {
		return nil, fmt.Errorf("parent structure is required")
	}
	if len(mutations) == 0 {
		return nil, ErrNoMutations
	}

	residues := make([]model.Residue, len(parent.Residues))
	copy(residues, parent.Residues)

	applied := make([]model.Mutation, 0, len(mutations))
	for _, mutation := range mutations {
		normalized, err := applyOne(residues, mutation, replacements)
		if err != nil {
			return nil, err
		}
		applied = append(applied, normalized)
	}

	return &model.Structure{
		ID:                childID,
		ParentFingerprint: parentFingerprint,
		Mutations:         applied,
		Residues:          residues,
	}, nil
}

func applyOne(residues []model.Residue, mutation model.Mutation, replacements map[model.ResidueKey][]model.Atom) (model.Mutation, error) {
	to, ok := model.ThreeLetter(mutation.To)
	if !ok {
		return model.Mutation{}, fmt.Errorf("%w: %q", ErrUnknownResidue, mutation.To)
	}
	key := mutation.Key()
	idx := -1
	for i := range residues {
		if residues[i].Key() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.Mutation{}, fmt.Errorf("%w: %s", ErrResidueNotFound, key)
	}

	current := normalizeName(residues[idx].Name)
	if mutation.From != "" && normalizeName(mutation.From) != current {
		return model.Mutation{}, fmt.Errorf("%w at %s: have %s, mutation expects %s", ErrResidueMismatch, key, current, mutation.From)
	}
	if current == to {
		return model.Mutation{}, fmt.Errorf("%w at %s: %s", ErrSilentMutation, key, to)
	}

	residue := residues[idx]
	residue.Name = to
	if atoms, ok := replacements[key]; ok && len(atoms) > 0 {
		residue.Atoms = append([]model.Atom(nil), atoms...)
	} else {
		residue.Atoms = trimSideChain(residue.Atoms, to)
	}
	residues[idx] = residue

	return model.Mutation{
		Chain:         mutation.Chain,
		Position:      mutation.Position,
		InsertionCode: mutation.InsertionCode,
		From:          current,
		To:            to,
	}, nil
}

func trimSideChain(atoms []model.Atom, residueName string) []model.Atom {
	out := make([]model.Atom, 0, 5)
	for _, atom := range atoms {
		if _, ok := backboneAtoms[atom.Name]; ok {
			out = append(out, atom)
			continue
		}
		if atom.Name == "CB" && residueName != "GLY" {
			out = append(out, atom)
		}
	}
	return out
}

// Replay applies lineage to the original receptor one edit at a time.
func Replay(original *model.Structure, lineage []model.Mutation) (*model.Structure, error) {
	current := original
	for i, mutation := range lineage {
		next, err := Apply(current, "", current.ID, []model.Mutation{mutation})
		if err != nil {
			return nil, fmt.Errorf("%w: step %d (%s): %v", ErrLineageIncoherent, i, mutation.Label(), err)
		}
		current = next
	}
	return current, nil
}

// Diff lists the residue type differences of s relative to base, in base's
// residue order. Both structures must share residue slots.
func Diff(base, s *model.Structure) ([]model.Mutation, error) {
	if len(base.Residues) != len(s.Residues) {
		return nil, fmt.Errorf("residue count mismatch: base=%d structure=%d", len(base.Residues), len(s.Residues))
	}
	var out []model.Mutation
	for i := range base.Residues {
		a, b := base.Residues[i], s.Residues[i]
		if a.Key() != b.Key() {
			return nil, fmt.Errorf("residue slot mismatch at index %d: %s != %s", i, a.Key(), b.Key())
		}
		from, to := normalizeName(a.Name), normalizeName(b.Name)
		if from == to {
			continue
		}
		out = append(out, model.Mutation{
			Chain:         a.Chain,
			Position:      a.Position,
			InsertionCode: a.InsertionCode,
			From:          from,
			To:            to,
		})
	}
	return out, nil
}

// Labels renders a lineage as one-letter mutation labels.
func Labels(lineage []model.Mutation) []string {
	out := make([]string, 0, len(lineage))
	for _, mutation := range lineage {
		out = append(out, mutation.Label())
	}
	return out
}

// MutantID derives a stable structure id from a fingerprint.
func MutantID(fingerprint string) string {
	if len(fingerprint) > 12 {
		fingerprint = fingerprint[:12]
	}
	return "mutant-" + fingerprint
}
