package receptor

import (
	"errors"
	"math/rand"
	"testing"

	"flint/internal/model"
	"flint/internal/testutil"
)

func TestFingerprintDeterministic(t *testing.T) {
	s := testutil.Receptor("MKTAYIAKQR")
	if Fingerprint(s) == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if Fingerprint(s) != Fingerprint(testutil.Receptor("MKTAYIAKQR")) {
		t.Fatal("expected identical sequences to share a fingerprint")
	}
}

func TestFingerprintIgnoresCoordinates(t *testing.T) {
	a := testutil.Receptor("MKTAYIAKQR")
	b := testutil.Receptor("MKTAYIAKQR")
	b.Residues[2].Atoms = nil
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("expected coordinates to be ignored by the fingerprint")
	}
}

func TestFingerprintNormalizesProtonationVariants(t *testing.T) {
	a := testutil.Receptor("MKHAY")
	b := testutil.Receptor("MKHAY")
	b.Residues[2].Name = "HIE"
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("expected HIE and HIS to normalize to one fingerprint")
	}
}

func TestFingerprintOrderIndependent(t *testing.T) {
	original := testutil.Receptor("MKTAYIAKQR")
	origFP := Fingerprint(original)

	first, err := Apply(original, origFP, "x", []model.Mutation{testutil.Point(3, "THR", "GLY")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	ab, err := Apply(first, Fingerprint(first), "ab", []model.Mutation{testutil.Point(7, "ALA", "TRP")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	second, err := Apply(original, origFP, "y", []model.Mutation{testutil.Point(7, "ALA", "TRP")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	ba, err := Apply(second, Fingerprint(second), "ba", []model.Mutation{testutil.Point(3, "THR", "GLY")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if Fingerprint(ab) != Fingerprint(ba) {
		t.Fatalf("expected order-independent fingerprint: %s != %s", Fingerprint(ab), Fingerprint(ba))
	}
}

func TestFingerprintSoundness(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	original := testutil.Receptor("MKTAYIAKQRGSLEDF")
	seen := map[string]string{}
	for i := 0; i < 300; i++ {
		pos := rng.Intn(len(original.Residues)) + 1
		from := original.Residues[pos-1].Name
		to := model.StandardResidues[rng.Intn(len(model.StandardResidues))]
		if to == from {
			continue
		}
		child, err := Apply(original, Fingerprint(original), "c", []model.Mutation{testutil.Point(pos, from, to)})
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		fp := Fingerprint(child)
		seq := CanonicalSequence(child)
		if prev, ok := seen[fp]; ok && prev != seq {
			t.Fatalf("fingerprint %s maps to two sequences:\n%s\n%s", fp, prev, seq)
		}
		seen[fp] = seq
	}
}

func TestApplyDoesNotTouchParent(t *testing.T) {
	original := testutil.Receptor("MKTAY")
	child, err := Apply(original, Fingerprint(original), "c", []model.Mutation{testutil.Point(3, "T", "G")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if original.Residues[2].Name != "THR" {
		t.Fatalf("parent mutated in place: %s", original.Residues[2].Name)
	}
	if child.Residues[2].Name != "GLY" {
		t.Fatalf("unexpected child residue: %s", child.Residues[2].Name)
	}
	for _, atom := range child.Residues[2].Atoms {
		if atom.Name == "CB" || atom.Name == "CG" {
			t.Fatalf("expected glycine side chain to be trimmed, found %s", atom.Name)
		}
	}
	if child.Mutations[0].From != "THR" || child.Mutations[0].To != "GLY" {
		t.Fatalf("expected normalized mutation, got %+v", child.Mutations[0])
	}
}

func TestApplyRejectsInvalidMutations(t *testing.T) {
	original := testutil.Receptor("MKTAY")
	fp := Fingerprint(original)

	cases := []struct {
		name     string
		mutation model.Mutation
		want     error
	}{
		{"wrong origin", testutil.Point(3, "ALA", "GLY"), ErrResidueMismatch},
		{"missing slot", testutil.Point(42, "ALA", "GLY"), ErrResidueNotFound},
		{"unknown target", testutil.Point(3, "THR", "XYZ"), ErrUnknownResidue},
		{"silent", testutil.Point(3, "THR", "T"), ErrSilentMutation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Apply(original, fp, "c", []model.Mutation{tc.mutation})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := Apply(original, fp, "c", nil); !errors.Is(err, ErrNoMutations) {
		t.Fatalf("expected ErrNoMutations, got %v", err)
	}
}

func TestReplayReproducesSequence(t *testing.T) {
	original := testutil.Receptor("MKTAYIAKQR")
	lineage := []model.Mutation{
		testutil.Point(3, "THR", "GLY"),
		testutil.Point(5, "TYR", "PHE"),
		testutil.Point(3, "GLY", "SER"),
	}

	current := original
	for _, m := range lineage {
		next, err := Apply(current, Fingerprint(current), "step", []model.Mutation{m})
		if err != nil {
			t.Fatalf("apply %s: %v", m.Label(), err)
		}
		current = next
	}

	replayed, err := Replay(original, lineage)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if CanonicalSequence(replayed) != CanonicalSequence(current) {
		t.Fatalf("replay mismatch:\n%s\n%s", CanonicalSequence(replayed), CanonicalSequence(current))
	}

	diff, err := Diff(original, replayed)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if got := Labels(diff); len(got) != 2 || got[0] != "A:T3S" || got[1] != "A:Y5F" {
		t.Fatalf("unexpected diff labels: %v", got)
	}
}

func TestReplayRejectsIncoherentLineage(t *testing.T) {
	original := testutil.Receptor("MKTAY")
	_, err := Replay(original, []model.Mutation{testutil.Point(2, "ALA", "GLY")})
	if !errors.Is(err, ErrLineageIncoherent) {
		t.Fatalf("expected ErrLineageIncoherent, got %v", err)
	}
}

func TestOneLetterSequenceAndSignature(t *testing.T) {
	s := testutil.Receptor("MKTG")
	if got := OneLetterSequence(s); got != "A:MKTG" {
		t.Fatalf("unexpected one-letter sequence: %s", got)
	}
	sig := ComputeSignature(s)
	if sig.Summary.TotalResidues != 4 || sig.Summary.Composition["GLY"] != 1 {
		t.Fatalf("unexpected summary: %+v", sig.Summary)
	}
	if len(sig.Summary.Chains) != 1 || sig.Summary.Chains[0] != "A" {
		t.Fatalf("unexpected chains: %v", sig.Summary.Chains)
	}
}

func TestPocketKeepsInsertionCodes(t *testing.T) {
	s := testutil.Receptor("MKTAY")
	s.Residues[0].InsertionCode = "A"
	ligand := model.Ligand{Atoms: []model.Atom{{X: 0, Y: -4, Z: 0}}}

	pocket := Pocket(s, ligand, 3)
	want := model.ResidueKey{Chain: "A", Position: 1, InsertionCode: "A"}
	if len(pocket) != 1 || pocket[0] != want {
		t.Fatalf("unexpected pocket: %v", pocket)
	}
	if s.ResidueAt(pocket[0]) != 0 {
		t.Fatal("expected pocket key to resolve to the first residue")
	}

	contacts := Contacts(s, ligand, 5)
	if len(contacts) != 2 || contacts[0].Distance != 1.664 {
		t.Fatalf("unexpected contacts: %+v", contacts)
	}
	if Pocket(s, ligand, 0) != nil {
		t.Fatal("expected no pocket for a zero radius")
	}
}
