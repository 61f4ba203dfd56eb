// Package testutil builds small receptor fixtures for tests across packages.
package testutil

import (
	"flint/internal/model"
)

// Receptor builds a single-chain receptor (chain "A", positions from 1) from a
// one-letter sequence. Residues sit 3.8 Å apart along x with a backbone, a CB
// where applicable and one side-chain atom.
func Receptor(sequence string) *model.Structure {
	return ChainReceptor("A", sequence)
}

func ChainReceptor(chain, sequence string) *model.Structure {
	residues := make([]model.Residue, 0, len(sequence))
	serial := 1
	for i := 0; i < len(sequence); i++ {
		name, ok := model.ThreeLetter(sequence[i : i+1])
		if !ok {
			name = "UNK"
		}
		x := float64(i) * 3.8
		atoms := []model.Atom{
			{Name: "N", Element: "N", X: x - 1.2, Y: 0.3, Z: 0},
			{Name: "CA", Element: "C", X: x, Y: 0, Z: 0},
			{Name: "C", Element: "C", X: x + 1.3, Y: 0.4, Z: 0},
			{Name: "O", Element: "O", X: x + 1.6, Y: 1.5, Z: 0},
		}
		if name != "GLY" {
			atoms = append(atoms,
				model.Atom{Name: "CB", Element: "C", X: x, Y: -1.5, Z: 0.2},
				model.Atom{Name: "CG", Element: "C", X: x, Y: -2.6, Z: 0.9},
			)
		}
		for j := range atoms {
			atoms[j].Serial = serial
			atoms[j].Occupancy = 1
			serial++
		}
		residues = append(residues, model.Residue{
			Chain:    chain,
			Position: i + 1,
			Name:     name,
			Atoms:    atoms,
		})
	}
	return &model.Structure{ID: model.OriginalID, Residues: residues}
}

// Point is a shorthand mutation on chain A.
func Point(position int, from, to string) model.Mutation {
	return model.Mutation{Chain: "A", Position: position, From: from, To: to}
}
