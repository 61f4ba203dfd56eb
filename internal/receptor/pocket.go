package receptor

import (
	"math"
	"sort"

	"flint/internal/model"
)

// Contacts lists residues with any atom within cutoff Å of any ligand atom,
// ordered by chain and position.
func Contacts(s *model.Structure, ligand model.Ligand, cutoff float64) []model.Contact {
	if cutoff <= 0 || len(ligand.Atoms) == 0 {
		return nil
	}
	var out []model.Contact
	for _, residue := range s.Residues {
		if best := nearest(residue, ligand); best <= cutoff {
			out = append(out, model.Contact{
				Chain:    residue.Chain,
				Position: residue.Position,
				Residue:  residue.Name,
				Distance: math.Round(best*1000) / 1000,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Position < out[j].Position
	})
	return out
}

// Pocket returns the residue slots lining the ligand site, insertion codes
// included.
func Pocket(s *model.Structure, ligand model.Ligand, radius float64) []model.ResidueKey {
	if radius <= 0 || len(ligand.Atoms) == 0 {
		return nil
	}
	var keys []model.ResidueKey
	for _, residue := range s.Residues {
		if nearest(residue, ligand) <= radius {
			keys = append(keys, residue.Key())
		}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].Chain != keys[j].Chain {
			return keys[i].Chain < keys[j].Chain
		}
		return keys[i].Position < keys[j].Position
	})
	return keys
}

func nearest(residue model.Residue, ligand model.Ligand) float64 {
	best := math.Inf(1)
	for _, atom := range residue.Atoms {
		for _, lig := range ligand.Atoms {
			if d := distance(atom, lig); d < best {
				best = d
			}
		}
	}
	return best
}

func distance(a, b model.Atom) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
