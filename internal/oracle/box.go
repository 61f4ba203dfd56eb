package oracle

import (
	"math"

	"flint/internal/model"
)

// Box is a docking search space.
type Box struct {
	Center model.Vec3 `json:"center"`
	Size   model.Vec3 `json:"size"`
}

// LigandBox is the ligand's bounding box grown by padding on every side, with
// each edge at least minSize.
func LigandBox(ligand model.Ligand, padding, minSize float64) Box {
	if len(ligand.Atoms) == 0 {
		return Box{}
	}
	lo := model.Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := model.Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, atom := range ligand.Atoms {
		for i, v := range [3]float64{atom.X, atom.Y, atom.Z} {
			lo[i] = math.Min(lo[i], v)
			hi[i] = math.Max(hi[i], v)
		}
	}
	var box Box
	for i := 0; i < 3; i++ {
		box.Center[i] = (lo[i] + hi[i]) / 2
		box.Size[i] = math.Max(hi[i]-lo[i]+2*padding, minSize)
	}
	return box
}
