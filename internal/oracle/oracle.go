// Package oracle adapts docking engines to a single scoring call per
// structure.
package oracle

import (
	"context"
	"io"
	"math"

	"flint/internal/model"
)

const (
	// GasConstant in kcal/(mol K).
	GasConstant = 1.987204e-3
	// Temperature in K used for Kd derivation.
	Temperature = 298.15
)

// Oracle scores a receptor structure against a ligand fixed at construction.
// A structure that cannot be scored yields an apperr ScoringFailure; errors of
// kind Unrecoverable mean the oracle itself is unusable.
type Oracle interface {
	Name() string
	Score(ctx context.Context, s *model.Structure) (model.Score, error)
}

// Close releases o if it implements io.Closer.
func Close(o Oracle) error {
	closer, ok := o.(io.Closer)
	if !ok {
		return nil
	}
	return closer.Close()
}

// Func adapts a plain function to Oracle.
type Func struct {
	OracleName string
	Fn         func(ctx context.Context, s *model.Structure) (model.Score, error)
}

func (f Func) Name() string {
	if f.OracleName == "" {
		return "func"
	}
	return f.OracleName
}

func (f Func) Score(ctx context.Context, s *model.Structure) (model.Score, error) {
	if err := ctx.Err(); err != nil {
		return model.Score{}, err
	}
	score, err := f.Fn(ctx, s)
	if err != nil {
		return model.Score{}, err
	}
	if score.Oracle == "" {
		score.Oracle = f.Name()
	}
	return score, nil
}

// Kd converts a binding free energy in kcal/mol to a dissociation constant.
func Kd(deltaG float64) float64 {
	return math.Exp(deltaG / (GasConstant * Temperature))
}

// Aggregate builds a score from per-pose energies: affinity is the mean energy
// and Kd the mean per-pose Kd.
func Aggregate(energies []float64) model.Score {
	var sumG, sumKd float64
	for _, e := range energies {
		sumG += e
		sumKd += Kd(e)
	}
	n := float64(len(energies))
	return model.Score{
		Scored:         true,
		Affinity:       sumG / n,
		Kd:             sumKd / n,
		PoseAffinities: append([]float64(nil), energies...),
	}
}
