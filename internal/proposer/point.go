package proposer

import (
	"context"
	"fmt"
	"iter"
	"math/rand"
	"sync"

	"flint/internal/model"
	"flint/internal/receptor"
)

type PointConfig struct {
	Seed int64
	// PerRound is the number of candidates yielded per Propose call.
	PerRound int
	// Budget caps candidates over the proposer's lifetime; 0 is unlimited.
	Budget int
	// MaxMutations is the largest number of point edits in one candidate.
	MaxMutations int
	// Pocket restricts mutable slots; empty means every residue.
	Pocket []model.ResidueKey
	// Bias scales how strongly improving positions are favored.
	Bias float64
}

// PointMutation draws random point edits, weighted toward residue slots whose
// earlier mutations improved affinity.
type PointMutation struct {
	cfg     PointConfig
	mu      sync.Mutex
	rng     *rand.Rand
	emitted int
}

func NewPointMutation(cfg PointConfig) (*PointMutation, error) {
	if cfg.PerRound <= 0 {
		cfg.PerRound = 8
	}
	if cfg.MaxMutations <= 0 {
		cfg.MaxMutations = 1
	}
	if cfg.Budget < 0 {
		return nil, fmt.Errorf("budget must be >= 0")
	}
	if cfg.Bias <= 0 {
		cfg.Bias = 1
	}
	return &PointMutation{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

func (p *PointMutation) Name() string {
	return "point"
}

func (p *PointMutation) Propose(ctx context.Context, req Request) (iter.Seq2[*model.Structure, error], error) {
	if len(req.Parents) == 0 {
		return nil, fmt.Errorf("at least one parent is required")
	}
	sig, err := DecodeSignal(req.Feedback.Signal)
	if err != nil {
		return nil, err
	}
	effects := make(map[model.ResidueKey]PositionEffect, len(sig.Positions))
	for _, e := range sig.Positions {
		effects[e.Key()] = e
	}

	p.mu.Lock()
	exhausted := p.cfg.Budget > 0 && p.emitted >= p.cfg.Budget
	p.mu.Unlock()
	if exhausted {
		return Empty, nil
	}

	return func(yield func(*model.Structure, error) bool) {
		for i := 0; i < p.cfg.PerRound; i++ {
			if ctx.Err() != nil {
				return
			}
			parent := req.Parents[i%len(req.Parents)]
			candidate, ok, err := p.next(parent, effects)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			if !yield(candidate, nil) {
				return
			}
		}
	}, nil
}

// next draws one candidate from parent. ok is false once the budget is spent.
func (p *PointMutation) next(parent Parent, effects map[model.ResidueKey]PositionEffect) (*model.Structure, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.Budget > 0 && p.emitted >= p.cfg.Budget {
		return nil, false, nil
	}
	slots := p.slots(parent.Structure)
	if len(slots) == 0 {
		return nil, false, fmt.Errorf("parent %s has no mutable residues", parent.Structure.ID)
	}
	weights := make([]float64, len(slots))
	for i, idx := range slots {
		weights[i] = p.weight(effects[parent.Structure.Residues[idx].Key()])
	}

	count := 1 + p.rng.Intn(min(p.cfg.MaxMutations, len(slots)))
	mutations := make([]model.Mutation, 0, count)
	for _, idx := range p.sample(slots, weights, count) {
		residue := parent.Structure.Residues[idx]
		mutations = append(mutations, model.Mutation{
			Chain:         residue.Chain,
			Position:      residue.Position,
			InsertionCode: residue.InsertionCode,
			From:          residue.Name,
			To:            p.substitute(residue.Name),
		})
	}

	child, err := receptor.Apply(parent.Structure, parent.Fingerprint, "", mutations)
	if err != nil {
		return nil, false, fmt.Errorf("apply %v to %s: %w", receptor.Labels(mutations), parent.Structure.ID, err)
	}
	child.ID = receptor.MutantID(receptor.Fingerprint(child))
	p.emitted++
	return child, true, nil
}

// slots lists indexes of standard residues open to mutation.
func (p *PointMutation) slots(s *model.Structure) []int {
	var out []int
	if len(p.cfg.Pocket) == 0 {
		for i, residue := range s.Residues {
			if model.IsStandardResidue(residue.Name) {
				out = append(out, i)
			}
		}
		return out
	}
	for _, key := range p.cfg.Pocket {
		if i := s.ResidueAt(key); i >= 0 && model.IsStandardResidue(s.Residues[i].Name) {
			out = append(out, i)
		}
	}
	return out
}

func (p *PointMutation) weight(effect PositionEffect) float64 {
	if effect.Count == 0 {
		return 1
	}
	if effect.MeanDelta < 0 {
		return 1 + p.cfg.Bias*min(-effect.MeanDelta, 5)
	}
	return 1 / (1 + p.cfg.Bias*effect.MeanDelta)
}

// sample draws count distinct slots with probability proportional to weight.
func (p *PointMutation) sample(slots []int, weights []float64, count int) []int {
	slots = append([]int(nil), slots...)
	weights = append([]float64(nil), weights...)
	picked := make([]int, 0, count)
	for len(picked) < count && len(slots) > 0 {
		total := 0.0
		for _, w := range weights {
			total += w
		}
		r := p.rng.Float64() * total
		chosen := len(slots) - 1
		for i, w := range weights {
			if r < w {
				chosen = i
				break
			}
			r -= w
		}
		picked = append(picked, slots[chosen])
		slots = append(slots[:chosen], slots[chosen+1:]...)
		weights = append(weights[:chosen], weights[chosen+1:]...)
	}
	return picked
}

func (p *PointMutation) substitute(current string) string {
	current, _ = model.ThreeLetter(current)
	for {
		to := model.StandardResidues[p.rng.Intn(len(model.StandardResidues))]
		if to != current {
			return to
		}
	}
}
