package proposer

import (
	"context"
	"iter"
	"sync/atomic"

	"flint/internal/model"
	"flint/internal/receptor"
)

// Guarded drops candidates that would corrupt the archive: those naming a
// parent outside the request and those identical in sequence to their parent.
type Guarded struct {
	inner   Proposer
	dropped atomic.Int64
}

func Guard(p Proposer) *Guarded {
	return &Guarded{inner: p}
}

func (g *Guarded) Name() string {
	return g.inner.Name()
}

// Dropped counts candidates filtered so far.
func (g *Guarded) Dropped() int64 {
	return g.dropped.Load()
}

func (g *Guarded) Propose(ctx context.Context, req Request) (iter.Seq2[*model.Structure, error], error) {
	seq, err := g.inner.Propose(ctx, req)
	if err != nil {
		return nil, err
	}
	parents := make(map[string]struct{}, len(req.Parents))
	for _, p := range req.Parents {
		parents[p.Fingerprint] = struct{}{}
	}
	return func(yield func(*model.Structure, error) bool) {
		for candidate, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			if !g.admissible(candidate, parents) {
				g.dropped.Add(1)
				continue
			}
			if !yield(candidate, nil) {
				return
			}
		}
	}, nil
}

func (g *Guarded) admissible(candidate *model.Structure, parents map[string]struct{}) bool {
	if candidate == nil || len(candidate.Mutations) == 0 {
		return false
	}
	if _, ok := parents[candidate.ParentFingerprint]; !ok {
		return false
	}
	return receptor.Fingerprint(candidate) != candidate.ParentFingerprint
}
