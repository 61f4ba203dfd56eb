package search

import (
	"fmt"
	"math/rand"

	"flint/internal/archive"
)

// Selector chooses the parents of the next proposal round from ranked
// archive entries (best first).
type Selector interface {
	Name() string
	PickParents(rng *rand.Rand, ranked []archive.Entry, count int) ([]archive.Entry, error)
}

// EliteSelector takes the top count entries.
type EliteSelector struct{}

func (EliteSelector) Name() string {
	return "elite"
}

func (EliteSelector) PickParents(_ *rand.Rand, ranked []archive.Entry, count int) ([]archive.Entry, error) {
	if count <= 0 {
		return nil, fmt.Errorf("invalid parent count: %d", count)
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("no ranked entries")
	}
	if count > len(ranked) {
		count = len(ranked)
	}
	return append([]archive.Entry(nil), ranked[:count]...), nil
}

// TournamentSelector runs one tournament per parent over the top PoolSize
// entries; each tournament samples TournamentSize entries and keeps the best.
// Winners are distinct.
type TournamentSelector struct {
	PoolSize       int
	TournamentSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickParents(rng *rand.Rand, ranked []archive.Entry, count int) ([]archive.Entry, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if count <= 0 {
		return nil, fmt.Errorf("invalid parent count: %d", count)
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("no ranked entries")
	}

	poolSize := s.PoolSize
	if poolSize <= 0 {
		poolSize = count * 2
	}
	if poolSize < count {
		poolSize = count
	}
	if poolSize > len(ranked) {
		poolSize = len(ranked)
	}
	size := s.TournamentSize
	if size <= 0 {
		size = 2
	}
	if count > poolSize {
		count = poolSize
	}

	taken := make(map[int]bool, count)
	picked := make([]archive.Entry, 0, count)
	for len(picked) < count {
		best := -1
		for i := 0; i < size; i++ {
			idx := rng.Intn(poolSize)
			if taken[idx] {
				continue
			}
			// ranked is sorted, so the lower index wins.
			if best < 0 || idx < best {
				best = idx
			}
		}
		if best < 0 {
			for idx := 0; idx < poolSize; idx++ {
				if !taken[idx] {
					best = idx
					break
				}
			}
		}
		taken[best] = true
		picked = append(picked, ranked[best])
	}
	return picked, nil
}

// SelectorByName resolves the selectors the configuration can name.
func SelectorByName(name string) (Selector, error) {
	switch name {
	case "", "elite":
		return EliteSelector{}, nil
	case "tournament":
		return TournamentSelector{}, nil
	default:
		return nil, fmt.Errorf("unknown selector: %s", name)
	}
}
