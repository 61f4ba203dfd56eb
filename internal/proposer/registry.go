package proposer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"flint/internal/model"
)

var (
	ErrProposerExists   = errors.New("proposer already registered")
	ErrProposerNotFound = errors.New("proposer not found")
)

// Options is the union of settings the built-in factories read.
type Options struct {
	Seed         int64
	PerRound     int
	Budget       int
	MaxMutations int
	Pocket       []model.ResidueKey
	Bias         float64
	Args         []string
	Env          []string
	Dir          string
	Timeout      time.Duration
	Logger       *zap.Logger
}

type Factory func(opts Options) (Proposer, error)

var proposerRegistry = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{
	m: make(map[string]Factory),
}

func init() {
	MustRegister("point", func(opts Options) (Proposer, error) {
		return NewPointMutation(PointConfig{
			Seed:         opts.Seed,
			PerRound:     opts.PerRound,
			Budget:       opts.Budget,
			MaxMutations: opts.MaxMutations,
			Pocket:       opts.Pocket,
			Bias:         opts.Bias,
		})
	})
	MustRegister("command", func(opts Options) (Proposer, error) {
		return NewCommand(CommandConfig{
			Args:    opts.Args,
			Env:     opts.Env,
			Dir:     opts.Dir,
			Timeout: opts.Timeout,
			Logger:  opts.Logger,
		})
	})
}

func Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("proposer name is required")
	}
	if factory == nil {
		return errors.New("proposer factory is required")
	}

	proposerRegistry.mu.Lock()
	defer proposerRegistry.mu.Unlock()
	if _, exists := proposerRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrProposerExists, name)
	}
	proposerRegistry.m[name] = factory
	return nil
}

func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// Lookup builds the named proposer wrapped in Guard.
func Lookup(name string, opts Options) (*Guarded, error) {
	proposerRegistry.mu.RLock()
	factory, ok := proposerRegistry.m[name]
	proposerRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProposerNotFound, name)
	}
	p, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("build proposer %s: %w", name, err)
	}
	return Guard(p), nil
}

func List() []string {
	proposerRegistry.mu.RLock()
	defer proposerRegistry.mu.RUnlock()
	names := make([]string, 0, len(proposerRegistry.m))
	for name := range proposerRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
