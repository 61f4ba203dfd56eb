package oracle

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"flint/internal/apperr"
	"flint/internal/model"
	"flint/internal/receptor"
)

type cached struct {
	score model.Score
	err   error
}

// Caching remembers the outcome per fingerprint, failures included, and
// collapses concurrent requests for one fingerprint into one inner call.
// Cancellations and unrecoverable errors are not remembered.
type Caching struct {
	inner Oracle
	group singleflight.Group
	mu    sync.RWMutex
	seen  map[string]cached
	calls atomic.Int64
}

func NewCaching(inner Oracle) *Caching {
	return &Caching{inner: inner, seen: make(map[string]cached)}
}

func (c *Caching) Name() string {
	return c.inner.Name()
}

// Calls is the number of times the inner oracle was invoked.
func (c *Caching) Calls() int64 {
	return c.calls.Load()
}

func (c *Caching) Score(ctx context.Context, s *model.Structure) (model.Score, error) {
	fingerprint := receptor.Fingerprint(s)
	if hit, ok := c.lookup(fingerprint); ok {
		return hit.score, hit.err
	}

	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		if hit, ok := c.lookup(fingerprint); ok {
			return hit.score, hit.err
		}
		c.calls.Add(1)
		score, err := c.inner.Score(ctx, s)
		if err == nil || apperr.IsScoringFailure(err) {
			c.mu.Lock()
			c.seen[fingerprint] = cached{score: score, err: err}
			c.mu.Unlock()
		}
		return score, err
	})
	score, _ := v.(model.Score)
	return score, err
}

// Close closes the inner oracle when it holds resources.
func (c *Caching) Close() error {
	return Close(c.inner)
}

func (c *Caching) lookup(fingerprint string) (cached, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hit, ok := c.seen[fingerprint]
	return hit, ok
}
