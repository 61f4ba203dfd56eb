// Package proposer produces candidate mutant structures for the search loop.
package proposer

import (
	"context"
	"encoding/json"
	"iter"

	"flint/internal/model"
)

// Parent is a structure candidates may be derived from.
type Parent struct {
	Structure   *model.Structure
	Fingerprint string
	Score       model.Score
}

// Observation is one scored structure as the loop saw it.
type Observation struct {
	Fingerprint       string           `json:"fingerprint"`
	ParentFingerprint string           `json:"parent_fingerprint,omitempty"`
	Mutations         []model.Mutation `json:"mutations,omitempty"`
	Scored            bool             `json:"scored"`
	Affinity          float64          `json:"affinity"`
	ParentAffinity    *float64         `json:"parent_affinity,omitempty"`
	Iteration         int              `json:"iteration"`
}

// Feedback carries everything observed so far. History is never empty: it
// starts with the original receptor. Signal is an opaque encoding built by
// the loop; see Signal for the layout.
type Feedback struct {
	History []Observation   `json:"history"`
	Signal  json.RawMessage `json:"signal,omitempty"`
}

type Request struct {
	Parents  []Parent
	Feedback Feedback
	Round    int
}

// Proposer yields candidate structures lazily. Each candidate names one of
// the request parents through ParentFingerprint and carries at least one
// mutation relative to it. A sequence that yields nothing means the proposer
// is exhausted. Errors returned by Propose or yielded by the sequence are
// proposer failures.
type Proposer interface {
	Name() string
	Propose(ctx context.Context, req Request) (iter.Seq2[*model.Structure, error], error)
}

// Empty is the sequence of an exhausted proposer.
func Empty(yield func(*model.Structure, error) bool) {}
