package proposer

import (
	"encoding/json"
	"fmt"
	"sort"

	"flint/internal/model"
)

// Signal summarizes feedback for proposers that want more than raw history.
type Signal struct {
	Round           int              `json:"round"`
	BestFingerprint string           `json:"best_fingerprint,omitempty"`
	BestAffinity    *float64         `json:"best_affinity,omitempty"`
	Positions       []PositionEffect `json:"positions,omitempty"`
}

// PositionEffect is the mean affinity change (child minus parent) over every
// observed mutation touching a residue slot. Negative means improvement.
type PositionEffect struct {
	Chain         string  `json:"chain"`
	Position      int     `json:"position"`
	InsertionCode string  `json:"insertion_code,omitempty"`
	MeanDelta     float64 `json:"mean_delta"`
	Count         int     `json:"count"`
}

func (e PositionEffect) Key() model.ResidueKey {
	return model.ResidueKey{Chain: e.Chain, Position: e.Position, InsertionCode: e.InsertionCode}
}

// BuildSignal derives the signal from history.
func BuildSignal(round int, history []Observation) Signal {
	sig := Signal{Round: round}
	type acc struct {
		sum   float64
		count int
	}
	effects := map[model.ResidueKey]*acc{}
	for _, obs := range history {
		if !obs.Scored {
			continue
		}
		if sig.BestAffinity == nil || obs.Affinity < *sig.BestAffinity {
			best := obs.Affinity
			sig.BestAffinity = &best
			sig.BestFingerprint = obs.Fingerprint
		}
		if obs.ParentAffinity == nil {
			continue
		}
		delta := obs.Affinity - *obs.ParentAffinity
		for _, m := range obs.Mutations {
			key := model.ResidueKey{Chain: m.Chain, Position: m.Position, InsertionCode: m.InsertionCode}
			a, ok := effects[key]
			if !ok {
				a = &acc{}
				effects[key] = a
			}
			a.sum += delta
			a.count++
		}
	}
	for key, a := range effects {
		sig.Positions = append(sig.Positions, PositionEffect{
			Chain:         key.Chain,
			Position:      key.Position,
			InsertionCode: key.InsertionCode,
			MeanDelta:     a.sum / float64(a.count),
			Count:         a.count,
		})
	}
	sort.Slice(sig.Positions, func(i, j int) bool {
		if sig.Positions[i].Chain != sig.Positions[j].Chain {
			return sig.Positions[i].Chain < sig.Positions[j].Chain
		}
		if sig.Positions[i].Position != sig.Positions[j].Position {
			return sig.Positions[i].Position < sig.Positions[j].Position
		}
		return sig.Positions[i].InsertionCode < sig.Positions[j].InsertionCode
	})
	return sig
}

func (s Signal) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	return raw, nil
}

// DecodeSignal parses a signal; an empty payload yields the zero signal.
func DecodeSignal(raw json.RawMessage) (Signal, error) {
	var sig Signal
	if len(raw) == 0 {
		return sig, nil
	}
	if err := json.Unmarshal(raw, &sig); err != nil {
		return Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	return sig, nil
}
