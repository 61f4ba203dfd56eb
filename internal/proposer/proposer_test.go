package proposer

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flint/internal/apperr"
	"flint/internal/model"
	"flint/internal/receptor"
	"flint/internal/testutil"
)

func originalParent(sequence string) Parent {
	s := testutil.Receptor(sequence)
	return Parent{Structure: s, Fingerprint: receptor.Fingerprint(s), Score: model.Score{Scored: true, Affinity: -5}}
}

func collect(t *testing.T, seq iter.Seq2[*model.Structure, error]) []*model.Structure {
	t.Helper()
	var out []*model.Structure
	for s, err := range seq {
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func baseRequest(parent Parent) Request {
	return Request{
		Parents: []Parent{parent},
		Feedback: Feedback{History: []Observation{{
			Fingerprint: parent.Fingerprint,
			Scored:      true,
			Affinity:    parent.Score.Affinity,
		}}},
		Round: 1,
	}
}

func TestPointMutationYieldsValidCandidates(t *testing.T) {
	parent := originalParent("MKTAYIAKQR")
	p, err := NewPointMutation(PointConfig{Seed: 11, PerRound: 12, MaxMutations: 3})
	require.NoError(t, err)

	seq, err := p.Propose(context.Background(), baseRequest(parent))
	require.NoError(t, err)
	candidates := collect(t, seq)
	require.Len(t, candidates, 12)

	for _, c := range candidates {
		assert.Equal(t, parent.Fingerprint, c.ParentFingerprint)
		assert.NotEmpty(t, c.Mutations)
		assert.LessOrEqual(t, len(c.Mutations), 3)
		assert.Equal(t, receptor.MutantID(receptor.Fingerprint(c)), c.ID)
		replayed, err := receptor.Replay(parent.Structure, c.Mutations)
		require.NoError(t, err)
		assert.Equal(t, receptor.Fingerprint(c), receptor.Fingerprint(replayed))
	}
}

func TestPointMutationDeterministicForSeed(t *testing.T) {
	parent := originalParent("MKTAYIAKQR")
	run := func() []string {
		p, err := NewPointMutation(PointConfig{Seed: 3, PerRound: 6})
		require.NoError(t, err)
		seq, err := p.Propose(context.Background(), baseRequest(parent))
		require.NoError(t, err)
		var labels []string
		for _, c := range collect(t, seq) {
			labels = append(labels, receptor.Labels(c.Mutations)...)
		}
		return labels
	}
	assert.Equal(t, run(), run())
}

func TestPointMutationBudgetExhausts(t *testing.T) {
	parent := originalParent("MKTAYIAKQR")
	p, err := NewPointMutation(PointConfig{Seed: 1, PerRound: 4, Budget: 6})
	require.NoError(t, err)

	var sizes []int
	for round := 1; round <= 3; round++ {
		req := baseRequest(parent)
		req.Round = round
		seq, err := p.Propose(context.Background(), req)
		require.NoError(t, err)
		sizes = append(sizes, len(collect(t, seq)))
	}
	assert.Equal(t, []int{4, 2, 0}, sizes)
}

func TestPointMutationRespectsPocket(t *testing.T) {
	parent := originalParent("MKTAYIAKQR")
	pocket := []model.ResidueKey{{Chain: "A", Position: 2}, {Chain: "A", Position: 7}}
	p, err := NewPointMutation(PointConfig{Seed: 5, PerRound: 30, MaxMutations: 2, Pocket: pocket})
	require.NoError(t, err)

	seq, err := p.Propose(context.Background(), baseRequest(parent))
	require.NoError(t, err)
	for _, c := range collect(t, seq) {
		for _, m := range c.Mutations {
			assert.Contains(t, []int{2, 7}, m.Position)
		}
	}
}

func TestPointMutationFollowsFeedback(t *testing.T) {
	parent := originalParent("MKTAYIAKQR")
	parentAffinity := -5.0
	history := []Observation{
		{Fingerprint: parent.Fingerprint, Scored: true, Affinity: -5},
		{Fingerprint: "child", ParentFingerprint: parent.Fingerprint, Scored: true, Affinity: -10, ParentAffinity: &parentAffinity,
			Mutations: []model.Mutation{testutil.Point(3, "THR", "GLY")}},
	}
	signal, err := BuildSignal(2, history).Encode()
	require.NoError(t, err)

	p, err := NewPointMutation(PointConfig{Seed: 9, PerRound: 400, Bias: 2})
	require.NoError(t, err)
	req := baseRequest(parent)
	req.Feedback = Feedback{History: history, Signal: signal}
	seq, err := p.Propose(context.Background(), req)
	require.NoError(t, err)

	hits := 0
	for _, c := range collect(t, seq) {
		if c.Mutations[0].Position == 3 {
			hits++
		}
	}
	// Uniform choice would put about 40 of 400 draws at position 3.
	assert.Greater(t, hits, 120)
}

func TestBuildSignal(t *testing.T) {
	minusFive, minusSix := -5.0, -6.0
	sig := BuildSignal(3, []Observation{
		{Fingerprint: "o", Scored: true, Affinity: -5},
		{Fingerprint: "u", Affinity: -50},
		{Fingerprint: "a", Scored: true, Affinity: -6, ParentAffinity: &minusFive, Mutations: []model.Mutation{testutil.Point(3, "THR", "GLY")}},
		{Fingerprint: "b", Scored: true, Affinity: -4, ParentAffinity: &minusSix, Mutations: []model.Mutation{testutil.Point(3, "GLY", "SER"), testutil.Point(5, "TYR", "PHE")}},
	})
	require.NotNil(t, sig.BestAffinity)
	assert.Equal(t, -6.0, *sig.BestAffinity)
	assert.Equal(t, "a", sig.BestFingerprint)
	require.Len(t, sig.Positions, 2)
	assert.Equal(t, 3, sig.Positions[0].Position)
	assert.InDelta(t, 0.5, sig.Positions[0].MeanDelta, 1e-9)
	assert.Equal(t, 2, sig.Positions[0].Count)

	raw, err := sig.Encode()
	require.NoError(t, err)
	decoded, err := DecodeSignal(raw)
	require.NoError(t, err)
	assert.Equal(t, sig, decoded)

	_, err = DecodeSignal(json.RawMessage(`{"round":`))
	assert.Error(t, err)
}

type fixedProposer struct {
	candidates []*model.Structure
}

func (fixedProposer) Name() string { return "fixed" }

func (f fixedProposer) Propose(context.Context, Request) (iter.Seq2[*model.Structure, error], error) {
	return func(yield func(*model.Structure, error) bool) {
		for _, c := range f.candidates {
			if !yield(c, nil) {
				return
			}
		}
	}, nil
}

func TestGuardDropsNoOpsAndStrangers(t *testing.T) {
	parent := originalParent("MKTAYIAKQR")
	good, err := receptor.Apply(parent.Structure, parent.Fingerprint, "good", []model.Mutation{testutil.Point(3, "THR", "GLY")})
	require.NoError(t, err)

	noop := *parent.Structure
	noop.ID = "noop"
	noop.ParentFingerprint = parent.Fingerprint
	noop.Mutations = []model.Mutation{testutil.Point(3, "THR", "THR")}

	stranger, err := receptor.Apply(parent.Structure, "someone-else", "stranger", []model.Mutation{testutil.Point(4, "ALA", "GLY")})
	require.NoError(t, err)

	g := Guard(fixedProposer{candidates: []*model.Structure{&noop, stranger, nil, good}})
	seq, err := g.Propose(context.Background(), baseRequest(parent))
	require.NoError(t, err)
	out := collect(t, seq)
	require.Len(t, out, 1)
	assert.Equal(t, "good", out[0].ID)
	assert.Equal(t, int64(3), g.Dropped())
	assert.Equal(t, "fixed", g.Name())
}

func modelScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestCommandProposerReadsCandidates(t *testing.T) {
	parent := originalParent("MKTAYIAKQR")
	reqFile := filepath.Join(t.TempDir(), "request.json")
	script := modelScript(t, fmt.Sprintf(`cat > %s
echo '{"parent":"%s","mutations":[{"chain":"A","position":3,"from":"THR","to":"GLY"}]}'
echo ''
echo '{"parent":"%s","mutations":[{"chain":"A","position":3,"from":"ALA","to":"GLY"}]}'
echo '{"parent":"%s","mutations":[{"chain":"A","position":5,"from":"TYR","to":"PHE"}],"residues":[{"chain":"A","position":5,"name":"PHE","atoms":[{"serial":1,"name":"CA","element":"C","x":1,"y":2,"z":3}]}]}'
`, reqFile, parent.Fingerprint, parent.Fingerprint, parent.Fingerprint))

	c, err := NewCommand(CommandConfig{Args: []string{script}})
	require.NoError(t, err)
	seq, err := c.Propose(context.Background(), baseRequest(parent))
	require.NoError(t, err)
	out := collect(t, seq)

	require.Len(t, out, 2, "mismatched candidate must be skipped")
	assert.Equal(t, "GLY", out[0].Residues[2].Name)
	assert.Equal(t, "PHE", out[1].Residues[4].Name)
	require.Len(t, out[1].Residues[4].Atoms, 1)
	assert.Equal(t, 2.0, out[1].Residues[4].Atoms[0].Y)

	raw, err := os.ReadFile(reqFile)
	require.NoError(t, err)
	var req commandRequest
	require.NoError(t, json.Unmarshal(raw, &req))
	require.Len(t, req.Parents, 1)
	assert.Equal(t, "A:MKTAYIAKQR", req.Parents[0].Sequence)
	assert.Len(t, req.Feedback.History, 1)
}

func TestCommandProposerFailures(t *testing.T) {
	parent := originalParent("MKTAY")

	_, err := NewCommand(CommandConfig{})
	assert.True(t, apperr.IsInput(err))

	missing, err := NewCommand(CommandConfig{Args: []string{filepath.Join(t.TempDir(), "nope")}})
	require.NoError(t, err)
	_, err = missing.Propose(context.Background(), baseRequest(parent))
	assert.True(t, apperr.IsUnrecoverable(err))

	crash, err := NewCommand(CommandConfig{Args: []string{modelScript(t, "cat >/dev/null\necho 'out of memory' >&2\nexit 4\n")}})
	require.NoError(t, err)
	seq, err := crash.Propose(context.Background(), baseRequest(parent))
	require.NoError(t, err)
	var yielded error
	for _, err := range seq {
		yielded = err
	}
	assert.True(t, apperr.IsUnrecoverable(yielded))
	assert.Contains(t, yielded.Error(), "out of memory")

	garbage, err := NewCommand(CommandConfig{Args: []string{modelScript(t, "cat >/dev/null\necho 'not json'\n")}})
	require.NoError(t, err)
	seq, err = garbage.Propose(context.Background(), baseRequest(parent))
	require.NoError(t, err)
	for _, err := range seq {
		yielded = err
	}
	assert.True(t, apperr.IsUnrecoverable(yielded))
}

func TestRegistry(t *testing.T) {
	assert.Subset(t, List(), []string{"command", "point"})

	p, err := Lookup("point", Options{Seed: 1, PerRound: 2})
	require.NoError(t, err)
	assert.Equal(t, "point", p.Name())

	_, err = Lookup("diffusion", Options{})
	assert.ErrorIs(t, err, ErrProposerNotFound)

	assert.ErrorIs(t, Register("point", func(Options) (Proposer, error) { return nil, nil }), ErrProposerExists)
	assert.Error(t, Register("", nil))
}
