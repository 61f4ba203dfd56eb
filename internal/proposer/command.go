package proposer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"flint/internal/apperr"
	"flint/internal/model"
	"flint/internal/receptor"
)

type CommandConfig struct {
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Command runs an external generative model once per round. The request is
// written to the process's stdin as one JSON document; candidates are read
// from stdout as JSON lines:
//
//	{"parent": "<fingerprint>", "mutations": [...], "residues": [...]}
//
// residues, when present, supply the atoms of the mutated residues.
type Command struct {
	cfg CommandConfig
	log *zap.Logger
}

type commandRequest struct {
	Round    int             `json:"round"`
	Parents  []commandParent `json:"parents"`
	Feedback Feedback        `json:"feedback"`
}

type commandParent struct {
	Fingerprint string             `json:"fingerprint"`
	ID          string             `json:"id"`
	Sequence    string             `json:"sequence"`
	Residues    []model.ResidueKey `json:"residues"`
	Names       []string           `json:"names"`
	Score       model.Score        `json:"score"`
}

type commandCandidate struct {
	Parent    string           `json:"parent"`
	Mutations []model.Mutation `json:"mutations"`
	Residues  []model.Residue  `json:"residues,omitempty"`
}

func NewCommand(cfg CommandConfig) (*Command, error) {
	if len(cfg.Args) == 0 {
		return nil, apperr.Input("proposer", "command proposer needs a program", nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{cfg: cfg, log: logger.With(zap.String("proposer", filepath.Base(cfg.Args[0])))}, nil
}

func (c *Command) Name() string {
	return "command:" + filepath.Base(c.cfg.Args[0])
}

func (c *Command) Propose(ctx context.Context, req Request) (iter.Seq2[*model.Structure, error], error) {
	payload, err := json.Marshal(encodeRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode proposer request: %w", err)
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	}
	cmd := exec.CommandContext(runCtx, c.cfg.Args[0], c.cfg.Args[1:]...)
	cmd.Dir = c.cfg.Dir
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, apperr.Unrecoverable("proposer", "open model output", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, apperr.Unrecoverable("proposer", fmt.Sprintf("start %s", c.cfg.Args[0]), err)
	}

	parents := make(map[string]Parent, len(req.Parents))
	for _, p := range req.Parents {
		parents[p.Fingerprint] = p
	}

	return func(yield func(*model.Structure, error) bool) {
		defer cancel()
		stopped := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			raw := bytes.TrimSpace(scanner.Bytes())
			if len(raw) == 0 {
				continue
			}
			var cand commandCandidate
			if err := json.Unmarshal(raw, &cand); err != nil {
				c.abort(cmd, stdout)
				yield(nil, apperr.Unrecoverable("proposer", fmt.Sprintf("malformed candidate on line %d", line), err))
				return
			}
			child, err := c.build(cand, parents)
			if err != nil {
				c.log.Warn("invalid candidate skipped", zap.Int("line", line), zap.Error(err))
				continue
			}
			if !yield(child, nil) {
				stopped = true
				break
			}
		}
		if stopped {
			c.abort(cmd, stdout)
			return
		}
		if err := scanner.Err(); err != nil {
			c.abort(cmd, stdout)
			yield(nil, apperr.Unrecoverable("proposer", "read model output", err))
			return
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			yield(nil, apperr.Unrecoverable("proposer", fmt.Sprintf("model exited: %s", bytes.TrimSpace(stderr.Bytes())), err))
		}
	}, nil
}

func (c *Command) build(cand commandCandidate, parents map[string]Parent) (*model.Structure, error) {
	parent, ok := parents[cand.Parent]
	if !ok {
		return nil, fmt.Errorf("unknown parent %q", cand.Parent)
	}
	var replacements map[model.ResidueKey][]model.Atom
	if len(cand.Residues) > 0 {
		replacements = make(map[model.ResidueKey][]model.Atom, len(cand.Residues))
		for _, r := range cand.Residues {
			replacements[r.Key()] = r.Atoms
		}
	}
	child, err := receptor.ApplyWithResidues(parent.Structure, parent.Fingerprint, "", cand.Mutations, replacements)
	if err != nil {
		return nil, err
	}
	child.ID = receptor.MutantID(receptor.Fingerprint(child))
	return child, nil
}

// abort kills the process and reaps it so an early stop leaves nothing behind.
func (c *Command) abort(cmd *exec.Cmd, stdout io.ReadCloser) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_, _ = io.Copy(io.Discard, stdout)
	_ = cmd.Wait()
}

func encodeRequest(req Request) commandRequest {
	out := commandRequest{Round: req.Round, Feedback: req.Feedback}
	for _, p := range req.Parents {
		cp := commandParent{
			Fingerprint: p.Fingerprint,
			ID:          p.Structure.ID,
			Sequence:    receptor.OneLetterSequence(p.Structure),
			Score:       p.Score,
		}
		for _, r := range p.Structure.Residues {
			cp.Residues = append(cp.Residues, r.Key())
			cp.Names = append(cp.Names, r.Name)
		}
		out.Parents = append(out.Parents, cp)
	}
	return out
}
