package search

import (
	"context"
	"errors"
	"iter"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flint/internal/apperr"
	"flint/internal/model"
	"flint/internal/receptor"
)

// candidate is one dispatched oracle call. Each is written only by its own
// worker and read after the group is done.
type candidate struct {
	structure   *model.Structure
	fingerprint string
	score       model.Score
	err         error
	done        bool
}

// known reports whether fingerprint needs no oracle call.
func (r *run) known(fingerprint string, round map[string]struct{}) bool {
	if _, ok := round[fingerprint]; ok {
		return true
	}
	if _, ok := r.failed[fingerprint]; ok {
		return true
	}
	return r.archive.Contains(fingerprint)
}

// evaluate pulls candidates from seq in emission order and scores the new
// ones on at most Workers concurrent oracle calls. Known candidates are
// counted as duplicates and skipped. Pulling stops
// when the call budget is spent, the context ends, or the oracle reports an
// unrecoverable error.
func (m *Monitor) evaluate(ctx context.Context, r *run, seq iter.Seq2[*model.Structure, error], iteration int, diag *IterationDiagnostics) ([]*candidate, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)

	var (
		batch       []*candidate
		proposerErr error
	)
	seen := make(map[string]struct{})
	for structure, err := range seq {
		if err != nil {
			proposerErr = wrapProposer(err)
			break
		}
		diag.Proposed++
		fingerprint := receptor.Fingerprint(structure)
		if r.known(fingerprint, seen) {
			diag.Duplicates++
			m.log.Debug("duplicate candidate", zap.Int("iteration", iteration), zap.String("fingerprint", fingerprint))
			continue
		}
		if gctx.Err() != nil {
			break
		}
		if m.cfg.MaxOracleCalls > 0 && r.result.OracleCalls >= m.cfg.MaxOracleCalls {
			break
		}
		seen[fingerprint] = struct{}{}

		c := &candidate{structure: structure, fingerprint: fingerprint}
		batch = append(batch, c)
		r.result.OracleCalls++
		diag.Dispatched++
		g.Go(func() error {
			score, err := m.score(gctx, c.structure)
			if err != nil && ctx.Err() != nil && !apperr.IsScoringFailure(err) {
				// Cancelled calls are neither scores nor failures.
				return nil
			}
			c.score, c.err, c.done = score, err, true
			if err != nil && !apperr.IsScoringFailure(err) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && !apperr.IsUnrecoverable(err) {
			return batch, ctx.Err()
		}
		return batch, &stepError{reason: ReasonOracleFailed, err: asUnrecoverable(err)}
	}
	if proposerErr != nil {
		return batch, &stepError{reason: ReasonProposerFailed, err: proposerErr}
	}
	return batch, nil
}

func asUnrecoverable(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Unrecoverable("oracle", "score", err)
}
