// Package search runs the propose, score, archive loop until a stopping rule
// fires.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"flint/internal/apperr"
	"flint/internal/archive"
	"flint/internal/model"
	"flint/internal/oracle"
	"flint/internal/proposer"
	"flint/internal/receptor"
)

// DefaultMaxIterations applies when a config sets no iteration, call or time
// budget and no patience. A target alone cannot end a run whose rounds turn
// duplicate-only.
const DefaultMaxIterations = 10

type Config struct {
	Oracle   oracle.Oracle
	Proposer proposer.Proposer
	Archive  archive.Options

	MaxIterations  int
	Patience       int
	MinImprovement float64
	TargetAffinity *float64
	MaxOracleCalls int
	Timeout        time.Duration

	Workers     int
	ParentCount int
	Selector    Selector
	Logger      *zap.Logger
	Metrics     Recorder
	Seed        int64
}

// Recorder receives loop events for metrics export.
type Recorder interface {
	ObserveOracleCall(outcome string, elapsed time.Duration)
	ObserveIteration(diag IterationDiagnostics)
	ObserveOutcome(outcome State, reason string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOracleCall(string, time.Duration) {}
func (nopRecorder) ObserveIteration(IterationDiagnostics)   {}
func (nopRecorder) ObserveOutcome(State, string)            {}

type IterationDiagnostics struct {
	Iteration    int      `json:"iteration"`
	Parents      int      `json:"parents"`
	Proposed     int      `json:"proposed"`
	Dropped      int      `json:"dropped"`
	Duplicates   int      `json:"duplicates"`
	Dispatched   int      `json:"dispatched"`
	Scored       int      `json:"scored"`
	Failures     int      `json:"failures"`
	Inserted     int      `json:"inserted"`
	Best         *float64 `json:"best,omitempty"`
	MeanAffinity float64  `json:"mean_affinity"`
	ArchiveSize  int      `json:"archive_size"`
	Improved     bool     `json:"improved"`
}

// FailureRecord is a candidate the oracle could not score.
type FailureRecord struct {
	Iteration   int      `json:"iteration"`
	Fingerprint string   `json:"fingerprint"`
	ID          string   `json:"id"`
	Mutations   []string `json:"mutations,omitempty"`
	Reason      string   `json:"reason"`
}

type Result struct {
	State       State
	Outcome     State
	Reason      string
	Iterations  int
	OracleCalls int
	Failures    []FailureRecord
	// BestByIteration holds the best affinity after each iteration, once any
	// structure has been scored.
	BestByIteration []float64
	Diagnostics     []IterationDiagnostics
	Transitions     []State
	Interrupted     bool
	Archive         *archive.Archive
}

type Monitor struct {
	cfg   Config
	guard *proposer.Guarded
	rng   *rand.Rand
	log   *zap.Logger
}

func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("oracle is required")
	}
	if cfg.Proposer == nil {
		return nil, fmt.Errorf("proposer is required")
	}
	if cfg.MaxIterations < 0 || cfg.Patience < 0 || cfg.MaxOracleCalls < 0 || cfg.Timeout < 0 {
		return nil, fmt.Errorf("budgets must be >= 0")
	}
	if cfg.MinImprovement < 0 {
		return nil, fmt.Errorf("min improvement must be >= 0")
	}
	if cfg.MaxIterations == 0 && cfg.MaxOracleCalls == 0 && cfg.Timeout == 0 && cfg.Patience == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ParentCount <= 0 {
		cfg.ParentCount = 1
	}
	if cfg.Selector == nil {
		cfg.Selector = EliteSelector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	guard, ok := cfg.Proposer.(*proposer.Guarded)
	if !ok {
		guard = proposer.Guard(cfg.Proposer)
		cfg.Proposer = guard
	}
	if _, err := archive.New(cfg.Archive); err != nil {
		return nil, err
	}

	return &Monitor{
		cfg:   cfg,
		guard: guard,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		log: cfg.Logger.With(zap.String("oracle", cfg.Oracle.Name()), zap.String("proposer", cfg.Proposer.Name())),
	}, nil
}

// run is the state of one Run call.
type run struct {
	result  Result
	archive *archive.Archive
	history []proposer.Observation
	best    *float64
	stale   int

	// failed holds fingerprints the oracle could not score; they are never
	// sent again.
	failed map[string]struct{}
}

// Run searches from original until a stopping rule fires. The returned Result
// always reaches DONE and carries the archive, frozen. A non-nil error
// accompanies a FAILED outcome or rejected input.
func (m *Monitor) Run(ctx context.Context, original *model.Structure) (Result, error) {
	if original == nil || len(original.Residues) == 0 {
		return Result{}, apperr.Input("search", "original receptor has no residues", nil)
	}
	if !original.IsOriginal() {
		return Result{}, apperr.Input("search", "original receptor must not carry mutations", nil)
	}
	arch, err := archive.New(m.cfg.Archive)
	if err != nil {
		return Result{}, err
	}

	runCtx := ctx
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	r := &run{archive: arch, failed: make(map[string]struct{})}
	r.result.Archive = arch
	m.transition(r, StateInit)

	fatal := m.seed(ctx, runCtx, r, original)
	if fatal == nil && !r.result.Outcome.Terminal() {
		m.transition(r, StateRunning)
		fatal = m.loop(ctx, runCtx, r)
	}

	arch.Freeze()
	m.transition(r, StateDone)
	m.cfg.Metrics.ObserveOutcome(r.result.Outcome, r.result.Reason)
	m.log.Info("search finished",
		zap.String("outcome", string(r.result.Outcome)),
		zap.String("reason", r.result.Reason),
		zap.Int("iterations", r.result.Iterations),
		zap.Int("oracle_calls", r.result.OracleCalls),
		zap.Int("archive_size", arch.Len()),
		zap.Int("failures", len(r.result.Failures)),
	)
	return r.result, fatal
}

// seed scores the original receptor and inserts it. A scoring failure seeds
// an unscored original; the loop still runs.
func (m *Monitor) seed(ctx, runCtx context.Context, r *run, original *model.Structure) error {
	fingerprint := receptor.Fingerprint(original)
	r.result.OracleCalls++
	score, err := m.score(runCtx, original)
	var fatal error
	switch {
	case err == nil:
	case apperr.IsScoringFailure(err):
		m.log.Warn("original receptor could not be scored", zap.String("reason", apperr.Reason(err)))
		r.result.Failures = append(r.result.Failures, FailureRecord{
			Fingerprint: fingerprint,
			ID:          original.ID,
			Reason:      apperr.Reason(err),
		})
		score = model.Unscored(apperr.Reason(err))
	case runCtx.Err() != nil:
		score = model.Unscored(ReasonInterrupted)
		m.finishOnContext(ctx, r)
	default:
		score = model.Unscored(apperr.Reason(err))
		m.fail(r, ReasonOracleFailed, err)
		fatal = err
	}

	if _, err := r.archive.Seed(original, score); err != nil {
		m.fail(r, ReasonArchiveFailed, err)
		return apperr.Unrecoverable("archive", "seed original receptor", err)
	}
	obs := proposer.Observation{Fingerprint: fingerprint, Scored: score.Scored, Affinity: score.Affinity}
	r.history = append(r.history, obs)
	if score.Scored {
		best := score.Affinity
		r.best = &best
		m.log.Info("original receptor scored", zap.String("fingerprint", fingerprint), zap.Float64("affinity", best))
	}
	return fatal
}

func (m *Monitor) loop(ctx, runCtx context.Context, r *run) error {
	for iteration := 1; ; iteration++ {
		if runCtx.Err() != nil {
			m.finishOnContext(ctx, r)
			return nil
		}
		r.result.Iterations = iteration

		diag, err := m.iterate(runCtx, r, iteration)
		r.result.Diagnostics = append(r.result.Diagnostics, diag)
		if r.best != nil {
			r.result.BestByIteration = append(r.result.BestByIteration, *r.best)
		}
		m.cfg.Metrics.ObserveIteration(diag)
		m.log.Info("iteration",
			zap.Int("iteration", iteration),
			zap.Int("proposed", diag.Proposed),
			zap.Int("dropped", diag.Dropped),
			zap.Int("duplicates", diag.Duplicates),
			zap.Int("scored", diag.Scored),
			zap.Int("failures", diag.Failures),
			zap.Int("inserted", diag.Inserted),
			zap.Int("archive_size", diag.ArchiveSize),
			zap.Bool("improved", diag.Improved),
		)

		if err != nil {
			if runCtx.Err() != nil && !apperr.IsUnrecoverable(err) {
				m.finishOnContext(ctx, r)
				return nil
			}
			var stepErr *stepError
			if errors.As(err, &stepErr) {
				m.fail(r, stepErr.reason, stepErr.err)
				return stepErr.err
			}
			m.fail(r, ReasonProposerFailed, err)
			return err
		}
		if stop := m.stopAfter(ctx, runCtx, r, iteration, diag); stop {
			return nil
		}
	}
}

// stopAfter applies the stopping rules in priority order.
func (m *Monitor) stopAfter(ctx, runCtx context.Context, r *run, iteration int, diag IterationDiagnostics) bool {
	switch {
	case runCtx.Err() != nil:
		m.finishOnContext(ctx, r)
	case m.cfg.TargetAffinity != nil && r.best != nil && *r.best <= *m.cfg.TargetAffinity:
		m.finish(r, StateConverged, ReasonTarget)
	case diag.Proposed == 0:
		m.finish(r, StateConverged, ReasonProposalsExhausted)
	case m.cfg.Patience > 0 && r.stale >= m.cfg.Patience:
		m.finish(r, StateConverged, ReasonPatience)
	case m.cfg.MaxIterations > 0 && iteration >= m.cfg.MaxIterations:
		m.finish(r, StateBudgetExhausted, ReasonMaxIterations)
	case m.cfg.MaxOracleCalls > 0 && r.result.OracleCalls >= m.cfg.MaxOracleCalls:
		m.finish(r, StateBudgetExhausted, ReasonMaxOracleCalls)
	default:
		return false
	}
	return true
}

// iterate runs one proposal round: select parents, propose, score, archive.
func (m *Monitor) iterate(ctx context.Context, r *run, iteration int) (IterationDiagnostics, error) {
	diag := IterationDiagnostics{Iteration: iteration}

	parents, err := m.selectParents(r)
	if err != nil {
		return diag, &stepError{reason: ReasonArchiveFailed, err: apperr.Unrecoverable("search", "select parents", err)}
	}
	diag.Parents = len(parents)

	signal, err := proposer.BuildSignal(iteration, r.history).Encode()
	if err != nil {
		return diag, err
	}
	req := proposer.Request{
		Parents:  parents,
		Feedback: proposer.Feedback{History: append([]proposer.Observation(nil), r.history...), Signal: signal},
		Round:    iteration,
	}
	droppedBefore := m.guard.Dropped()
	seq, err := m.cfg.Proposer.Propose(ctx, req)
	if err != nil {
		return diag, wrapProposer(err)
	}

	batch, err := m.evaluate(ctx, r, seq, iteration, &diag)
	diag.Dropped = int(m.guard.Dropped() - droppedBefore)
	prevBest := r.best
	if replayErr := m.replay(r, batch, iteration, &diag); replayErr != nil {
		return diag, replayErr
	}
	diag.ArchiveSize = r.archive.Len()
	diag.Best = r.best
	diag.Improved = improved(prevBest, r.best, m.cfg.MinImprovement)
	if diag.Improved {
		r.stale = 0
	} else {
		r.stale++
	}
	return diag, err
}

func (m *Monitor) selectParents(r *run) ([]proposer.Parent, error) {
	var ranked []archive.Entry
	for _, entry := range r.archive.Best(0) {
		if entry.Score.Scored {
			ranked = append(ranked, entry)
		}
	}
	if len(ranked) == 0 {
		original, ok := r.archive.Original()
		if !ok {
			return nil, archive.ErrNotSeeded
		}
		ranked = []archive.Entry{original}
	}
	picked, err := m.cfg.Selector.PickParents(m.rng, ranked, m.cfg.ParentCount)
	if err != nil {
		return nil, err
	}
	parents := make([]proposer.Parent, 0, len(picked))
	for _, entry := range picked {
		parents = append(parents, proposer.Parent{
			Structure:   entry.Structure,
			Fingerprint: entry.Fingerprint,
			Score:       entry.Score,
		})
	}
	return parents, nil
}

// replay inserts the round's results in emission order so ties resolve the
// same way regardless of which oracle call finished first.
func (m *Monitor) replay(r *run, batch []*candidate, iteration int, diag *IterationDiagnostics) error {
	var sum float64
	for _, c := range batch {
		switch {
		case !c.done:
			continue
		case c.err == nil:
		case apperr.IsScoringFailure(c.err):
			diag.Failures++
			r.failed[c.fingerprint] = struct{}{}
			r.result.Failures = append(r.result.Failures, FailureRecord{
				Iteration:   iteration,
				Fingerprint: c.fingerprint,
				ID:          c.structure.ID,
				Mutations:   receptor.Labels(c.structure.Mutations),
				Reason:      apperr.Reason(c.err),
			})
			m.log.Warn("candidate not scored",
				zap.Int("iteration", iteration),
				zap.String("fingerprint", c.fingerprint),
				zap.String("reason", apperr.Reason(c.err)),
			)
			continue
		default:
			continue
		}

		diag.Scored++
		sum += c.score.Affinity
		res, err := r.archive.TryInsert(c.structure, c.score, iteration)
		if err != nil {
			return &stepError{reason: ReasonArchiveFailed, err: apperr.Unrecoverable("archive", "insert "+c.fingerprint, err)}
		}
		if res.Status == archive.Duplicate {
			diag.Duplicates++
			continue
		}
		diag.Inserted++

		obs := proposer.Observation{
			Fingerprint:       c.fingerprint,
			ParentFingerprint: c.structure.ParentFingerprint,
			Mutations:         c.structure.Mutations,
			Scored:            true,
			Affinity:          c.score.Affinity,
			Iteration:         iteration,
		}
		if parent, ok := r.archive.Get(c.structure.ParentFingerprint); ok && parent.Score.Scored {
			affinity := parent.Score.Affinity
			obs.ParentAffinity = &affinity
		}
		r.history = append(r.history, obs)
		if r.best == nil || c.score.Affinity < *r.best {
			best := c.score.Affinity
			r.best = &best
		}
		m.log.Debug("candidate archived",
			zap.Int("iteration", iteration),
			zap.String("fingerprint", c.fingerprint),
			zap.Strings("mutations", receptor.Labels(c.structure.Mutations)),
			zap.Float64("affinity", c.score.Affinity),
		)
	}
	if diag.Scored > 0 {
		diag.MeanAffinity = sum / float64(diag.Scored)
	}
	return nil
}

func (m *Monitor) score(ctx context.Context, s *model.Structure) (model.Score, error) {
	started := time.Now()
	score, err := m.cfg.Oracle.Score(ctx, s)
	if err == nil && score.Scored && (math.IsNaN(score.Affinity) || math.IsInf(score.Affinity, 0)) {
		err = apperr.ScoringFailure("search", fmt.Sprintf("non-finite affinity %v", score.Affinity), nil)
		score = model.Score{}
	}
	outcome := "ok"
	switch {
	case err == nil:
	case apperr.IsScoringFailure(err):
		outcome = "scoring_failure"
	case ctx.Err() != nil:
		outcome = "cancelled"
	default:
		outcome = "error"
	}
	m.cfg.Metrics.ObserveOracleCall(outcome, time.Since(started))
	return score, err
}

func (m *Monitor) transition(r *run, to State) {
	if n := len(r.result.Transitions); n > 0 {
		from := r.result.Transitions[n-1]
		if !canTransition(from, to) {
			m.log.Error("illegal state transition", zap.String("from", string(from)), zap.String("to", string(to)))
			return
		}
	}
	r.result.Transitions = append(r.result.Transitions, to)
	r.result.State = to
	if to.Terminal() {
		r.result.Outcome = to
	}
}

func (m *Monitor) finish(r *run, outcome State, reason string) {
	r.result.Reason = reason
	m.transition(r, outcome)
}

func (m *Monitor) fail(r *run, reason string, err error) {
	m.log.Error("search failed", zap.String("reason", reason), zap.Error(err))
	m.finish(r, StateFailed, reason)
}

// finishOnContext ends the run once its context is done: an interrupt from
// the caller or the run's own timeout.
func (m *Monitor) finishOnContext(parent context.Context, r *run) {
	if parent.Err() != nil {
		r.result.Interrupted = true
		m.finish(r, StateBudgetExhausted, ReasonInterrupted)
		return
	}
	m.finish(r, StateBudgetExhausted, ReasonTimeout)
}

type stepError struct {
	reason string
	err    error
}

func (e *stepError) Error() string {
	return e.err.Error()
}

func (e *stepError) Unwrap() error {
	return e.err
}

func wrapProposer(err error) error {
	if apperr.KindOf(err) != "" {
		return err
	}
	return apperr.Unrecoverable("proposer", "propose", err)
}

func improved(prev, next *float64, minImprovement float64) bool {
	if next == nil {
		return false
	}
	if prev == nil {
		return true
	}
	return *prev-*next > minImprovement
}
