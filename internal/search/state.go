package search

// State is a phase of the optimization loop. A run moves
// INIT -> RUNNING -> one of CONVERGED, BUDGET_EXHAUSTED, FAILED -> DONE.
type State string

const (
	StateInit            State = "INIT"
	StateRunning         State = "RUNNING"
	StateConverged       State = "CONVERGED"
	StateBudgetExhausted State = "BUDGET_EXHAUSTED"
	StateFailed          State = "FAILED"
	StateDone            State = "DONE"
)

// Stop reasons recorded alongside the terminal outcome.
const (
	ReasonTarget             = "target_reached"
	ReasonPatience           = "no_improvement"
	ReasonProposalsExhausted = "proposals_exhausted"
	ReasonMaxIterations      = "max_iterations"
	ReasonMaxOracleCalls     = "max_oracle_calls"
	ReasonTimeout            = "timeout"
	ReasonInterrupted        = "interrupted"
	ReasonProposerFailed     = "proposer_failed"
	ReasonOracleFailed       = "oracle_unrecoverable"
	ReasonArchiveFailed      = "archive_error"
)

var transitions = map[State][]State{
	StateInit:            {StateRunning, StateFailed, StateBudgetExhausted},
	StateRunning:         {StateConverged, StateBudgetExhausted, StateFailed},
	StateConverged:       {StateDone},
	StateBudgetExhausted: {StateDone},
	StateFailed:          {StateDone},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateConverged || s == StateBudgetExhausted || s == StateFailed
}
