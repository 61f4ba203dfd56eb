// Package apperr holds the error taxonomy shared by the loop, its adapters and
// the command line.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the run must react to it.
type Kind string

const (
	// KindInput covers malformed or missing receptor, ligand or config inputs.
	// Fatal, reported before the loop starts.
	KindInput Kind = "INPUT"
	// KindScoring is a single candidate the oracle could not score. Recoverable.
	KindScoring Kind = "SCORING"
	// KindProposalExhaustion means the proposer had nothing more to offer.
	KindProposalExhaustion Kind = "PROPOSAL_EXHAUSTION"
	// KindUnrecoverable is a proposer, oracle process or archive failure that
	// aborts the run.
	KindUnrecoverable Kind = "UNRECOVERABLE"
)

const (
	ExitOK            = 0
	ExitGeneric       = 1
	ExitInput         = 2
	ExitUnrecoverable = 3
)

type Error struct {
	Kind      Kind
	Component string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Component != "" {
		prefix += " " + e.Component
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, component, message string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Message: message, Cause: cause}
}

func Input(component, message string, cause error) *Error {
	return New(KindInput, component, message, cause)
}

// ScoringFailure reports that one structure could not be scored.
func ScoringFailure(component, reason string, cause error) *Error {
	return New(KindScoring, component, reason, cause)
}

func Unrecoverable(component, message string, cause error) *Error {
	return New(KindUnrecoverable, component, message, cause)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return ""
}

func IsInput(err error) bool {
	return KindOf(err) == KindInput
}

func IsScoringFailure(err error) bool {
	return KindOf(err) == KindScoring
}

func IsUnrecoverable(err error) bool {
	return KindOf(err) == KindUnrecoverable
}

// Reason returns the message of the first *Error in err's chain, falling back
// to err.Error().
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var target *Error
	if errors.As(err, &target) {
		return target.Message
	}
	return err.Error()
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindInput:
		return ExitInput
	case KindUnrecoverable:
		return ExitUnrecoverable
	default:
		return ExitGeneric
	}
}
