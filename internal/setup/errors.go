package setup

import (
	"errors"
	"fmt"

	"github.com/danmuck/pairsync/internal/identity"
	"github.com/danmuck/pairsync/internal/steps"
)

var (
	ErrOutOfTurn           = errors.New("setup: out of turn")
	ErrNoProposalYet       = errors.New("setup: partner has not proposed yet")
	ErrStoreUnavailable    = errors.New("setup: store unavailable")
	ErrWriteFailed         = errors.New("setup: write failed")
	ErrNoRole              = errors.New("setup: caller has no role in pairing")
	ErrInvalidActor        = errors.New("setup: invalid actor")
	ErrTooManyParticipants = errors.New("setup: more than two participants")
	ErrStepNotComplete     = errors.New("setup: step not complete")
	ErrSequenceFinished    = errors.New("setup: no step follows")
	ErrInvalidPayload      = errors.New("setup: invalid payload")
	ErrDocumentMissing     = errors.New("setup: document missing")
)

// TransitionError reports an action attempted by a role in a phase that
// does not permit it. It matches ErrOutOfTurn.
type TransitionError struct {
	Action Action
	Role   identity.Role
	Phase  Phase
	// Raced is set when the action was permitted on read but another writer
	// moved the phase before the write landed.
	Raced bool
}

func (e TransitionError) Error() string {
	if e.Raced {
		return fmt.Sprintf("setup: out of turn: role=%s action=%s phase=%s (phase changed before write)", e.Role, e.Action, e.Phase)
	}
	return fmt.Sprintf("setup: out of turn: role=%s action=%s phase=%s", e.Role, e.Action, e.Phase)
}

func (e TransitionError) Unwrap() error { return ErrOutOfTurn }

func transitionError(action Action, role identity.Role, phase Phase) error {
	return TransitionError{Action: action, Role: role, Phase: phase}
}

// IsRetryable reports whether err came from the store rather than from the
// protocol, so the same intent may be tried again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrWriteFailed)
}

// Reason maps an error onto a short label for metrics and API responses.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrOutOfTurn):
		return "out_of_turn"
	case errors.Is(err, ErrNoProposalYet):
		return "no_proposal"
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, steps.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrTooManyParticipants):
		return "too_many_participants"
	case errors.Is(err, ErrStepNotComplete):
		return "step_not_complete"
	case errors.Is(err, ErrSequenceFinished):
		return "sequence_finished"
	case errors.Is(err, ErrNoRole), errors.Is(err, ErrInvalidActor):
		return "no_role"
	case errors.Is(err, ErrDocumentMissing):
		return "document_missing"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrWriteFailed):
		return "write_failed"
	default:
		return "other"
	}
}
