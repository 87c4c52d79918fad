package setup

import "github.com/danmuck/pairsync/internal/identity"

// Phase is the single source of truth for whose turn it is.
type Phase string

const (
	PhaseAwaitingASubmission Phase = "awaitingASubmission"
	PhaseAwaitingBApproval   Phase = "awaitingBApproval"
	PhaseAwaitingBSubmission Phase = "awaitingBSubmission"
	PhaseAwaitingAApproval   Phase = "awaitingAApproval"
	PhaseComplete            Phase = "complete"
)

// InitialPhase is where every step starts.
const InitialPhase = PhaseAwaitingASubmission

// Phases lists every phase in protocol order.
func Phases() []Phase {
	return []Phase{
		PhaseAwaitingASubmission,
		PhaseAwaitingBApproval,
		PhaseAwaitingBSubmission,
		PhaseAwaitingAApproval,
		PhaseComplete,
	}
}

func (p Phase) Valid() bool {
	switch p {
	case PhaseAwaitingASubmission, PhaseAwaitingBApproval, PhaseAwaitingBSubmission, PhaseAwaitingAApproval, PhaseComplete:
		return true
	default:
		return false
	}
}

func (p Phase) Terminal() bool { return p == PhaseComplete }

func (p Phase) String() string { return string(p) }

// Action is a participant intent.
type Action string

const (
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionAdvance Action = "advance"
)

// CanSubmit reports whether role may submit a proposal in phase.
func CanSubmit(role identity.Role, phase Phase) bool {
	return (role == identity.RoleA && phase == PhaseAwaitingASubmission) ||
		(role == identity.RoleB && phase == PhaseAwaitingBSubmission)
}

// CanApprove reports whether role may approve the partner's proposal in phase.
func CanApprove(role identity.Role, phase Phase) bool {
	return (role == identity.RoleB && phase == PhaseAwaitingBApproval) ||
		(role == identity.RoleA && phase == PhaseAwaitingAApproval)
}

// NextPhase returns the phase following p; ok is false for complete and
// unknown phases.
func NextPhase(p Phase) (Phase, bool) {
	switch p {
	case PhaseAwaitingASubmission:
		return PhaseAwaitingBApproval, true
	case PhaseAwaitingBApproval:
		return PhaseAwaitingBSubmission, true
	case PhaseAwaitingBSubmission:
		return PhaseAwaitingAApproval, true
	case PhaseAwaitingAApproval:
		return PhaseComplete, true
	default:
		return "", false
	}
}

// TurnOf returns the role expected to act in p, or RoleNone.
func TurnOf(p Phase) identity.Role {
	switch p {
	case PhaseAwaitingASubmission, PhaseAwaitingAApproval:
		return identity.RoleA
	case PhaseAwaitingBApproval, PhaseAwaitingBSubmission:
		return identity.RoleB
	default:
		return identity.RoleNone
	}
}
