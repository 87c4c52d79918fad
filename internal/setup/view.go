package setup

import (
	"time"

	"github.com/danmuck/pairsync/internal/docstore"
	"github.com/danmuck/pairsync/internal/identity"
	"github.com/danmuck/pairsync/internal/steps"
)

// View is what one participant sees of a setup document.
type View struct {
	Exists    bool
	Version   int64
	Step      steps.StepID
	StepIndex int
	Phase     Phase

	MyUserID      string
	MyRole        identity.Role
	PartnerUserID string

	// Answers are Null when absent.
	MyAnswer      docstore.Value
	PartnerAnswer docstore.Value

	MySubmitted      bool
	PartnerSubmitted bool
	MyApproved       bool
	PartnerApproved  bool

	CanSubmit  bool
	CanApprove bool

	WaitingMessage string
	CompletedAt    time.Time

	// ParticipantConflict is set when more than one other uid wrote to the
	// active step. Partner fields are left empty.
	ParticipantConflict bool
}

// DeriveView is total: any document and any actor, including one with no
// role, yields a view.
func DeriveView(doc Document, actor Actor) View {
	v := View{
		Exists:        doc.Exists,
		Version:       doc.Version,
		Step:          doc.Step,
		StepIndex:     doc.StepIndex,
		Phase:         doc.Phase,
		MyUserID:      actor.UserID,
		MyRole:        actor.Role,
		MyAnswer:      docstore.Null(),
		PartnerAnswer: docstore.Null(),
		CompletedAt:   doc.CompletedAt,
	}
	if mine, ok := doc.Answer(actor.UserID); ok && actor.UserID != "" {
		v.MyAnswer = mine.Clone()
	}
	if actor.UserID != "" {
		v.MySubmitted = doc.Submitted[actor.UserID]
		v.MyApproved = doc.Approvals[actor.UserID]
	}

	partner, err := doc.Partner(actor.UserID)
	if err != nil {
		v.ParticipantConflict = true
	} else if partner != "" {
		v.PartnerUserID = partner
		if theirs, ok := doc.Answer(partner); ok {
			v.PartnerAnswer = theirs.Clone()
		}
		v.PartnerSubmitted = doc.Submitted[partner]
		v.PartnerApproved = doc.Approvals[partner]
	}

	if doc.Exists {
		v.CanSubmit = CanSubmit(actor.Role, doc.Phase)
		v.CanApprove = CanApprove(actor.Role, doc.Phase)
		v.WaitingMessage = WaitingMessage(doc.Phase, actor.Role)
	} else {
		v.WaitingMessage = WaitingMessage("", actor.Role)
	}
	return v
}

const (
	msgYourProposal    = "Your turn: submit your proposal."
	msgYourApproval    = "Your turn: review and approve your partner's proposal."
	msgPartnerProposal = "Waiting for your partner to submit their proposal."
	msgPartnerApproval = "Waiting for your partner to approve your proposal."
	msgComplete        = "Both proposals are approved. This step is complete."
	msgNotParticipant  = "You are not a participant in this pairing."
	msgSyncing         = "Waiting for the setup to sync."
)

var waitingMessages = map[Phase]map[identity.Role]string{
	PhaseAwaitingASubmission: {identity.RoleA: msgYourProposal, identity.RoleB: msgPartnerProposal},
	PhaseAwaitingBApproval:   {identity.RoleA: msgPartnerApproval, identity.RoleB: msgYourApproval},
	PhaseAwaitingBSubmission: {identity.RoleA: msgPartnerProposal, identity.RoleB: msgYourProposal},
	PhaseAwaitingAApproval:   {identity.RoleA: msgYourApproval, identity.RoleB: msgPartnerApproval},
	PhaseComplete:            {identity.RoleA: msgComplete, identity.RoleB: msgComplete},
}

// WaitingMessage is defined for every (phase, role) pair. Roles outside the
// pairing and unknown phases get fallbacks.
func WaitingMessage(phase Phase, role identity.Role) string {
	if !role.Valid() {
		return msgNotParticipant
	}
	byRole, ok := waitingMessages[phase]
	if !ok {
		return msgSyncing
	}
	return byRole[role]
}
