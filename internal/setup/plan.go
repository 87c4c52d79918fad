package setup

import (
	"fmt"
	"strings"

	"github.com/danmuck/pairsync/internal/docstore"
	"github.com/danmuck/pairsync/internal/identity"
	"github.com/danmuck/pairsync/internal/steps"
)

// Actor is a user acting in a resolved role.
type Actor struct {
	UserID string
	Role   identity.Role
}

// Validate rejects actors that cannot be written as a field path segment or
// that hold no role.
func (a Actor) Validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidActor)
	}
	if strings.ContainsAny(a.UserID, "./") {
		return fmt.Errorf("%w: user id %q contains a reserved character", ErrInvalidActor, a.UserID)
	}
	if !a.Role.Valid() {
		return fmt.Errorf("%w: user %s", ErrNoRole, a.UserID)
	}
	return nil
}

// WriteIntent is a planned merge write. It is applied only while every
// precondition still holds.
type WriteIntent struct {
	Key           string
	Action        Action
	Actor         Actor
	Step          steps.StepID
	From          Phase
	To            Phase
	Fields        docstore.Fields
	Preconditions []docstore.Precondition
}

func guards(doc Document) []docstore.Precondition {
	return []docstore.Precondition{
		docstore.FieldEquals(FieldPhase, docstore.String(doc.Phase.String())),
		docstore.FieldEquals(FieldStep, docstore.String(doc.Step.String())),
	}
}

// PlanSubmit builds the write that records actor's proposal and hands the turn
// to the partner.
func PlanSubmit(doc Document, actor Actor, payload docstore.Value) (WriteIntent, error) {
	if err := actor.Validate(); err != nil {
		return WriteIntent{}, err
	}
	if !doc.Exists {
		return WriteIntent{}, fmt.Errorf("%w: %s", ErrDocumentMissing, doc.Key)
	}
	if !CanSubmit(actor.Role, doc.Phase) {
		return WriteIntent{}, transitionError(ActionSubmit, actor.Role, doc.Phase)
	}
	if err := steps.Validate(doc.Step, payload); err != nil {
		return WriteIntent{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	next, _ := NextPhase(doc.Phase)
	fields := docstore.Fields{
		FieldPhase:     docstore.String(next.String()),
		FieldUpdatedAt: docstore.ServerTimestamp(),
	}
	// The answer and its submitted flag always land in the same merge.
	fields[docstore.JoinPath(FieldAnswers, actor.UserID)] = payload.Clone()
	fields[docstore.JoinPath(FieldSubmitted, actor.UserID)] = docstore.Bool(true)
	return WriteIntent{
		Key:           doc.Key,
		Action:        ActionSubmit,
		Actor:         actor,
		Step:          doc.Step,
		From:          doc.Phase,
		To:            next,
		Fields:        fields,
		Preconditions: guards(doc),
	}, nil
}

// PlanApprove builds the write that approves the partner's current proposal
// and snapshots it into approvedAnswers.
func PlanApprove(doc Document, actor Actor) (WriteIntent, error) {
	if err := actor.Validate(); err != nil {
		return WriteIntent{}, err
	}
	if !doc.Exists {
		return WriteIntent{}, fmt.Errorf("%w: %s", ErrDocumentMissing, doc.Key)
	}
	if !CanApprove(actor.Role, doc.Phase) {
		return WriteIntent{}, transitionError(ActionApprove, actor.Role, doc.Phase)
	}
	partner, err := doc.Partner(actor.UserID)
	if err != nil {
		return WriteIntent{}, fmt.Errorf("%w: %v", err, doc.Others(actor.UserID))
	}
	if partner == "" {
		return WriteIntent{}, ErrNoProposalYet
	}
	proposal, ok := doc.Answer(partner)
	if !ok {
		return WriteIntent{}, fmt.Errorf("%w: %s", ErrNoProposalYet, partner)
	}
	next, _ := NextPhase(doc.Phase)
	fields := docstore.Fields{
		FieldPhase:     docstore.String(next.String()),
		FieldUpdatedAt: docstore.ServerTimestamp(),
	}
	fields[docstore.JoinPath(FieldApprovals, actor.UserID)] = docstore.Bool(true)
	fields[docstore.JoinPath(FieldApprovedAnswers, partner)] = proposal.Clone()
	if next == PhaseComplete {
		fields[FieldCompletedAt] = docstore.ServerTimestamp()
	}
	pre := append(guards(doc), docstore.FieldEquals(docstore.JoinPath(FieldAnswers, partner), proposal))
	return WriteIntent{
		Key:           doc.Key,
		Action:        ActionApprove,
		Actor:         actor,
		Step:          doc.Step,
		From:          doc.Phase,
		To:            next,
		Fields:        fields,
		Preconditions: pre,
	}, nil
}

// PlanAdvance moves a completed pairing to the next step in seq. The finished
// step is archived under history and the active maps start empty again.
func PlanAdvance(doc Document, seq steps.Sequence) (WriteIntent, error) {
	if !doc.Exists {
		return WriteIntent{}, fmt.Errorf("%w: %s", ErrDocumentMissing, doc.Key)
	}
	if doc.Phase != PhaseComplete {
		return WriteIntent{}, fmt.Errorf("%w: step=%s phase=%s", ErrStepNotComplete, doc.Step, doc.Phase)
	}
	next, ok := seq.Next(doc.Step)
	if !ok {
		return WriteIntent{}, fmt.Errorf("%w: after %s", ErrSequenceFinished, doc.Step)
	}
	record := StepRecord{
		Answers:         doc.Answers,
		ApprovedAnswers: doc.ApprovedAnswers,
		CompletedAt:     doc.CompletedAt,
	}
	fields := docstore.Fields{
		FieldStep:            docstore.String(next.String()),
		FieldStepIndex:       docstore.Int(int64(doc.StepIndex + 1)),
		FieldAnswers:         docstore.Map(nil),
		FieldSubmitted:       docstore.Map(nil),
		FieldApprovals:       docstore.Map(nil),
		FieldApprovedAnswers: docstore.Map(nil),
		FieldCompletedAt:     docstore.Null(),
		FieldPhase:           docstore.String(InitialPhase.String()),
		FieldUpdatedAt:       docstore.ServerTimestamp(),
	}
	fields[docstore.JoinPath(FieldHistory, doc.Step.String())] = record.value()
	return WriteIntent{
		Key:           doc.Key,
		Action:        ActionAdvance,
		Step:          doc.Step,
		From:          doc.Phase,
		To:            InitialPhase,
		Fields:        fields,
		Preconditions: guards(doc),
	}, nil
}
