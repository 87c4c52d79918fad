package setup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/pairsync/internal/docstore"
	"github.com/danmuck/pairsync/internal/identity"
	"github.com/danmuck/pairsync/internal/observability"
	"github.com/danmuck/pairsync/internal/steps"
	"github.com/rs/zerolog/log"
)

// Engine applies planned transitions against a shared store. It holds no
// protocol state of its own; every action re-reads the document first.
type Engine struct {
	store docstore.Store
	ids   identity.Provider
	seq   steps.Sequence
	now   func() time.Time
}

type Option func(*Engine)

// WithSequence replaces the default step order.
func WithSequence(seq steps.Sequence) Option {
	return func(e *Engine) {
		if seq.Len() > 0 {
			e.seq = seq
		}
	}
}

// WithClock sets the clock used when a confirmed write has to be projected
// locally because the follow-up read failed.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(store docstore.Store, ids identity.Provider, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		ids:   ids,
		seq:   steps.DefaultSequence(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Engine) Sequence() steps.Sequence { return e.seq }

func (e *Engine) Store() docstore.Store { return e.store }

// Actor resolves the calling user and their role in pairingID.
func (e *Engine) Actor(ctx context.Context, pairingID string) (Actor, error) {
	uid, ok := e.ids.CurrentUserID(ctx)
	if !ok {
		return Actor{}, fmt.Errorf("%w: %w", ErrNoRole, identity.ErrNoUser)
	}
	role, err := e.ids.RoleForPairing(ctx, pairingID)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %w", ErrNoRole, err)
	}
	actor := Actor{UserID: uid, Role: role}
	if err := actor.Validate(); err != nil {
		return Actor{}, err
	}
	return actor, nil
}

// Ensure creates the pairing's setup document if it does not exist yet and
// returns its current state. An existing document is left untouched.
func (e *Engine) Ensure(ctx context.Context, pairingID string) (Document, error) {
	key := DocumentKey(pairingID)
	first, _ := e.seq.First()
	created, err := e.store.Create(ctx, key, InitialFields(first, 0))
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("setup.Ensure create failed")
		return Document{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if created {
		log.Info().Str("pairing", pairingID).Str("step", first.String()).Msg("setup document created")
	}
	return e.Load(ctx, pairingID)
}

// Load reads and decodes the pairing's setup document.
func (e *Engine) Load(ctx context.Context, pairingID string) (Document, error) {
	key := DocumentKey(pairingID)
	snap, err := e.store.Get(ctx, key)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if snap.Key == "" {
		snap.Key = key
	}
	return DecodeDocument(snap), nil
}

// View loads the document and derives the caller's view of it.
func (e *Engine) View(ctx context.Context, pairingID string) (View, error) {
	actor, err := e.Actor(ctx, pairingID)
	if err != nil {
		return View{}, err
	}
	doc, err := e.Load(ctx, pairingID)
	if err != nil {
		return View{}, err
	}
	return DeriveView(doc, actor), nil
}

// Submit records the caller's proposal for the active step.
func (e *Engine) Submit(ctx context.Context, pairingID string, payload docstore.Value) (Document, error) {
	actor, err := e.Actor(ctx, pairingID)
	if err != nil {
		e.reject(ActionSubmit, pairingID, err)
		return Document{}, err
	}
	return e.SubmitAs(ctx, pairingID, actor, payload)
}

// SubmitAs is Submit with an already resolved actor.
func (e *Engine) SubmitAs(ctx context.Context, pairingID string, actor Actor, payload docstore.Value) (Document, error) {
	doc, err := e.Load(ctx, pairingID)
	if err != nil {
		e.reject(ActionSubmit, pairingID, err)
		return Document{}, err
	}
	intent, err := PlanSubmit(doc, actor, payload)
	if err != nil {
		e.reject(ActionSubmit, pairingID, err)
		return doc, err
	}
	return e.apply(ctx, pairingID, doc, intent)
}

// Approve approves the partner's current proposal.
func (e *Engine) Approve(ctx context.Context, pairingID string) (Document, error) {
	actor, err := e.Actor(ctx, pairingID)
	if err != nil {
		e.reject(ActionApprove, pairingID, err)
		return Document{}, err
	}
	return e.ApproveAs(ctx, pairingID, actor)
}

func (e *Engine) ApproveAs(ctx context.Context, pairingID string, actor Actor) (Document, error) {
	doc, err := e.Load(ctx, pairingID)
	if err != nil {
		e.reject(ActionApprove, pairingID, err)
		return Document{}, err
	}
	intent, err := PlanApprove(doc, actor)
	if err != nil {
		e.reject(ActionApprove, pairingID, err)
		return doc, err
	}
	return e.apply(ctx, pairingID, doc, intent)
}

// Advance moves a completed pairing on to the next step. Either participant
// may advance.
func (e *Engine) Advance(ctx context.Context, pairingID string) (Document, error) {
	actor, err := e.Actor(ctx, pairingID)
	if err != nil {
		e.reject(ActionAdvance, pairingID, err)
		return Document{}, err
	}
	return e.AdvanceAs(ctx, pairingID, actor)
}

func (e *Engine) AdvanceAs(ctx context.Context, pairingID string, actor Actor) (Document, error) {
	if err := actor.Validate(); err != nil {
		e.reject(ActionAdvance, pairingID, err)
		return Document{}, err
	}
	doc, err := e.Load(ctx, pairingID)
	if err != nil {
		e.reject(ActionAdvance, pairingID, err)
		return Document{}, err
	}
	intent, err := PlanAdvance(doc, e.seq)
	if err != nil {
		e.reject(ActionAdvance, pairingID, err)
		return doc, err
	}
	intent.Actor = actor
	return e.apply(ctx, pairingID, doc, intent)
}

// apply issues the phase-conditioned write. A failed precondition means
// another writer moved the document after it was read.
func (e *Engine) apply(ctx context.Context, pairingID string, read Document, intent WriteIntent) (Document, error) {
	err := e.store.MergeWrite(ctx, intent.Key, intent.Fields, intent.Preconditions...)
	if err != nil {
		switch {
		case errors.Is(err, docstore.ErrPreconditionFailed):
			if intent.Action == ActionAdvance {
				err = fmt.Errorf("%w: %w", ErrStepNotComplete, err)
			} else {
				err = TransitionError{Action: intent.Action, Role: intent.Actor.Role, Phase: intent.From, Raced: true}
			}
		case errors.Is(err, docstore.ErrNotFound):
			err = fmt.Errorf("%w: %w", ErrDocumentMissing, err)
		default:
			err = fmt.Errorf("%w: %w", ErrWriteFailed, err)
		}
		e.reject(intent.Action, pairingID, err)
		return read, err
	}

	observability.RecordTransition(intent.Step.String(), intent.From.String(), intent.To.String())
	log.Info().
		Str("pairing", pairingID).
		Str("user", intent.Actor.UserID).
		Str("role", intent.Actor.Role.String()).
		Str("action", string(intent.Action)).
		Str("step", intent.Step.String()).
		Str("from", intent.From.String()).
		Str("to", intent.To.String()).
		Msg("setup transition applied")

	doc, err := e.Load(ctx, pairingID)
	if err != nil {
		// The write is confirmed; only the follow-up read failed.
		log.Warn().Err(err).Str("pairing", pairingID).Msg("setup reload after write failed; projecting locally")
		return project(read, intent, e.now()), nil
	}
	return doc, nil
}

func (e *Engine) reject(action Action, pairingID string, err error) {
	reason := Reason(err)
	observability.RecordRejection(string(action), reason)
	ev := log.Debug()
	if IsRetryable(err) {
		ev = log.Warn()
	}
	ev.Err(err).Str("pairing", pairingID).Str("action", string(action)).Str("reason", reason).Msg("setup action rejected")
}

// project applies intent to the document that was read.
func project(read Document, intent WriteIntent, now time.Time) Document {
	snap := docstore.Snapshot{Key: read.Key, Exists: true, Version: read.Version + 1, UpdateTime: now}
	data, err := docstore.ApplyFields(read.raw(), intent.Fields, now)
	if err != nil {
		return read
	}
	snap.Data = data
	return DecodeDocument(snap)
}
