package setup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/danmuck/pairsync/internal/docstore"
	"github.com/danmuck/pairsync/internal/identity"
	"github.com/danmuck/pairsync/internal/steps"
	"github.com/danmuck/pairsync/internal/testutil/testlog"
)

const testPairing = "p1"

type fixture struct {
	store  *docstore.Memory
	engine *Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	roster, err := identity.NewRoster(identity.Pairing{ID: testPairing, A: "A", B: "B"})
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	store := docstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return fixture{store: store, engine: NewEngine(store, roster)}
}

func as(uid string) context.Context {
	return identity.WithUser(context.Background(), uid)
}

func schedule(start, end int) docstore.Value {
	return steps.BlockSchedule{StartMinutes: start, EndMinutes: end, Enabled: true}.Value()
}

func TestLiteralNegotiationScenario(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	doc, err := f.engine.Ensure(as("A"), testPairing)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if doc.Phase != PhaseAwaitingASubmission || doc.Step != steps.StepBlockSchedule || doc.StepIndex != 0 {
		t.Fatalf("unexpected initial document %+v", doc)
	}

	first := schedule(1260, 420)
	doc, err = f.engine.Submit(as("A"), testPairing, first)
	if err != nil {
		t.Fatalf("A submit: %v", err)
	}
	if doc.Phase != PhaseAwaitingBApproval {
		t.Fatalf("phase after A submit: %s", doc.Phase)
	}
	if !doc.Answers["A"].Equal(first) || !doc.Submitted["A"] {
		t.Fatalf("A's answer not recorded: %+v", doc.Answers)
	}

	doc, err = f.engine.Approve(as("B"), testPairing)
	if err != nil {
		t.Fatalf("B approve: %v", err)
	}
	if doc.Phase != PhaseAwaitingBSubmission {
		t.Fatalf("phase after B approve: %s", doc.Phase)
	}
	if !doc.ApprovedAnswers["A"].Equal(first) || !doc.Approvals["B"] {
		t.Fatalf("B's approval not recorded: %+v %+v", doc.ApprovedAnswers, doc.Approvals)
	}
	if !doc.CompletedAt.IsZero() {
		t.Fatalf("completedAt set too early")
	}

	second := schedule(1320, 360)
	doc, err = f.engine.Submit(as("B"), testPairing, second)
	if err != nil {
		t.Fatalf("B submit: %v", err)
	}
	if doc.Phase != PhaseAwaitingAApproval {
		t.Fatalf("phase after B submit: %s", doc.Phase)
	}

	doc, err = f.engine.Approve(as("A"), testPairing)
	if err != nil {
		t.Fatalf("A approve: %v", err)
	}
	if doc.Phase != PhaseComplete {
		t.Fatalf("phase after A approve: %s", doc.Phase)
	}
	if !doc.ApprovedAnswers["B"].Equal(second) || !doc.ApprovedAnswers["A"].Equal(first) {
		t.Fatalf("approved answers mismatch: %+v", doc.ApprovedAnswers)
	}
	if doc.CompletedAt.IsZero() {
		t.Fatalf("completedAt not set")
	}
	got, report := steps.DecodeBlockSchedule(doc.ApprovedAnswers["B"])
	if got.StartMinutes != 1320 || got.EndMinutes != 360 || report.DecodeDefaulted() {
		t.Fatalf("decoded approved schedule %+v report=%+v", got, report)
	}
}

type move struct {
	uid    string
	action Action
}

func (m move) String() string { return m.uid + ":" + string(m.action) }

func TestOnlyCanonicalSequenceCompletes(t *testing.T) {
	testlog.Start(t)
	moves := []move{{"A", ActionSubmit}, {"A", ActionApprove}, {"B", ActionSubmit}, {"B", ActionApprove}}
	canonical := fmt.Sprint([]move{moves[0], moves[3], moves[2], moves[1]})

	completed := 0
	for i := 0; i < 256; i++ {
		seq := []move{moves[i%4], moves[(i/4)%4], moves[(i/16)%4], moves[(i/64)%4]}
		f := newFixture(t)
		if _, err := f.engine.Ensure(as("A"), testPairing); err != nil {
			t.Fatalf("ensure: %v", err)
		}
		for _, m := range seq {
			switch m.action {
			case ActionSubmit:
				_, _ = f.engine.Submit(as(m.uid), testPairing, schedule(60, 120))
			case ActionApprove:
				_, _ = f.engine.Approve(as(m.uid), testPairing)
			}
		}
		doc, err := f.engine.Load(context.Background(), testPairing)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		isCanonical := fmt.Sprint(seq) == canonical
		if (doc.Phase == PhaseComplete) != isCanonical {
			t.Fatalf("sequence %v ended in %s", seq, doc.Phase)
		}
		if isCanonical {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("expected exactly one completing sequence, got %d", completed)
	}
}

func TestDoubleApproveIsOutOfTurn(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	if _, err := f.engine.Ensure(as("A"), testPairing); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.engine.Submit(as("A"), testPairing, schedule(1260, 420)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.engine.Approve(as("B"), testPairing); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err := f.engine.Approve(as("B"), testPairing)
	if !errors.Is(err, ErrOutOfTurn) {
		t.Fatalf("expected ErrOutOfTurn, got %v", err)
	}
	var terr TransitionError
	if !errors.As(err, &terr) || terr.Role != identity.RoleB || terr.Action != ActionApprove || terr.Phase != PhaseAwaitingBSubmission {
		t.Fatalf("unexpected transition error %+v", terr)
	}
}

func TestWrongRoleSubmitLeavesDocumentUnchanged(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	before, err := f.engine.Ensure(as("B"), testPairing)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.engine.Submit(as("B"), testPairing, schedule(1, 2)); !errors.Is(err, ErrOutOfTurn) {
		t.Fatalf("expected ErrOutOfTurn, got %v", err)
	}
	after, err := f.engine.Load(context.Background(), testPairing)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if after.Version != before.Version || after.Phase != before.Phase {
		t.Fatalf("document changed: before=%d/%s after=%d/%s", before.Version, before.Phase, after.Version, after.Phase)
	}
	if len(after.Answers) != 0 || len(after.Submitted) != 0 {
		t.Fatalf("wrong-role submit leaked state: %+v %+v", after.Answers, after.Submitted)
	}
}

func seedDocument(t *testing.T, f fixture, phase Phase, answers map[string]docstore.Value) {
	t.Helper()
	fields := InitialFields(steps.StepBlockSchedule, 0)
	fields[FieldPhase] = docstore.String(phase.String())
	fields[FieldAnswers] = docstore.Map(answers)
	if _, err := f.store.Create(context.Background(), DocumentKey(testPairing), fields); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestApproveWithoutProposal(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	seedDocument(t, f, PhaseAwaitingBApproval, nil)
	if _, err := f.engine.Approve(as("B"), testPairing); !errors.Is(err, ErrNoProposalYet) {
		t.Fatalf("expected ErrNoProposalYet, got %v", err)
	}
}

func TestThirdParticipantIsRejected(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	seedDocument(t, f, PhaseAwaitingBApproval, map[string]docstore.Value{
		"A": schedule(1, 2),
		"C": schedule(3, 4),
	})
	if _, err := f.engine.Approve(as("B"), testPairing); !errors.Is(err, ErrTooManyParticipants) {
		t.Fatalf("expected ErrTooManyParticipants, got %v", err)
	}
	doc, err := f.engine.Load(context.Background(), testPairing)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	view := DeriveView(doc, Actor{UserID: "B", Role: identity.RoleB})
	if !view.ParticipantConflict || view.PartnerUserID != "" || !view.PartnerAnswer.IsNull() {
		t.Fatalf("expected participant conflict view, got %+v", view)
	}
}

func TestCallerWithoutRole(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	if _, err := f.engine.Ensure(context.Background(), testPairing); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.engine.Submit(as("mallory"), testPairing, schedule(1, 2)); !errors.Is(err, ErrNoRole) {
		t.Fatalf("expected ErrNoRole for non-member, got %v", err)
	}
	if _, err := f.engine.Approve(context.Background(), testPairing); !errors.Is(err, ErrNoRole) {
		t.Fatalf("expected ErrNoRole without user, got %v", err)
	}
	if _, err := f.engine.Submit(as("A"), "other", schedule(1, 2)); !errors.Is(err, identity.ErrUnknownPairing) {
		t.Fatalf("expected unknown pairing in chain, got %v", err)
	}
}

func TestInvalidPayloadIsRejected(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	if _, err := f.engine.Ensure(as("A"), testPairing); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	_, err := f.engine.Submit(as("A"), testPairing, docstore.Int(5))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	var verr steps.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected steps.ValidationError in chain, got %v", err)
	}
}

func TestLostRaceSurfacesAsOutOfTurn(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	stale, err := f.engine.Ensure(as("A"), testPairing)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	intent, err := PlanSubmit(stale, Actor{UserID: "A", Role: identity.RoleA}, schedule(10, 20))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if _, err := f.engine.Submit(as("A"), testPairing, schedule(30, 40)); err != nil {
		t.Fatalf("winning submit: %v", err)
	}
	_, err = f.engine.apply(context.Background(), testPairing, stale, intent)
	var terr TransitionError
	if !errors.As(err, &terr) || !terr.Raced || !errors.Is(err, ErrOutOfTurn) {
		t.Fatalf("expected raced TransitionError, got %v", err)
	}
	doc, _ := f.engine.Load(context.Background(), testPairing)
	got, _ := steps.DecodeBlockSchedule(doc.Answers["A"])
	if got.StartMinutes != 30 {
		t.Fatalf("losing write was applied: %+v", got)
	}
}

func TestConcurrentSubmitsApplyOnce(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	if _, err := f.engine.Ensure(as("A"), testPairing); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		rejected int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.engine.Submit(as("A"), testPairing, schedule(n, n+1))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				applied++
			} else if errors.Is(err, ErrOutOfTurn) {
				rejected++
			}
		}(i)
	}
	wg.Wait()
	if applied != 1 || rejected != 7 {
		t.Fatalf("applied=%d rejected=%d", applied, rejected)
	}
}

// flakyStore injects store failures around a working store.
type flakyStore struct {
	docstore.Store

	mu         sync.Mutex
	failGet    bool
	failMerge  bool
	afterMerge func()
}

func (s *flakyStore) set(get, merge bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGet, s.failMerge = get, merge
}

func (s *flakyStore) Get(ctx context.Context, key string) (docstore.Snapshot, error) {
	s.mu.Lock()
	fail := s.failGet
	s.mu.Unlock()
	if fail {
		return docstore.Snapshot{}, fmt.Errorf("%w: injected", docstore.ErrUnavailable)
	}
	return s.Store.Get(ctx, key)
}

func (s *flakyStore) MergeWrite(ctx context.Context, key string, fields docstore.Fields, pre ...docstore.Precondition) error {
	s.mu.Lock()
	fail := s.failMerge
	hook := s.afterMerge
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: injected", docstore.ErrUnavailable)
	}
	if err := s.Store.MergeWrite(ctx, key, fields, pre...); err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	return nil
}

func TestStoreFailuresAreRetryable(t *testing.T) {
	testlog.Start(t)
	roster, _ := identity.NewRoster(identity.Pairing{ID: testPairing, A: "A", B: "B"})
	mem := docstore.NewMemory()
	defer mem.Close()
	store := &flakyStore{Store: mem}
	engine := NewEngine(store, roster)
	if _, err := engine.Ensure(as("A"), testPairing); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	store.set(true, false)
	_, err := engine.Submit(as("A"), testPairing, schedule(1, 2))
	if !errors.Is(err, ErrStoreUnavailable) || !IsRetryable(err) || !errors.Is(err, docstore.ErrUnavailable) {
		t.Fatalf("expected retryable ErrStoreUnavailable, got %v", err)
	}

	store.set(false, true)
	_, err = engine.Submit(as("A"), testPairing, schedule(1, 2))
	if !errors.Is(err, ErrWriteFailed) || !IsRetryable(err) {
		t.Fatalf("expected retryable ErrWriteFailed, got %v", err)
	}

	store.set(false, false)
	doc, err := engine.Load(context.Background(), testPairing)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Phase != PhaseAwaitingASubmission || len(doc.Answers) != 0 {
		t.Fatalf("failed write advanced state: %s %+v", doc.Phase, doc.Answers)
	}
	if IsRetryable(TransitionError{}) {
		t.Fatalf("out of turn must not be retryable")
	}
}

func TestConfirmedWriteProjectsWhenReloadFails(t *testing.T) {
	testlog.Start(t)
	roster, _ := identity.NewRoster(identity.Pairing{ID: testPairing, A: "A", B: "B"})
	mem := docstore.NewMemory()
	defer mem.Close()
	store := &flakyStore{Store: mem}
	store.afterMerge = func() { store.set(true, false) }
	engine := NewEngine(store, roster)
	if _, err := engine.Ensure(as("A"), testPairing); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	doc, err := engine.Submit(as("A"), testPairing, schedule(5, 6))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if doc.Phase != PhaseAwaitingBApproval || !doc.Submitted["A"] {
		t.Fatalf("expected projected document, got %s %+v", doc.Phase, doc.Submitted)
	}
}

func TestAdvanceArchivesAndResets(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	if _, err := f.engine.Ensure(as("A"), testPairing); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.engine.Advance(as("A"), testPairing); !errors.Is(err, ErrStepNotComplete) {
		t.Fatalf("expected ErrStepNotComplete before completion, got %v", err)
	}
	completeStep(t, f, schedule(1260, 420), schedule(1320, 360))

	doc, err := f.engine.Advance(as("B"), testPairing)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if doc.Step != steps.StepAppSelection || doc.StepIndex != 1 || doc.Phase != InitialPhase {
		t.Fatalf("unexpected advanced document step=%s index=%d phase=%s", doc.Step, doc.StepIndex, doc.Phase)
	}
	if len(doc.Answers) != 0 || len(doc.Submitted) != 0 || len(doc.Approvals) != 0 || len(doc.ApprovedAnswers) != 0 {
		t.Fatalf("active maps not reset: %+v", doc)
	}
	if !doc.CompletedAt.IsZero() {
		t.Fatalf("completedAt must be cleared")
	}
	rec, ok := doc.History[steps.StepBlockSchedule]
	if !ok || rec.CompletedAt.IsZero() || !rec.ApprovedAnswers["A"].Equal(schedule(1260, 420)) {
		t.Fatalf("history not archived: %+v", doc.History)
	}

	if _, err := f.engine.Advance(as("A"), testPairing); !errors.Is(err, ErrStepNotComplete) {
		t.Fatalf("expected ErrStepNotComplete on repeat advance, got %v", err)
	}

	apps := steps.AppSelection{Applications: []string{"video"}}.Value()
	completeStep(t, f, apps, apps)
	if _, err := f.engine.Advance(as("A"), testPairing); !errors.Is(err, ErrSequenceFinished) {
		t.Fatalf("expected ErrSequenceFinished, got %v", err)
	}
}

func completeStep(t *testing.T, f fixture, a, b docstore.Value) {
	t.Helper()
	if _, err := f.engine.Submit(as("A"), testPairing, a); err != nil {
		t.Fatalf("A submit: %v", err)
	}
	if _, err := f.engine.Approve(as("B"), testPairing); err != nil {
		t.Fatalf("B approve: %v", err)
	}
	if _, err := f.engine.Submit(as("B"), testPairing, b); err != nil {
		t.Fatalf("B submit: %v", err)
	}
	if _, err := f.engine.Approve(as("A"), testPairing); err != nil {
		t.Fatalf("A approve: %v", err)
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	if _, err := f.engine.Ensure(as("A"), testPairing); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.engine.Submit(as("A"), testPairing, schedule(1, 2)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	doc, err := f.engine.Ensure(as("B"), testPairing)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if doc.Phase != PhaseAwaitingBApproval {
		t.Fatalf("second ensure reset the document: %s", doc.Phase)
	}
}
