package setup

import (
	"sort"
	"time"

	"github.com/danmuck/pairsync/internal/docstore"
	"github.com/danmuck/pairsync/internal/steps"
)

// Stored field names of a setup document.
const (
	FieldStep            = "step"
	FieldStepIndex       = "stepIndex"
	FieldPhase           = "phase"
	FieldAnswers         = "answers"
	FieldSubmitted       = "submitted"
	FieldApprovals       = "approvals"
	FieldApprovedAnswers = "approvedAnswers"
	FieldHistory         = "history"
	FieldCreatedAt       = "createdAt"
	FieldUpdatedAt       = "updatedAt"
	FieldCompletedAt     = "completedAt"
)

// DocumentKey is the store key of a pairing's setup document.
func DocumentKey(pairingID string) string {
	return "pairings/" + pairingID + "/setup"
}

// StepRecord is the archived outcome of a finished step.
type StepRecord struct {
	Answers         map[string]docstore.Value
	ApprovedAnswers map[string]docstore.Value
	CompletedAt     time.Time
}

// Document is the decoded setup document. Decoding is total: missing or
// mistyped fields decode to zero values.
type Document struct {
	Key     string
	Exists  bool
	Version int64

	Step      steps.StepID
	StepIndex int
	Phase     Phase

	Answers         map[string]docstore.Value
	Submitted       map[string]bool
	Approvals       map[string]bool
	ApprovedAnswers map[string]docstore.Value

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time

	History map[steps.StepID]StepRecord

	data map[string]docstore.Value
}

// InitialFields is the content a setup document is created with.
func InitialFields(step steps.StepID, index int) docstore.Fields {
	return docstore.Fields{
		FieldStep:            docstore.String(step.String()),
		FieldStepIndex:       docstore.Int(int64(index)),
		FieldPhase:           docstore.String(InitialPhase.String()),
		FieldAnswers:         docstore.Map(nil),
		FieldSubmitted:       docstore.Map(nil),
		FieldApprovals:       docstore.Map(nil),
		FieldApprovedAnswers: docstore.Map(nil),
		FieldHistory:         docstore.Map(nil),
		FieldCreatedAt:       docstore.ServerTimestamp(),
		FieldUpdatedAt:       docstore.ServerTimestamp(),
		FieldCompletedAt:     docstore.Null(),
	}
}

// DecodeDocument builds a Document from a store snapshot.
func DecodeDocument(snap docstore.Snapshot) Document {
	doc := Document{
		Key:             snap.Key,
		Exists:          snap.Exists,
		Version:         snap.Version,
		Answers:         map[string]docstore.Value{},
		Submitted:       map[string]bool{},
		Approvals:       map[string]bool{},
		ApprovedAnswers: map[string]docstore.Value{},
		History:         map[steps.StepID]StepRecord{},
	}
	if !snap.Exists {
		return doc
	}
	data := snap.Data
	doc.data = docstore.CloneMap(data)
	if s, ok := data[FieldStep].AsString(); ok {
		doc.Step = steps.StepID(s)
	}
	if n, ok := data[FieldStepIndex].AsInt(); ok {
		doc.StepIndex = int(n)
	}
	if s, ok := data[FieldPhase].AsString(); ok {
		doc.Phase = Phase(s)
	}
	doc.Answers = valueMap(data[FieldAnswers])
	doc.ApprovedAnswers = valueMap(data[FieldApprovedAnswers])
	doc.Submitted = boolMap(data[FieldSubmitted])
	doc.Approvals = boolMap(data[FieldApprovals])
	doc.CreatedAt, _ = data[FieldCreatedAt].AsTime()
	doc.UpdatedAt, _ = data[FieldUpdatedAt].AsTime()
	doc.CompletedAt, _ = data[FieldCompletedAt].AsTime()

	if history, ok := data[FieldHistory].AsMap(); ok {
		for step, raw := range history {
			doc.History[steps.StepID(step)] = decodeStepRecord(raw)
		}
	}
	return doc
}

func decodeStepRecord(v docstore.Value) StepRecord {
	rec := StepRecord{}
	answers, _ := v.Get(FieldAnswers)
	approved, _ := v.Get(FieldApprovedAnswers)
	completed, _ := v.Get(FieldCompletedAt)
	rec.Answers = valueMap(answers)
	rec.ApprovedAnswers = valueMap(approved)
	rec.CompletedAt, _ = completed.AsTime()
	return rec
}

func (r StepRecord) value() docstore.Value {
	completed := docstore.Null()
	if !r.CompletedAt.IsZero() {
		completed = docstore.Timestamp(r.CompletedAt)
	}
	return docstore.Map(map[string]docstore.Value{
		FieldAnswers:         docstore.Map(docstore.CloneMap(r.Answers)),
		FieldApprovedAnswers: docstore.Map(docstore.CloneMap(r.ApprovedAnswers)),
		FieldCompletedAt:     completed,
	})
}

func valueMap(v docstore.Value) map[string]docstore.Value {
	m, ok := v.AsMap()
	if !ok {
		return map[string]docstore.Value{}
	}
	return docstore.CloneMap(m)
}

func boolMap(v docstore.Value) map[string]bool {
	out := map[string]bool{}
	m, _ := v.AsMap()
	for k, item := range m {
		if b, ok := item.AsBool(); ok {
			out[k] = b
		}
	}
	return out
}

// raw returns the stored fields the document was decoded from.
func (d Document) raw() map[string]docstore.Value {
	return docstore.CloneMap(d.data)
}

// Others lists, in lexical order, every uid other than userID that appears
// in the active step's answers, submitted, or approvals.
func (d Document) Others(userID string) []string {
	seen := map[string]struct{}{}
	for uid := range d.Answers {
		seen[uid] = struct{}{}
	}
	for uid := range d.Submitted {
		seen[uid] = struct{}{}
	}
	for uid := range d.Approvals {
		seen[uid] = struct{}{}
	}
	delete(seen, userID)
	out := make([]string, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// Partner returns the single other participant visible in the document. It
// returns "" when the partner has not written yet and ErrTooManyParticipants
// when more than one other uid is present.
func (d Document) Partner(userID string) (string, error) {
	others := d.Others(userID)
	switch len(others) {
	case 0:
		return "", nil
	case 1:
		return others[0], nil
	default:
		return "", ErrTooManyParticipants
	}
}

// Answer returns uid's current proposal.
func (d Document) Answer(uid string) (docstore.Value, bool) {
	v, ok := d.Answers[uid]
	return v, ok
}
