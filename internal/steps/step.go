package steps

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownStep     = errors.New("steps: unknown step")
	ErrEmptySequence   = errors.New("steps: empty sequence")
	ErrDuplicateStep   = errors.New("steps: duplicate step in sequence")
	ErrUnsupportedType = errors.New("steps: unsupported type")
	ErrInvalidPayload  = errors.New("steps: invalid payload")
)

// StepID names one negotiation step. The value is what is stored in the
// document's step field.
type StepID string

const (
	StepBlockSchedule StepID = "blockSchedule"
	StepAppSelection  StepID = "appSelection"
)

func (s StepID) String() string { return string(s) }

// Known reports whether s has a registered schema.
func (s StepID) Known() bool {
	_, ok := schemas[s]
	return ok
}

// ParseStepID accepts a stored or configured step name.
func ParseStepID(raw string) (StepID, error) {
	id := StepID(strings.TrimSpace(raw))
	if !id.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStep, raw)
	}
	return id, nil
}

// Sequence is the ordered list of steps a pairing negotiates. The position of
// a step in the sequence is its stepIndex.
type Sequence struct {
	steps []StepID
}

// DefaultSequence negotiates the schedule first, then the app selection.
func DefaultSequence() Sequence {
	return Sequence{steps: []StepID{StepBlockSchedule, StepAppSelection}}
}

func NewSequence(ids ...StepID) (Sequence, error) {
	if len(ids) == 0 {
		return Sequence{}, ErrEmptySequence
	}
	seen := make(map[StepID]struct{}, len(ids))
	out := make([]StepID, 0, len(ids))
	for _, id := range ids {
		if !id.Known() {
			return Sequence{}, fmt.Errorf("%w: %q", ErrUnknownStep, id)
		}
		if _, dup := seen[id]; dup {
			return Sequence{}, fmt.Errorf("%w: %q", ErrDuplicateStep, id)
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return Sequence{steps: out}, nil
}

// ParseSequence builds a sequence from configured step names.
func ParseSequence(names []string) (Sequence, error) {
	ids := make([]StepID, 0, len(names))
	for _, name := range names {
		id, err := ParseStepID(name)
		if err != nil {
			return Sequence{}, err
		}
		ids = append(ids, id)
	}
	return NewSequence(ids...)
}

func (s Sequence) Len() int { return len(s.steps) }

// First returns the opening step; ok is false for a zero Sequence.
func (s Sequence) First() (StepID, bool) {
	return s.At(0)
}

func (s Sequence) At(index int) (StepID, bool) {
	if index < 0 || index >= len(s.steps) {
		return "", false
	}
	return s.steps[index], true
}

// Index returns the ordinal of id, or -1.
func (s Sequence) Index(id StepID) int {
	for i, step := range s.steps {
		if step == id {
			return i
		}
	}
	return -1
}

// Next returns the step after id; ok is false at the end of the sequence or
// when id is not part of it.
func (s Sequence) Next(id StepID) (StepID, bool) {
	i := s.Index(id)
	if i < 0 {
		return "", false
	}
	return s.At(i + 1)
}

// Steps returns a copy of the ordered step list.
func (s Sequence) Steps() []StepID {
	return append([]StepID(nil), s.steps...)
}
