package docstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidKey         = errors.New("docstore: invalid key")
	ErrInvalidPath        = errors.New("docstore: invalid field path")
	ErrInvalidValue       = errors.New("docstore: invalid value")
	ErrNotFound           = errors.New("docstore: document not found")
	ErrPreconditionFailed = errors.New("docstore: precondition failed")
	ErrUnavailable        = errors.New("docstore: store unavailable")
	ErrClosed             = errors.New("docstore: store closed")
)

// Fields is a merge-write payload keyed by dotted field path
// (for example "answers.<uid>"). Each path replaces the whole value at its leaf.
type Fields map[string]Value

// Precondition guards a merge write on the current value at Path.
type Precondition struct {
	Path   string
	Equals Value
}

// FieldEquals builds a precondition requiring path to hold v.
func FieldEquals(path string, v Value) Precondition {
	return Precondition{Path: path, Equals: v}
}

// Snapshot is the full state of one document at one version.
type Snapshot struct {
	Key        string
	Exists     bool
	Data       map[string]Value
	Version    int64
	UpdateTime time.Time
}

// Field looks up a dotted path inside the snapshot data.
func (s Snapshot) Field(path string) (Value, bool) {
	return lookup(s.Data, path)
}

// Clone returns a snapshot whose data shares nothing with s.
func (s Snapshot) Clone() Snapshot {
	if s.Data != nil {
		s.Data = CloneMap(s.Data)
	}
	return s
}

// Handle identifies one subscription.
type Handle struct {
	Key string
	ID  uuid.UUID
}

func (h Handle) Valid() bool {
	return h.ID != uuid.Nil
}

// Listener receives full-state snapshots. A non-nil error reports a failed
// delivery attempt; the subscription stays active.
type Listener func(Snapshot, error)

// Store is the document store boundary consumed by the setup engine.
type Store interface {
	// Get returns the current snapshot; Exists is false when absent.
	Get(ctx context.Context, key string) (Snapshot, error)
	// Create initializes key with initial when absent. It reports whether
	// this call created the document; an existing document is not an error.
	Create(ctx context.Context, key string, initial Fields) (bool, error)
	// MergeWrite applies fields atomically when every precondition holds.
	MergeWrite(ctx context.Context, key string, fields Fields, preconditions ...Precondition) error
	// Subscribe delivers the current snapshot and every later change.
	Subscribe(key string, fn Listener) (Handle, error)
	// Unsubscribe releases a subscription. Unknown handles are ignored.
	Unsubscribe(h Handle)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" || key != strings.TrimSpace(key) {
		return ErrInvalidKey
	}
	return nil
}

func checkPreconditions(data map[string]Value, preconditions []Precondition) error {
	for _, pre := range preconditions {
		current, ok := lookup(data, pre.Path)
		if !ok {
			current = Null()
		}
		if !current.Equal(pre.Equals) {
			return ErrPreconditionFailed
		}
	}
	return nil
}
