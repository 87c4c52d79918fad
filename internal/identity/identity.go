// Package identity owns participant identity and role resolution for a pairing.
//
// Authentication is out of scope: the current user arrives on the context
// from the transport boundary.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNoUser           = errors.New("identity: no current user")
	ErrUnknownPairing   = errors.New("identity: unknown pairing")
	ErrInvalidPairing   = errors.New("identity: invalid pairing")
	ErrDuplicatePairing = errors.New("identity: duplicate pairing")
)

// Role is a participant's fixed position within a pairing.
type Role string

const (
	RoleNone Role = ""
	RoleA    Role = "A"
	RoleB    Role = "B"
)

func (r Role) Valid() bool {
	return r == RoleA || r == RoleB
}

// Other returns the opposite role; RoleNone maps to RoleNone.
func (r Role) Other() Role {
	switch r {
	case RoleA:
		return RoleB
	case RoleB:
		return RoleA
	default:
		return RoleNone
	}
}

func (r Role) String() string {
	if r == RoleNone {
		return "none"
	}
	return string(r)
}

// Provider resolves who is acting and in which role.
type Provider interface {
	CurrentUserID(ctx context.Context) (string, bool)
	// RoleForPairing returns RoleNone when the current user is not a member.
	RoleForPairing(ctx context.Context, pairingID string) (Role, error)
}

type userKey struct{}

// WithUser attaches the acting user id to ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, strings.TrimSpace(userID))
}

// UserFromContext returns the acting user id carried by ctx.
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Pairing binds two user ids to roles A and B.
type Pairing struct {
	ID string
	A  string
	B  string
}

// Validate checks ids are present, distinct, and usable as field path segments.
func (p Pairing) Validate() error {
	for name, v := range map[string]string{"id": p.ID, "a": p.A, "b": p.B} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidPairing, name)
		}
		if strings.ContainsAny(v, "./") {
			return fmt.Errorf("%w: %s %q contains a reserved character", ErrInvalidPairing, name, v)
		}
	}
	if p.A == p.B {
		return fmt.Errorf("%w: a and b must differ", ErrInvalidPairing)
	}
	return nil
}

// RoleOf returns the role userID holds in p.
func (p Pairing) RoleOf(userID string) Role {
	switch userID {
	case p.A:
		return RoleA
	case p.B:
		return RoleB
	default:
		return RoleNone
	}
}

// Roster is a static Provider over configured pairings.
type Roster struct {
	mu       sync.RWMutex
	pairings map[string]Pairing
}

// NewRoster builds a roster; every pairing must validate and ids must be unique.
func NewRoster(pairings ...Pairing) (*Roster, error) {
	r := &Roster{pairings: make(map[string]Pairing, len(pairings))}
	for _, p := range pairings {
		if err := r.Add(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Roster) Add(p Pairing) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pairings[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePairing, p.ID)
	}
	r.pairings[p.ID] = p
	return nil
}

func (r *Roster) Pairing(id string) (Pairing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairings[id]
	return p, ok
}

// IDs lists pairing ids in lexical order.
func (r *Roster) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pairings))
	for id := range r.pairings {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Roster) CurrentUserID(ctx context.Context) (string, bool) {
	return UserFromContext(ctx)
}

func (r *Roster) RoleForPairing(ctx context.Context, pairingID string) (Role, error) {
	userID, ok := UserFromContext(ctx)
	if !ok {
		return RoleNone, ErrNoUser
	}
	p, ok := r.Pairing(pairingID)
	if !ok {
		return RoleNone, fmt.Errorf("%w: %s", ErrUnknownPairing, pairingID)
	}
	return p.RoleOf(userID), nil
}
