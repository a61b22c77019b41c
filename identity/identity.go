// Package identity defines the identity-store port the credential service
// depends on, and an in-memory implementation of it.
//
// Identities are owned by the store. The credential core reads them to mint
// tokens and writes only the password record.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound means no identity matched the lookup.
	ErrNotFound = errors.New("identity not found")
	// ErrExists means the username or email is already taken.
	ErrExists = errors.New("identity already exists")
	// ErrStoreUnavailable wraps backend failures.
	ErrStoreUnavailable = errors.New("identity store unavailable")
)

// Identity is a principal that can hold credentials.
type Identity struct {
	ID        string
	Username  string
	Email     string
	TenantID  string
	Roles     []string
	CreatedAt time.Time
}

// Clone returns a copy that shares no slices with i.
func (i Identity) Clone() Identity {
	out := i
	out.Roles = append([]string(nil), i.Roles...)
	return out
}

// Store persists identities together with their encoded password record.
// Username and email are unique, compared case-insensitively.
type Store interface {
	// Create inserts id. An empty ID is assigned by the store. Returns
	// ErrExists on a username or email collision.
	Create(ctx context.Context, id Identity, passwordHash string) (Identity, error)
	// FindByLogin resolves a username or email.
	FindByLogin(ctx context.Context, login string) (Identity, string, error)
	FindByID(ctx context.Context, id string) (Identity, string, error)
	// UpdatePasswordHash replaces the password record of id.
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
}

// NormalizeLogin folds a username or email for uniqueness checks.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}
