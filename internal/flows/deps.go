package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/credledger/identity"
)

// Deps groups flow dependency sets. The service builds this once and
// delegates each operation to the matching flow.
type Deps struct {
	Register     RegisterDeps
	Login        LoginDeps
	Refresh      RefreshDeps
	Logout       LogoutDeps
	Authenticate AuthenticateDeps
	Password     PasswordDeps
	Reset        ResetDeps
}

// IdentityStore is the subset of identity.Store the flows use.
type IdentityStore interface {
	Create(ctx context.Context, id identity.Identity, passwordHash string) (identity.Identity, error)
	FindByLogin(ctx context.Context, login string) (identity.Identity, string, error)
	FindByID(ctx context.Context, id string) (identity.Identity, string, error)
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
}

// PasswordHasher hashes and verifies stored password records.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, encoded string) bool
	NeedsUpgrade(encoded string) (bool, error)
}

// PasswordPolicy bounds acceptable new passwords.
type PasswordPolicy struct {
	MinLength int
	MaxBytes  int
}

var (
	errPasswordTooShort = errors.New("password too short")
	errPasswordTooLong  = errors.New("password too long")
)

// Check returns nil when plaintext is acceptable.
func (p PasswordPolicy) Check(plaintext string) error {
	if len([]rune(plaintext)) < p.MinLength || plaintext == "" {
		return errPasswordTooShort
	}
	if p.MaxBytes > 0 && len(plaintext) > p.MaxBytes {
		return errPasswordTooLong
	}
	return nil
}

func warn(fn func(string, ...any), msg string, args ...any) {
	if fn != nil {
		fn(msg, args...)
	}
}
