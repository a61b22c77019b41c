package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/credledger/identity"
)

// PasswordChangeFailureKind classifies password change failures.
type PasswordChangeFailureKind int

const (
	PasswordChangeFailureNone PasswordChangeFailureKind = iota
	PasswordChangeFailurePolicy
	PasswordChangeFailureReuse
	PasswordChangeFailureUnknownIdentity
	PasswordChangeFailureBadPassword
	PasswordChangeFailureHash
	PasswordChangeFailureStore
)

type PasswordChangeResult struct {
	Failure  PasswordChangeFailureKind
	Err      error
	Identity identity.Identity
	// Revoked counts refresh tokens revoked after the change.
	Revoked int
}

// PasswordDeps captures password change dependencies. RevokeIdentity is
// called after a successful change so other devices must log in again.
type PasswordDeps struct {
	Identities     IdentityStore
	Hasher         PasswordHasher
	Policy         PasswordPolicy
	RevokeIdentity func(ctx context.Context, identityID string) (int, error)
	Warn           func(string, ...any)
}

// RunChangePassword replaces the password of identityID after verifying
// the current one.
func RunChangePassword(ctx context.Context, identityID, oldPassword, newPassword string, deps PasswordDeps) PasswordChangeResult {
	if err := deps.Policy.Check(newPassword); err != nil {
		return PasswordChangeResult{Failure: PasswordChangeFailurePolicy, Err: err}
	}
	if oldPassword == newPassword {
		return PasswordChangeResult{Failure: PasswordChangeFailureReuse, Err: errors.New("new password equals current password")}
	}

	ident, stored, err := deps.Identities.FindByID(ctx, identityID)
	if errors.Is(err, identity.ErrNotFound) {
		return PasswordChangeResult{Failure: PasswordChangeFailureUnknownIdentity, Err: err}
	}
	if err != nil {
		return PasswordChangeResult{Failure: PasswordChangeFailureStore, Err: err}
	}
	if !deps.Hasher.Verify(oldPassword, stored) {
		return PasswordChangeResult{Failure: PasswordChangeFailureBadPassword, Err: errors.New("password mismatch"), Identity: ident}
	}

	hash, err := deps.Hasher.Hash(newPassword)
	if err != nil {
		return PasswordChangeResult{Failure: PasswordChangeFailureHash, Err: err, Identity: ident}
	}
	if err := deps.Identities.UpdatePasswordHash(ctx, identityID, hash); err != nil {
		return PasswordChangeResult{Failure: PasswordChangeFailureStore, Err: err, Identity: ident}
	}

	result := PasswordChangeResult{Identity: ident}
	if deps.RevokeIdentity != nil {
		n, err := deps.RevokeIdentity(ctx, identityID)
		if err != nil {
			warn(deps.Warn, "credledger: revoke after password change failed", "identity_id", identityID, "error", err)
		}
		result.Revoked = n
	}
	return result
}
