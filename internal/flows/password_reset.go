package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/credledger/identity"
	"github.com/MrEthical07/credledger/internal/rate"
	"github.com/MrEthical07/credledger/reset"
)

// ResetFailureKind classifies password reset failures for root-level mapping.
type ResetFailureKind int

const (
	ResetFailureNone ResetFailureKind = iota
	ResetFailureDisabled
	ResetFailureRateLimited
	ResetFailureUnknownIdentity
	ResetFailurePasswordPolicy
	ResetFailureInvalid
	ResetFailureAlreadyRedeemed
	ResetFailureExpired
	ResetFailureHash
	ResetFailureApply
	ResetFailureStore
)

type ResetLedger interface {
	Issue(ctx context.Context, identityID string) (reset.Token, error)
	Redeem(ctx context.Context, secret string, apply reset.ApplyFunc) (reset.Record, error)
}

type ResetLimiter interface {
	AllowResetRequest(ctx context.Context, login string) error
}

// ResetDeps captures password reset dependencies. Limiter is nil when
// throttling is disabled.
type ResetDeps struct {
	Enabled        bool
	Identities     IdentityStore
	Hasher         PasswordHasher
	Policy         PasswordPolicy
	Ledger         ResetLedger
	Limiter        ResetLimiter
	RevokeIdentity func(ctx context.Context, identityID string) (int, error)
	Warn           func(string, ...any)
}

// ResetRequestResult carries the issued token. Token is zero for unknown
// identities, which callers must not distinguish from success.
type ResetRequestResult struct {
	Failure    ResetFailureKind
	Err        error
	IdentityID string
	TenantID   string
	Token      reset.Token
}

// RunRequestPasswordReset issues a reset token for the identity found by
// username or email.
func RunRequestPasswordReset(ctx context.Context, login string, deps ResetDeps) ResetRequestResult {
	if !deps.Enabled {
		return ResetRequestResult{Failure: ResetFailureDisabled, Err: errors.New("password reset disabled")}
	}

	key := identity.NormalizeLogin(login)
	if key == "" {
		return ResetRequestResult{Failure: ResetFailureUnknownIdentity, Err: identity.ErrNotFound}
	}

	if deps.Limiter != nil {
		if err := deps.Limiter.AllowResetRequest(ctx, key); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				return ResetRequestResult{Failure: ResetFailureRateLimited, Err: err}
			}
			return ResetRequestResult{Failure: ResetFailureStore, Err: err}
		}
	}

	ident, _, err := deps.Identities.FindByLogin(ctx, key)
	if errors.Is(err, identity.ErrNotFound) {
		return ResetRequestResult{Failure: ResetFailureUnknownIdentity, Err: err}
	}
	if err != nil {
		return ResetRequestResult{Failure: ResetFailureStore, Err: err}
	}

	token, err := deps.Ledger.Issue(ctx, ident.ID)
	if err != nil {
		return ResetRequestResult{Failure: ResetFailureStore, Err: err, IdentityID: ident.ID, TenantID: ident.TenantID}
	}
	return ResetRequestResult{IdentityID: ident.ID, TenantID: ident.TenantID, Token: token}
}

// ResetConfirmResult reports a confirmation outcome.
type ResetConfirmResult struct {
	Failure ResetFailureKind
	Err     error
	Record  reset.Record
	Revoked int
}

// RunConfirmPasswordReset redeems secret and sets the new password. The
// password is checked and hashed before the token is claimed, so a policy
// failure leaves the token usable.
func RunConfirmPasswordReset(ctx context.Context, secret, newPassword string, deps ResetDeps) ResetConfirmResult {
	if !deps.Enabled {
		return ResetConfirmResult{Failure: ResetFailureDisabled, Err: errors.New("password reset disabled")}
	}
	if err := deps.Policy.Check(newPassword); err != nil {
		return ResetConfirmResult{Failure: ResetFailurePasswordPolicy, Err: err}
	}

	hash, err := deps.Hasher.Hash(newPassword)
	if err != nil {
		return ResetConfirmResult{Failure: ResetFailureHash, Err: err}
	}

	var applyErr error
	rec, err := deps.Ledger.Redeem(ctx, secret, func(ctx context.Context, identityID string) error {
		applyErr = deps.Identities.UpdatePasswordHash(ctx, identityID, hash)
		return applyErr
	})
	if err != nil {
		result := ResetConfirmResult{Err: err, Record: rec}
		switch {
		case applyErr != nil:
			result.Failure = ResetFailureApply
		case errors.Is(err, reset.ErrInvalid):
			result.Failure = ResetFailureInvalid
		case errors.Is(err, reset.ErrAlreadyRedeemed):
			result.Failure = ResetFailureAlreadyRedeemed
		case errors.Is(err, reset.ErrExpired):
			result.Failure = ResetFailureExpired
		default:
			result.Failure = ResetFailureStore
		}
		return result
	}

	result := ResetConfirmResult{Record: rec}
	if deps.RevokeIdentity != nil {
		n, err := deps.RevokeIdentity(ctx, rec.IdentityID)
		if err != nil {
			warn(deps.Warn, "credledger: revoke after password reset failed", "identity_id", rec.IdentityID, "error", err)
		}
		result.Revoked = n
	}
	return result
}
