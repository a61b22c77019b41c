package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/credledger/identity"
	"github.com/MrEthical07/credledger/internal/rate"
)

// LoginFailureKind classifies login failures for root-level mapping.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailureEmptyInput
	LoginFailureRateLimited
	LoginFailureLimiterUnavailable
	LoginFailureUnknownIdentity
	LoginFailureBadPassword
	LoginFailureStore
)

// LoginResult carries the authenticated identity or failure metadata.
type LoginResult struct {
	Failure  LoginFailureKind
	Err      error
	Login    string
	Identity identity.Identity
	Rehashed bool
}

type LoginLimiter interface {
	CheckLogin(ctx context.Context, login, ip string) error
	RecordLoginFailure(ctx context.Context, login, ip string) error
	ResetLogin(ctx context.Context, login string) error
}

// LoginDeps captures login dependencies. Limiter is nil when throttling is
// disabled.
type LoginDeps struct {
	Identities     IdentityStore
	Hasher         PasswordHasher
	DummyHash      string
	UpgradeOnLogin bool
	Limiter        LoginLimiter
	ClientIP       func(context.Context) string
	Warn           func(string, ...any)
}

// RunLogin verifies a password against the identity found by username or
// email. Unknown logins run a verify against DummyHash so both failure
// kinds cost the same.
func RunLogin(ctx context.Context, login, password string, deps LoginDeps) LoginResult {
	key := identity.NormalizeLogin(login)
	if key == "" || password == "" {
		return LoginResult{Failure: LoginFailureEmptyInput, Err: errors.New("empty login or password"), Login: key}
	}

	ip := ""
	if deps.ClientIP != nil {
		ip = deps.ClientIP(ctx)
	}

	if deps.Limiter != nil {
		if err := deps.Limiter.CheckLogin(ctx, key, ip); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				return LoginResult{Failure: LoginFailureRateLimited, Err: err, Login: key}
			}
			return LoginResult{Failure: LoginFailureLimiterUnavailable, Err: err, Login: key}
		}
	}

	ident, hash, err := deps.Identities.FindByLogin(ctx, key)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			return LoginResult{Failure: LoginFailureStore, Err: err, Login: key}
		}
		_ = deps.Hasher.Verify(password, deps.DummyHash)
		recordLoginFailure(ctx, deps, key, ip)
		return LoginResult{Failure: LoginFailureUnknownIdentity, Err: err, Login: key}
	}

	if !deps.Hasher.Verify(password, hash) {
		recordLoginFailure(ctx, deps, key, ip)
		return LoginResult{Failure: LoginFailureBadPassword, Err: errors.New("password mismatch"), Login: key, Identity: ident}
	}

	if deps.Limiter != nil {
		if err := deps.Limiter.ResetLogin(ctx, key); err != nil {
			warn(deps.Warn, "credledger: login throttle reset failed", "error", err)
		}
	}

	result := LoginResult{Login: key, Identity: ident}
	if deps.UpgradeOnLogin {
		result.Rehashed = upgradeHash(ctx, deps, ident.ID, password, hash)
	}
	return result
}

func recordLoginFailure(ctx context.Context, deps LoginDeps, login, ip string) {
	if deps.Limiter == nil {
		return
	}
	if err := deps.Limiter.RecordLoginFailure(ctx, login, ip); err != nil {
		warn(deps.Warn, "credledger: login throttle record failed", "error", err)
	}
}

// upgradeHash rewrites the stored hash at the current cost. Failure never
// fails the login.
func upgradeHash(ctx context.Context, deps LoginDeps, identityID, password, stored string) bool {
	needs, err := deps.Hasher.NeedsUpgrade(stored)
	if err != nil || !needs {
		return false
	}

	upgraded, err := deps.Hasher.Hash(password)
	if err != nil {
		warn(deps.Warn, "credledger: password rehash failed", "identity_id", identityID, "error", err)
		return false
	}
	if err := deps.Identities.UpdatePasswordHash(ctx, identityID, upgraded); err != nil {
		warn(deps.Warn, "credledger: password rehash write failed", "identity_id", identityID, "error", err)
		return false
	}
	return true
}
