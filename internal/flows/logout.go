package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/credledger/refresh"
)

type LogoutLedger interface {
	Lookup(ctx context.Context, secret string) (refresh.Record, error)
	RevokeSecret(ctx context.Context, secret string) (bool, error)
	RevokeIdentity(ctx context.Context, identityID string) (int, error)
}

// LogoutDeps captures logout dependencies.
type LogoutDeps struct {
	Ledger LogoutLedger
}

// LogoutResult reports which token was presented. Record is zero when the
// secret was unknown; Revoked is set only when this call revoked it.
type LogoutResult struct {
	Err     error
	Record  refresh.Record
	Revoked bool
}

// RunLogout revokes the refresh token behind secret. Unknown or malformed
// secrets are not an error.
func RunLogout(ctx context.Context, secret string, deps LogoutDeps) LogoutResult {
	rec, err := deps.Ledger.Lookup(ctx, secret)
	if errors.Is(err, refresh.ErrInvalid) {
		return LogoutResult{}
	}
	if err != nil {
		return LogoutResult{Err: err}
	}

	revoked, err := deps.Ledger.RevokeSecret(ctx, secret)
	if err != nil && !errors.Is(err, refresh.ErrInvalid) {
		return LogoutResult{Err: err, Record: rec}
	}
	return LogoutResult{Record: rec, Revoked: revoked}
}

// RunLogoutAll revokes every outstanding refresh token of identityID.
func RunLogoutAll(ctx context.Context, identityID string, deps LogoutDeps) (int, error) {
	if identityID == "" {
		return 0, errors.New("identity id is empty")
	}
	return deps.Ledger.RevokeIdentity(ctx, identityID)
}
