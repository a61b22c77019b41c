package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/credledger/identity"
	"github.com/MrEthical07/credledger/refresh"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureInvalid
	RefreshFailureRevoked
	RefreshFailureReuse
	RefreshFailureExpired
	RefreshFailureIdentityGone
	RefreshFailureIssueAccess
	RefreshFailureStore
)

// RefreshResult carries the rotation or failure metadata. Rotation.Previous
// is populated for revoked, reused and expired presentations.
type RefreshResult struct {
	Failure  RefreshFailureKind
	Err      error
	Rotation refresh.Rotation
}

type RefreshLedger interface {
	Rotate(ctx context.Context, secret string) (refresh.Rotation, error)
}

// RefreshDeps captures refresh flow dependencies. The ledger must be
// configured with a MintFunc so the access token is issued inside Rotate.
type RefreshDeps struct {
	Ledger RefreshLedger
}

// RunRefresh rotates the presented secret.
func RunRefresh(ctx context.Context, secret string, deps RefreshDeps) RefreshResult {
	rotation, err := deps.Ledger.Rotate(ctx, secret)
	if err == nil {
		return RefreshResult{Rotation: rotation}
	}

	result := RefreshResult{Err: err, Rotation: rotation}
	switch {
	case errors.Is(err, refresh.ErrInvalid):
		result.Failure = RefreshFailureInvalid
	case errors.Is(err, refresh.ErrRevoked):
		result.Failure = RefreshFailureRevoked
	case errors.Is(err, refresh.ErrReuseDetected):
		result.Failure = RefreshFailureReuse
	case errors.Is(err, refresh.ErrExpired):
		result.Failure = RefreshFailureExpired
	case errors.Is(err, identity.ErrNotFound):
		result.Failure = RefreshFailureIdentityGone
	case errors.Is(err, refresh.ErrStoreUnavailable), errors.Is(err, identity.ErrStoreUnavailable):
		result.Failure = RefreshFailureStore
	default:
		result.Failure = RefreshFailureIssueAccess
	}
	return result
}
