package reset

import (
	"context"
	"time"
)

// Record is the persisted form of a reset token.
type Record struct {
	ID         string
	IdentityID string
	SecretHash [32]byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RedeemedAt *time.Time
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	if r.RedeemedAt != nil {
		redeemedAt := *r.RedeemedAt
		out.RedeemedAt = &redeemedAt
	}
	return out
}

// Store persists reset records. Implementations must be safe for concurrent
// use and store times with at least millisecond precision.
type Store interface {
	Create(ctx context.Context, rec Record) error

	// Claim atomically checks and redeems the record for hash:
	// ErrInvalid when absent, ErrAlreadyRedeemed when RedeemedAt is set,
	// ErrExpired when ExpiresAt <= now, else RedeemedAt = now. The returned
	// record reflects the state before the claim.
	Claim(ctx context.Context, hash [32]byte, now time.Time) (Record, error)

	// Release clears RedeemedAt for id only if it still equals claimedAt
	// (compared at millisecond precision). It reports whether it did.
	Release(ctx context.Context, id string, claimedAt time.Time) (bool, error)

	// PruneExpired deletes records with ExpiresAt <= before.
	PruneExpired(ctx context.Context, before time.Time) (int, error)
}
