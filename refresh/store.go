package refresh

import (
	"context"
	"time"
)

// Outcome is the decision a Store made for a rotation attempt.
type Outcome int

const (
	OutcomeRotated Outcome = iota + 1
	OutcomeNotFound
	OutcomeRevoked
	OutcomeReuseDetected
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRotated:
		return "rotated"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeRevoked:
		return "revoked"
	case OutcomeReuseDetected:
		return "reuse_detected"
	case OutcomeExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// RotateResult describes what Store.Rotate did.
type RotateResult struct {
	Outcome Outcome
	// Presented is the record as it was before the transition. Zero for
	// OutcomeNotFound.
	Presented Record
	// ChainRevoked counts successors revoked by reuse detection.
	ChainRevoked int
}

// Store persists refresh records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Create inserts an active record. Returns ErrDuplicate when the id or
	// hash is already present.
	Create(ctx context.Context, rec Record) error

	// Rotate runs the rotation state machine for the record whose hash is
	// presented, as one indivisible step:
	//
	//   - no record: OutcomeNotFound
	//   - revoked without successor: OutcomeRevoked
	//   - rotated: revoke every record reachable through ReplacedBy,
	//     OutcomeReuseDetected
	//   - ExpiresAt <= now: OutcomeExpired
	//   - otherwise mark it revoked at now with ReplacedBy = next.ID, insert
	//     next (IdentityID copied from the presented record), OutcomeRotated
	//
	// At most one concurrent caller can observe OutcomeRotated for a record.
	Rotate(ctx context.Context, presented [32]byte, next Record, now time.Time) (RotateResult, error)

	// RevokeByID and RevokeByHash set RevokedAt on an active or expired
	// record. They report whether the record changed; ErrNotFound when absent.
	RevokeByID(ctx context.Context, id string, now time.Time) (bool, error)
	RevokeByHash(ctx context.Context, hash [32]byte, now time.Time) (bool, error)

	// RevokeIdentity revokes every unrevoked record of identityID and returns
	// how many changed.
	RevokeIdentity(ctx context.Context, identityID string, now time.Time) (int, error)

	// GetByHash returns the record for hash or ErrNotFound.
	GetByHash(ctx context.Context, hash [32]byte) (Record, error)

	// PruneExpired deletes records with ExpiresAt <= before and returns how
	// many were removed. A rotated record is kept while its ReplacedBy
	// successor is still stored, so pruning never turns a reuse into an
	// unknown token.
	PruneExpired(ctx context.Context, before time.Time) (int, error)
}
