package refresh

import "time"

// State is the derived lifecycle state of a Record.
type State int

const (
	StateActive State = iota
	StateRotated
	StateRevoked
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRotated:
		return "rotated"
	case StateRevoked:
		return "revoked"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Record is the persisted form of a refresh token.
type Record struct {
	ID         string
	IdentityID string
	SecretHash [32]byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

// StateAt derives the record's state at now. Revocation wins over expiry.
func (r Record) StateAt(now time.Time) State {
	if r.RevokedAt != nil {
		if r.ReplacedBy != "" {
			return StateRotated
		}
		return StateRevoked
	}
	if !now.Before(r.ExpiresAt) {
		return StateExpired
	}
	return StateActive
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	if r.RevokedAt != nil {
		revokedAt := *r.RevokedAt
		out.RevokedAt = &revokedAt
	}
	return out
}
