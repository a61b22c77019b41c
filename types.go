package credledger

import (
	"time"

	"github.com/MrEthical07/credledger/jwt"
)

// RegisterRequest describes a new identity. Email is optional; Username
// and Email share one case-insensitive login namespace.
type RegisterRequest struct {
	Username string
	Email    string
	Password string
	TenantID string
	Roles    []string
}

// TokenPair is what a client holds after Register, Login or Refresh.
// RefreshToken is an opaque secret and the only copy of it.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Claims is the identity resolved from a valid access token.
type Claims = jwt.Claims

// PruneReport counts the records removed by PruneExpired.
type PruneReport struct {
	Refresh int
	Reset   int
}
