package flows

import (
	"strings"
	"time"

	"github.com/MrEthical07/credledger/jwt"
)

type AccessValidator interface {
	Validate(token string) (*jwt.Claims, error)
}

// AuthenticateDeps captures bearer validation dependencies.
type AuthenticateDeps struct {
	Tokens  AccessValidator
	Now     func() time.Time
	Observe func(time.Duration)
}

// RunAuthenticate resolves a bearer credential to its claims. It accepts
// the raw token or an "Authorization: Bearer" style value.
func RunAuthenticate(bearer string, deps AuthenticateDeps) (*jwt.Claims, error) {
	start := deps.Now()
	defer func() {
		if deps.Observe != nil {
			deps.Observe(deps.Now().Sub(start))
		}
	}()

	return deps.Tokens.Validate(StripBearer(bearer))
}

// StripBearer trims whitespace and a case-insensitive "Bearer " prefix.
func StripBearer(v string) string {
	v = strings.TrimSpace(v)
	const prefix = "bearer "
	if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
		v = strings.TrimSpace(v[len(prefix):])
	}
	return v
}
