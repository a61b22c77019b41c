package credledger

import "errors"

var (
	// ErrInvalidCredentials covers both unknown logins and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrConflict reports a taken username or email on Register.
	ErrConflict = errors.New("identity already exists")

	// ErrUnauthorized is returned by Refresh for every rejected refresh
	// token. The specific cause is joined to it: ErrTokenMalformed,
	// ErrTokenExpired, ErrTokenRevoked or ErrTokenReuseDetected.
	ErrUnauthorized       = errors.New("unauthorized")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrTokenReuseDetected = errors.New("token reuse detected")
	ErrTokenMalformed     = errors.New("token malformed")

	// ErrUnauthenticated is returned by Authenticate for any rejected
	// access token.
	ErrUnauthenticated = errors.New("unauthenticated")

	ErrResetInvalid        = errors.New("password reset token invalid")
	ErrAlreadyRedeemed     = errors.New("password reset token already redeemed")
	ErrPasswordResetDenied = errors.New("password reset disabled")

	ErrPasswordPolicy   = errors.New("password policy violation")
	ErrPasswordReuse    = errors.New("new password equals current password")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrLoginRateLimited = errors.New("login rate limited")
	ErrResetRateLimited = errors.New("password reset rate limited")

	ErrStoreUnavailable = errors.New("credential store unavailable")
	ErrServiceNotReady  = errors.New("service not ready")
)
