package refresh

import "errors"

var (
	// ErrInvalid means the presented secret is malformed or unknown.
	ErrInvalid = errors.New("refresh token invalid")
	// ErrRevoked means the token was explicitly revoked.
	ErrRevoked = errors.New("refresh token revoked")
	// ErrReuseDetected means an already rotated token was presented again.
	// Every successor has been revoked by the time this is returned.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrExpired means the token reached its expiry without being used.
	ErrExpired = errors.New("refresh token expired")

	// ErrNotFound is returned by stores for lookups that match nothing.
	ErrNotFound = errors.New("refresh record not found")
	// ErrDuplicate is returned by stores when a record id or hash already exists.
	ErrDuplicate = errors.New("refresh record already exists")
	// ErrStoreUnavailable wraps backend failures.
	ErrStoreUnavailable = errors.New("refresh store unavailable")
)
