package reset

import "errors"

var (
	// ErrInvalid means the presented secret is malformed or unknown.
	ErrInvalid = errors.New("reset token invalid")
	// ErrAlreadyRedeemed means the token was used before.
	ErrAlreadyRedeemed = errors.New("reset token already redeemed")
	// ErrExpired means the token outlived its TTL unused.
	ErrExpired = errors.New("reset token expired")

	// ErrDuplicate is returned by stores when an id or hash already exists.
	ErrDuplicate = errors.New("reset record already exists")
	// ErrStoreUnavailable wraps backend failures.
	ErrStoreUnavailable = errors.New("reset store unavailable")
)
