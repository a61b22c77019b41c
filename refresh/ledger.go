package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/credledger/internal"
	"github.com/MrEthical07/credledger/jwt"
	"github.com/google/uuid"
)

const (
	// DefaultTTL is the refresh token lifetime when Config.TTL is zero.
	DefaultTTL = 7 * 24 * time.Hour
)

// MintFunc issues the access token that accompanies a rotated refresh token.
type MintFunc func(ctx context.Context, identityID string) (jwt.AccessToken, error)

// Config configures a Ledger.
type Config struct {
	TTL time.Duration
	// RetainExpired keeps expired records around for this long before
	// PruneExpired removes them, so late presentations still report
	// ErrExpired instead of ErrInvalid.
	RetainExpired time.Duration
	// Mint, when set, is called by Rotate for the presented record's
	// identity before the rotation is committed.
	Mint MintFunc
	Now  func() time.Time
}

// Token is a freshly issued refresh token. Secret is the only copy of the
// plaintext and must be handed to the client.
type Token struct {
	ID         string
	IdentityID string
	Secret     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Rotation is the result of a successful Rotate.
type Rotation struct {
	Previous Record
	Next     Token
	// Access is set when the ledger was configured with a MintFunc.
	Access jwt.AccessToken
}

// Ledger issues, rotates and revokes refresh tokens on top of a Store.
type Ledger struct {
	store  Store
	ttl    time.Duration
	retain time.Duration
	mint   MintFunc
	now    func() time.Time
}

// NewLedger returns a Ledger backed by store.
func NewLedger(store Store, cfg Config) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("refresh: store is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < 0 {
		return nil, errors.New("refresh: TTL must be positive")
	}
	if cfg.RetainExpired < 0 {
		return nil, errors.New("refresh: RetainExpired must not be negative")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Ledger{
		store:  store,
		ttl:    cfg.TTL,
		retain: cfg.RetainExpired,
		mint:   cfg.Mint,
		now:    cfg.Now,
	}, nil
}

// TTL returns the configured token lifetime.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Issue creates an active refresh token for identityID.
func (l *Ledger) Issue(ctx context.Context, identityID string) (Token, error) {
	if identityID == "" {
		return Token{}, errors.New("refresh: identity id is empty")
	}

	rec, secret, err := l.newRecord(identityID)
	if err != nil {
		return Token{}, err
	}
	if err := l.store.Create(ctx, rec); err != nil {
		return Token{}, err
	}

	return tokenFor(rec, secret), nil
}

// Rotate consumes the presented secret and issues its successor. Errors are
// ErrInvalid, ErrRevoked, ErrReuseDetected, ErrExpired, or a store or mint
// failure. A presented token can succeed here at most once.
func (l *Ledger) Rotate(ctx context.Context, secret string) (Rotation, error) {
	presented, err := internal.HashSecret(secret)
	if err != nil {
		return Rotation{}, ErrInvalid
	}

	now := l.now()

	var access jwt.AccessToken
	if l.mint != nil {
		current, err := l.store.GetByHash(ctx, presented)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return Rotation{}, err
		case current.StateAt(now) == StateActive:
			access, err = l.mint(ctx, current.IdentityID)
			if err != nil {
				return Rotation{}, fmt.Errorf("refresh: mint access token: %w", err)
			}
		}
	}

	next, nextSecret, err := l.newRecord("")
	if err != nil {
		return Rotation{}, err
	}
	next.CreatedAt = now
	next.ExpiresAt = now.Add(l.ttl)

	res, err := l.store.Rotate(ctx, presented, next, now)
	if err != nil {
		return Rotation{}, err
	}

	switch res.Outcome {
	case OutcomeRotated:
	case OutcomeNotFound:
		return Rotation{}, ErrInvalid
	case OutcomeRevoked:
		return Rotation{Previous: res.Presented}, ErrRevoked
	case OutcomeReuseDetected:
		return Rotation{Previous: res.Presented}, ErrReuseDetected
	case OutcomeExpired:
		return Rotation{Previous: res.Presented}, ErrExpired
	default:
		return Rotation{}, fmt.Errorf("refresh: unexpected rotate outcome %d", res.Outcome)
	}

	next.IdentityID = res.Presented.IdentityID
	rotation := Rotation{
		Previous: res.Presented,
		Next:     tokenFor(next, nextSecret),
		Access:   access,
	}

	if l.mint != nil && access.Token == "" {
		// Pre-read saw a non-active record but the rotation committed.
		rotation.Access, err = l.mint(ctx, res.Presented.IdentityID)
		if err != nil {
			return rotation, fmt.Errorf("refresh: mint access token: %w", err)
		}
	}

	return rotation, nil
}

// Revoke marks the token with the given id revoked and reports whether
// this call changed it. Revoking an already revoked or rotated token is a
// no-op. Unknown ids yield ErrInvalid.
func (l *Ledger) Revoke(ctx context.Context, tokenID string) (bool, error) {
	changed, err := l.store.RevokeByID(ctx, tokenID, l.now())
	if errors.Is(err, ErrNotFound) {
		return false, ErrInvalid
	}
	return changed, err
}

// RevokeSecret is Revoke addressed by the plaintext secret.
func (l *Ledger) RevokeSecret(ctx context.Context, secret string) (bool, error) {
	hash, err := internal.HashSecret(secret)
	if err != nil {
		return false, ErrInvalid
	}

	changed, err := l.store.RevokeByHash(ctx, hash, l.now())
	if errors.Is(err, ErrNotFound) {
		return false, ErrInvalid
	}
	return changed, err
}

// RevokeIdentity revokes every outstanding token of identityID.
func (l *Ledger) RevokeIdentity(ctx context.Context, identityID string) (int, error) {
	return l.store.RevokeIdentity(ctx, identityID, l.now())
}

// Lookup returns the record behind secret without changing it.
func (l *Ledger) Lookup(ctx context.Context, secret string) (Record, error) {
	hash, err := internal.HashSecret(secret)
	if err != nil {
		return Record{}, ErrInvalid
	}

	rec, err := l.store.GetByHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return Record{}, ErrInvalid
	}
	return rec, err
}

// PruneExpired deletes records that expired more than RetainExpired ago.
// It never changes whether any token is accepted.
func (l *Ledger) PruneExpired(ctx context.Context) (int, error) {
	return l.store.PruneExpired(ctx, l.now().Add(-l.retain))
}

func (l *Ledger) newRecord(identityID string) (Record, string, error) {
	secret, hash, err := internal.NewSecret()
	if err != nil {
		return Record{}, "", err
	}

	now := l.now()
	return Record{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		SecretHash: hash,
		CreatedAt:  now,
		ExpiresAt:  now.Add(l.ttl),
	}, secret, nil
}

func tokenFor(rec Record, secret string) Token {
	return Token{
		ID:         rec.ID,
		IdentityID: rec.IdentityID,
		Secret:     secret,
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
	}
}
