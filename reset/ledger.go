package reset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/credledger/internal"
	"github.com/google/uuid"
)

// DefaultTTL is the reset token lifetime when Config.TTL is zero.
const DefaultTTL = time.Hour

// ApplyFunc performs the credential change a redeemed token authorizes.
type ApplyFunc func(ctx context.Context, identityID string) error

// Config configures a Ledger.
type Config struct {
	TTL time.Duration
	// RetainExpired keeps expired records this long before PruneExpired
	// removes them, so a late redemption still reports ErrExpired.
	RetainExpired time.Duration
	Now           func() time.Time
	// OnReleaseFailure is called when a failed apply could not be
	// compensated and the token stays consumed.
	OnReleaseFailure func(rec Record, err error)
}

// Token is a freshly issued reset token.
type Token struct {
	ID         string
	IdentityID string
	Secret     string
	ExpiresAt  time.Time
}

// Ledger issues and redeems reset tokens on top of a Store.
type Ledger struct {
	store     Store
	ttl       time.Duration
	retain    time.Duration
	now       func() time.Time
	onRelease func(Record, error)
}

// NewLedger returns a Ledger backed by store.
func NewLedger(store Store, cfg Config) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("reset: store is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < 0 {
		return nil, errors.New("reset: TTL must be positive")
	}
	if cfg.RetainExpired < 0 {
		return nil, errors.New("reset: RetainExpired must not be negative")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Ledger{
		store:     store,
		ttl:       cfg.TTL,
		retain:    cfg.RetainExpired,
		now:       cfg.Now,
		onRelease: cfg.OnReleaseFailure,
	}, nil
}

// TTL returns the configured token lifetime.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Issue creates a reset token for identityID. Existing tokens stay valid.
func (l *Ledger) Issue(ctx context.Context, identityID string) (Token, error) {
	if identityID == "" {
		return Token{}, errors.New("reset: identity id is empty")
	}

	secret, hash, err := internal.NewSecret()
	if err != nil {
		return Token{}, err
	}

	now := l.now()
	rec := Record{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		SecretHash: hash,
		CreatedAt:  now,
		ExpiresAt:  now.Add(l.ttl),
	}
	if err := l.store.Create(ctx, rec); err != nil {
		return Token{}, err
	}

	return Token{ID: rec.ID, IdentityID: identityID, Secret: secret, ExpiresAt: rec.ExpiresAt}, nil
}

// Redeem consumes secret and runs apply for its identity. apply runs at most
// once per token across all callers. When apply fails the claim is released
// and apply's error is returned. Store errors are ErrInvalid,
// ErrAlreadyRedeemed or ErrExpired.
func (l *Ledger) Redeem(ctx context.Context, secret string, apply ApplyFunc) (Record, error) {
	hash, err := internal.HashSecret(secret)
	if err != nil {
		return Record{}, ErrInvalid
	}

	claimedAt := l.now()
	rec, err := l.store.Claim(ctx, hash, claimedAt)
	if err != nil {
		return rec, err
	}
	if apply == nil {
		return rec, nil
	}

	if err := apply(ctx, rec.IdentityID); err != nil {
		l.release(ctx, rec, claimedAt)
		return rec, err
	}
	return rec, nil
}

func (l *Ledger) release(ctx context.Context, rec Record, claimedAt time.Time) {
	// The claim must be undone even if the caller has gone away.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	released, err := l.store.Release(releaseCtx, rec.ID, claimedAt)
	if err == nil && !released {
		err = fmt.Errorf("reset: claim on %s no longer held", rec.ID)
	}
	if err != nil && l.onRelease != nil {
		l.onRelease(rec, err)
	}
}

// PruneExpired deletes records that expired more than RetainExpired ago.
// Expiry is always checked on redemption regardless.
func (l *Ledger) PruneExpired(ctx context.Context) (int, error) {
	return l.store.PruneExpired(ctx, l.now().Add(-l.retain))
}
