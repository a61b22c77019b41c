// Package resettest holds a conformance suite shared by every reset.Store
// implementation.
package resettest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/credledger/reset"
)

// Base is the reference instant used by the suite.
var Base = time.UnixMilli(1_700_000_000_000).UTC()

// NewRecord returns an unredeemed record with a random hash.
func NewRecord(t testing.TB, id, identityID string, createdAt time.Time, ttl time.Duration) reset.Record {
	t.Helper()

	var hash [32]byte
	if _, err := rand.Read(hash[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return reset.Record{
		ID:         id,
		IdentityID: identityID,
		SecretHash: hash,
		CreatedAt:  createdAt,
		ExpiresAt:  createdAt.Add(ttl),
	}
}

// Run exercises store semantics against stores produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) reset.Store) {
	t.Run("ClaimOnce", func(t *testing.T) { testClaimOnce(t, newStore(t)) })
	t.Run("ClaimUnknown", func(t *testing.T) { testClaimUnknown(t, newStore(t)) })
	t.Run("ClaimExpired", func(t *testing.T) { testClaimExpired(t, newStore(t)) })
	t.Run("ReleaseCompareAndSet", func(t *testing.T) { testReleaseCompareAndSet(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("PruneExpired", func(t *testing.T) { testPruneExpired(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
}

func mustCreate(t *testing.T, store reset.Store, rec reset.Record) {
	t.Helper()
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create(%s): %v", rec.ID, err)
	}
}

func testClaimOnce(t *testing.T, store reset.Store) {
	ctx := context.Background()
	rec := NewRecord(t, "p0", "user-1", Base, time.Hour)
	mustCreate(t, store, rec)

	now := Base.Add(time.Minute)
	got, err := store.Claim(ctx, rec.SecretHash, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got.ID != "p0" || got.IdentityID != "user-1" || got.RedeemedAt != nil {
		t.Fatalf("unexpected pre-claim record: %+v", got)
	}
	if !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Fatalf("expected expiry %v, got %v", rec.ExpiresAt, got.ExpiresAt)
	}

	again, err := store.Claim(ctx, rec.SecretHash, now.Add(time.Second))
	if !errors.Is(err, reset.ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
	}
	if again.RedeemedAt == nil || !again.RedeemedAt.Equal(now) {
		t.Fatalf("expected redeemedAt=%v, got %v", now, again.RedeemedAt)
	}
}

func testClaimUnknown(t *testing.T, store reset.Store) {
	rec := NewRecord(t, "ghost", "user-1", Base, time.Hour)
	if _, err := store.Claim(context.Background(), rec.SecretHash, Base); !errors.Is(err, reset.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	released, err := store.Release(context.Background(), "ghost", Base)
	if err != nil || released {
		t.Fatalf("expected no-op release for unknown id: released=%v err=%v", released, err)
	}
}

func testClaimExpired(t *testing.T, store reset.Store) {
	ctx := context.Background()
	rec := NewRecord(t, "p0", "user-1", Base, time.Hour)
	mustCreate(t, store, rec)

	if _, err := store.Claim(ctx, rec.SecretHash, rec.ExpiresAt); !errors.Is(err, reset.ErrExpired) {
		t.Fatalf("expected ErrExpired at ExpiresAt, got %v", err)
	}
	if _, err := store.Claim(ctx, rec.SecretHash, rec.ExpiresAt.Add(-time.Millisecond)); err != nil {
		t.Fatalf("expected a claim just before expiry, got %v", err)
	}
}

func testReleaseCompareAndSet(t *testing.T, store reset.Store) {
	ctx := context.Background()
	rec := NewRecord(t, "p0", "user-1", Base, time.Hour)
	mustCreate(t, store, rec)

	claimedAt := Base.Add(time.Minute)
	if _, err := store.Claim(ctx, rec.SecretHash, claimedAt); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	released, err := store.Release(ctx, "p0", claimedAt.Add(time.Second))
	if err != nil || released {
		t.Fatalf("expected mismatched claim time to keep the claim: released=%v err=%v", released, err)
	}
	released, err = store.Release(ctx, "p0", claimedAt)
	if err != nil || !released {
		t.Fatalf("expected release: released=%v err=%v", released, err)
	}
	released, err = store.Release(ctx, "p0", claimedAt)
	if err != nil || released {
		t.Fatalf("expected second release to be a no-op: released=%v err=%v", released, err)
	}

	if _, err := store.Claim(ctx, rec.SecretHash, claimedAt.Add(time.Minute)); err != nil {
		t.Fatalf("expected reclaim after release, got %v", err)
	}
}

func testCreateDuplicate(t *testing.T, store reset.Store) {
	rec := NewRecord(t, "p0", "user-1", Base, time.Hour)
	mustCreate(t, store, rec)
	if err := store.Create(context.Background(), rec); !errors.Is(err, reset.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func testPruneExpired(t *testing.T, store reset.Store) {
	ctx := context.Background()
	short := NewRecord(t, "short", "user-1", Base, time.Minute)
	long := NewRecord(t, "long", "user-1", Base, time.Hour)
	mustCreate(t, store, short)
	mustCreate(t, store, long)

	n, err := store.PruneExpired(ctx, Base.Add(10*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pruned: n=%d err=%v", n, err)
	}
	if _, err := store.Claim(ctx, short.SecretHash, Base.Add(11*time.Minute)); !errors.Is(err, reset.ErrInvalid) {
		t.Fatalf("expected pruned record to be unknown, got %v", err)
	}
	if _, err := store.Claim(ctx, long.SecretHash, Base.Add(11*time.Minute)); err != nil {
		t.Fatalf("expected long-lived record claimable, got %v", err)
	}
}

func testConcurrentClaim(t *testing.T, store reset.Store) {
	const workers = 50

	rec := NewRecord(t, "p0", "user-1", Base, time.Hour)
	mustCreate(t, store, rec)

	start := make(chan struct{})
	var (
		wg       sync.WaitGroup
		won      atomic.Int32
		redeemed atomic.Int32
		failures = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := store.Claim(context.Background(), rec.SecretHash, Base.Add(time.Duration(i)*time.Millisecond))
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, reset.ErrAlreadyRedeemed):
				redeemed.Add(1)
			default:
				failures <- fmt.Errorf("worker %d: %w", i, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(failures)

	for err := range failures {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if won.Load() != 1 || redeemed.Load() != workers-1 {
		t.Fatalf("expected one winner, got won=%d redeemed=%d", won.Load(), redeemed.Load())
	}
}
