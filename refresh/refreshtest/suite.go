// Package refreshtest holds a conformance suite shared by every
// refresh.Store implementation.
package refreshtest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/credledger/refresh"
)

// Base is the reference instant used by the suite. Stores are expected to
// round-trip times at millisecond precision.
var Base = time.UnixMilli(1_700_000_000_000).UTC()

// NewRecord returns an active record for identityID with a random hash.
func NewRecord(t testing.TB, id, identityID string, createdAt time.Time, ttl time.Duration) refresh.Record {
	t.Helper()

	var hash [32]byte
	if _, err := rand.Read(hash[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return refresh.Record{
		ID:         id,
		IdentityID: identityID,
		SecretHash: hash,
		CreatedAt:  createdAt,
		ExpiresAt:  createdAt.Add(ttl),
	}
}

// Run exercises store semantics against stores produced by newStore. Each
// subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) refresh.Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("RotateOnce", func(t *testing.T) { testRotateOnce(t, newStore(t)) })
	t.Run("ReuseRevokesChain", func(t *testing.T) { testReuseRevokesChain(t, newStore(t)) })
	t.Run("ExpiredNeverUsed", func(t *testing.T) { testExpiredNeverUsed(t, newStore(t)) })
	t.Run("UnknownHash", func(t *testing.T) { testUnknownHash(t, newStore(t)) })
	t.Run("RevokeIsTerminal", func(t *testing.T) { testRevokeIsTerminal(t, newStore(t)) })
	t.Run("RevokeIdentity", func(t *testing.T) { testRevokeIdentity(t, newStore(t)) })
	t.Run("PruneExpired", func(t *testing.T) { testPruneExpired(t, newStore(t)) })
	t.Run("PruneKeepsLiveChain", func(t *testing.T) { testPruneKeepsLiveChain(t, newStore(t)) })
	t.Run("ConcurrentRotate", func(t *testing.T) { testConcurrentRotate(t, newStore(t)) })
}

func mustCreate(t *testing.T, store refresh.Store, rec refresh.Record) {
	t.Helper()
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create(%s): %v", rec.ID, err)
	}
}

func mustGet(t *testing.T, store refresh.Store, hash [32]byte) refresh.Record {
	t.Helper()
	rec, err := store.GetByHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	return rec
}

func mustRotate(t *testing.T, store refresh.Store, presented [32]byte, next refresh.Record, now time.Time) refresh.RotateResult {
	t.Helper()
	res, err := store.Rotate(context.Background(), presented, next, now)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	return res
}

func testCreateAndGet(t *testing.T, store refresh.Store) {
	rec := NewRecord(t, "r0", "user-1", Base, time.Hour)
	mustCreate(t, store, rec)

	got := mustGet(t, store, rec.SecretHash)
	if got.ID != rec.ID || got.IdentityID != rec.IdentityID || got.SecretHash != rec.SecretHash {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) || !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Fatalf("unexpected timestamps: created=%v expires=%v", got.CreatedAt, got.ExpiresAt)
	}
	if got.RevokedAt != nil || got.ReplacedBy != "" {
		t.Fatalf("expected active record, got %+v", got)
	}
	if state := got.StateAt(Base); state != refresh.StateActive {
		t.Fatalf("expected active, got %s", state)
	}
}

func testCreateDuplicate(t *testing.T, store refresh.Store) {
	rec := NewRecord(t, "r0", "user-1", Base, time.Hour)
	mustCreate(t, store, rec)

	if err := store.Create(context.Background(), rec); !errors.Is(err, refresh.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func testRotateOnce(t *testing.T, store refresh.Store) {
	r0 := NewRecord(t, "r0", "user-1", Base, time.Hour)
	mustCreate(t, store, r0)

	now := Base.Add(time.Minute)
	r1 := NewRecord(t, "r1", "", now, time.Hour)
	res := mustRotate(t, store, r0.SecretHash, r1, now)
	if res.Outcome != refresh.OutcomeRotated {
		t.Fatalf("expected rotated, got %s", res.Outcome)
	}
	if res.Presented.ID != "r0" || res.Presented.IdentityID != "user-1" {
		t.Fatalf("unexpected presented record: %+v", res.Presented)
	}

	old := mustGet(t, store, r0.SecretHash)
	if old.StateAt(now) != refresh.StateRotated || old.ReplacedBy != "r1" {
		t.Fatalf("expected r0 rotated into r1, got %+v", old)
	}
	if old.RevokedAt == nil || !old.RevokedAt.Equal(now) {
		t.Fatalf("expected revokedAt=%v, got %v", now, old.RevokedAt)
	}

	succ := mustGet(t, store, r1.SecretHash)
	if succ.IdentityID != "user-1" || succ.StateAt(now) != refresh.StateActive {
		t.Fatalf("expected active successor for user-1, got %+v", succ)
	}

	r2 := NewRecord(t, "r2", "", now, time.Hour)
	again := mustRotate(t, store, r0.SecretHash, r2, now.Add(time.Second))
	if again.Outcome != refresh.OutcomeReuseDetected {
		t.Fatalf("expected reuse detected, got %s", again.Outcome)
	}
	if _, err := store.GetByHash(context.Background(), r2.SecretHash); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatalf("expected no record for a refused successor, got %v", err)
	}
}

func testReuseRevokesChain(t *testing.T, store refresh.Store) {
	r0 := NewRecord(t, "r0", "user-1", Base, time.Hour)
	mustCreate(t, store, r0)

	now := Base.Add(time.Minute)
	r1 := NewRecord(t, "r1", "", now, time.Hour)
	if res := mustRotate(t, store, r0.SecretHash, r1, now); res.Outcome != refresh.OutcomeRotated {
		t.Fatalf("rotate r0: %s", res.Outcome)
	}
	r2 := NewRecord(t, "r2", "", now, time.Hour)
	if res := mustRotate(t, store, r1.SecretHash, r2, now); res.Outcome != refresh.OutcomeRotated {
		t.Fatalf("rotate r1: %s", res.Outcome)
	}

	theft := now.Add(time.Minute)
	res := mustRotate(t, store, r0.SecretHash, NewRecord(t, "rx", "", theft, time.Hour), theft)
	if res.Outcome != refresh.OutcomeReuseDetected {
		t.Fatalf("expected reuse detected, got %s", res.Outcome)
	}
	if res.ChainRevoked != 1 {
		t.Fatalf("expected only the live tip revoked, got %d", res.ChainRevoked)
	}

	tip := mustGet(t, store, r2.SecretHash)
	if tip.StateAt(theft) != refresh.StateRevoked {
		t.Fatalf("expected r2 revoked, got %s", tip.StateAt(theft))
	}

	later := theft.Add(time.Second)
	if res := mustRotate(t, store, r2.SecretHash, NewRecord(t, "ry", "", later, time.Hour), later); res.Outcome != refresh.OutcomeRevoked {
		t.Fatalf("expected revoked for r2, got %s", res.Outcome)
	}
	if res := mustRotate(t, store, r1.SecretHash, NewRecord(t, "rz", "", later, time.Hour), later); res.Outcome != refresh.OutcomeReuseDetected {
		t.Fatalf("expected reuse detected for r1, got %s", res.Outcome)
	}
}

func testExpiredNeverUsed(t *testing.T, store refresh.Store) {
	r0 := NewRecord(t, "r0", "user-1", Base, time.Hour)
	mustCreate(t, store, r0)

	atExpiry := r0.ExpiresAt
	r1 := NewRecord(t, "r1", "", atExpiry, time.Hour)
	res := mustRotate(t, store, r0.SecretHash, r1, atExpiry)
	if res.Outcome != refresh.OutcomeExpired {
		t.Fatalf("expected expired at ExpiresAt, got %s", res.Outcome)
	}

	got := mustGet(t, store, r0.SecretHash)
	if got.RevokedAt != nil {
		t.Fatal("expiry must not mark the record revoked")
	}
	if _, err := store.GetByHash(context.Background(), r1.SecretHash); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testUnknownHash(t *testing.T, store refresh.Store) {
	unknown := NewRecord(t, "ghost", "user-1", Base, time.Hour)
	res := mustRotate(t, store, unknown.SecretHash, NewRecord(t, "r1", "", Base, time.Hour), Base)
	if res.Outcome != refresh.OutcomeNotFound {
		t.Fatalf("expected not found, got %s", res.Outcome)
	}
	if _, err := store.RevokeByHash(context.Background(), unknown.SecretHash, Base); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from RevokeByHash, got %v", err)
	}
	if _, err := store.RevokeByID(context.Background(), "ghost", Base); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from RevokeByID, got %v", err)
	}
}

func testRevokeIsTerminal(t *testing.T, store refresh.Store) {
	ctx := context.Background()
	r0 := NewRecord(t, "r0", "user-1", Base, time.Hour)
	mustCreate(t, store, r0)

	now := Base.Add(time.Minute)
	changed, err := store.RevokeByID(ctx, "r0", now)
	if err != nil || !changed {
		t.Fatalf("expected first revoke to change state: changed=%v err=%v", changed, err)
	}
	changed, err = store.RevokeByHash(ctx, r0.SecretHash, now.Add(time.Second))
	if err != nil || changed {
		t.Fatalf("expected second revoke to be a no-op: changed=%v err=%v", changed, err)
	}

	got := mustGet(t, store, r0.SecretHash)
	if got.RevokedAt == nil || !got.RevokedAt.Equal(now) {
		t.Fatalf("expected revokedAt to stay at first revocation, got %v", got.RevokedAt)
	}

	res := mustRotate(t, store, r0.SecretHash, NewRecord(t, "r1", "", now, time.Hour), now)
	if res.Outcome != refresh.OutcomeRevoked {
		t.Fatalf("expected revoked, got %s", res.Outcome)
	}
}

func testRevokeIdentity(t *testing.T, store refresh.Store) {
	ctx := context.Background()
	var mine []refresh.Record
	for i := 0; i < 3; i++ {
		rec := NewRecord(t, fmt.Sprintf("a%d", i), "user-a", Base, time.Hour)
		mustCreate(t, store, rec)
		mine = append(mine, rec)
	}
	other := NewRecord(t, "b0", "user-b", Base, time.Hour)
	mustCreate(t, store, other)

	if _, err := store.RevokeByID(ctx, "a0", Base); err != nil {
		t.Fatalf("RevokeByID: %v", err)
	}

	now := Base.Add(time.Minute)
	n, err := store.RevokeIdentity(ctx, "user-a", now)
	if err != nil {
		t.Fatalf("RevokeIdentity: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 newly revoked, got %d", n)
	}
	for _, rec := range mine {
		if got := mustGet(t, store, rec.SecretHash); got.StateAt(now) != refresh.StateRevoked {
			t.Fatalf("expected %s revoked, got %s", rec.ID, got.StateAt(now))
		}
	}
	if got := mustGet(t, store, other.SecretHash); got.StateAt(now) != refresh.StateActive {
		t.Fatalf("expected other identity untouched, got %s", got.StateAt(now))
	}

	n, err = store.RevokeIdentity(ctx, "nobody", now)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op for unknown identity: n=%d err=%v", n, err)
	}
}

func testPruneExpired(t *testing.T, store refresh.Store) {
	ctx := context.Background()
	short := NewRecord(t, "short", "user-1", Base, time.Minute)
	long := NewRecord(t, "long", "user-1", Base, time.Hour)
	mustCreate(t, store, short)
	mustCreate(t, store, long)

	n, err := store.PruneExpired(ctx, Base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, err := store.GetByHash(ctx, short.SecretHash); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatalf("expected pruned record gone, got %v", err)
	}
	mustGet(t, store, long.SecretHash)

	revoked, err := store.RevokeIdentity(ctx, "user-1", Base.Add(time.Minute))
	if err != nil || revoked != 1 {
		t.Fatalf("expected pruned record excluded from identity index: n=%d err=%v", revoked, err)
	}
}

func testPruneKeepsLiveChain(t *testing.T, store refresh.Store) {
	ctx := context.Background()
	r0 := NewRecord(t, "r0", "user-1", Base, time.Hour)
	lone := NewRecord(t, "lone", "user-2", Base, time.Minute)
	mustCreate(t, store, r0)
	mustCreate(t, store, lone)

	// r0 expires at +60m, r1 at +110m, r2 at +160m.
	t1 := Base.Add(50 * time.Minute)
	r1 := NewRecord(t, "r1", "", t1, time.Hour)
	if res := mustRotate(t, store, r0.SecretHash, r1, t1); res.Outcome != refresh.OutcomeRotated {
		t.Fatalf("rotate r0: %s", res.Outcome)
	}
	t2 := Base.Add(100 * time.Minute)
	r2 := NewRecord(t, "r2", "", t2, time.Hour)
	if res := mustRotate(t, store, r1.SecretHash, r2, t2); res.Outcome != refresh.OutcomeRotated {
		t.Fatalf("rotate r1: %s", res.Outcome)
	}

	now := Base.Add(120 * time.Minute)
	n, err := store.PruneExpired(ctx, now)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the unrotated expired record pruned, got %d", n)
	}
	mustGet(t, store, r0.SecretHash)
	mustGet(t, store, r1.SecretHash)

	res := mustRotate(t, store, r0.SecretHash, NewRecord(t, "rx", "", now, time.Hour), now)
	if res.Outcome != refresh.OutcomeReuseDetected {
		t.Fatalf("expected reuse detected for expired ancestor, got %s", res.Outcome)
	}
	if res.ChainRevoked != 1 {
		t.Fatalf("expected the live tip revoked, got %d", res.ChainRevoked)
	}
	if tip := mustGet(t, store, r2.SecretHash); tip.StateAt(now) != refresh.StateRevoked {
		t.Fatalf("expected r2 revoked, got %s", tip.StateAt(now))
	}

	n, err = store.PruneExpired(ctx, Base.Add(200*time.Minute))
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected the whole chain pruned after its tip expired, got %d", n)
	}
	if _, err := store.GetByHash(ctx, r0.SecretHash); !errors.Is(err, refresh.ErrNotFound) {
		t.Fatalf("expected r0 gone, got %v", err)
	}
}

func testConcurrentRotate(t *testing.T, store refresh.Store) {
	const workers = 50

	r0 := NewRecord(t, "r0", "user-1", Base, time.Hour)
	mustCreate(t, store, r0)

	now := Base.Add(time.Minute)
	nexts := make([]refresh.Record, workers)
	for i := range nexts {
		nexts[i] = NewRecord(t, fmt.Sprintf("n%02d", i), "", now, time.Hour)
	}

	start := make(chan struct{})
	outcomes := make(chan refresh.Outcome, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(next refresh.Record) {
			defer wg.Done()
			<-start
			res, err := store.Rotate(context.Background(), r0.SecretHash, next, now)
			if err != nil {
				errs <- err
				return
			}
			outcomes <- res.Outcome
		}(nexts[i])
	}
	close(start)
	wg.Wait()
	close(outcomes)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected rotate error: %v", err)
	}

	rotated, reuse := 0, 0
	for outcome := range outcomes {
		switch outcome {
		case refresh.OutcomeRotated:
			rotated++
		case refresh.OutcomeReuseDetected:
			reuse++
		default:
			t.Fatalf("unexpected outcome %s", outcome)
		}
	}
	if rotated != 1 || reuse != workers-1 {
		t.Fatalf("expected exactly one rotation and %d reuse detections, got %d/%d", workers-1, rotated, reuse)
	}

	successors := 0
	for _, next := range nexts {
		if _, err := store.GetByHash(context.Background(), next.SecretHash); err == nil {
			successors++
		}
	}
	if successors != 1 {
		t.Fatalf("expected exactly one successor record, got %d", successors)
	}
}
