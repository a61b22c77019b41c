package refresh_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/credledger/jwt"
	"github.com/MrEthical07/credledger/refresh"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T, mutate func(*refresh.Config)) (*refresh.Ledger, *refresh.MemoryStore, *clock) {
	t.Helper()

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := refresh.NewMemoryStore()
	cfg := refresh.Config{TTL: time.Hour, Now: clk.Now}
	if mutate != nil {
		mutate(&cfg)
	}
	ledger, err := refresh.NewLedger(store, cfg)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return ledger, store, clk
}

func TestIssueProducesOpaqueSecret(t *testing.T) {
	ledger, store, clk := newLedger(t, nil)

	tok, err := ledger.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(tok.Secret) != 43 {
		t.Fatalf("expected 43 char base64url secret, got %q", tok.Secret)
	}
	if tok.IdentityID != "user-1" || !tok.ExpiresAt.Equal(clk.Now().Add(time.Hour)) {
		t.Fatalf("unexpected token: %+v", tok)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", store.Len())
	}

	rec, err := ledger.Lookup(context.Background(), tok.Secret)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.ID != tok.ID || rec.StateAt(clk.Now()) != refresh.StateActive {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := ledger.Issue(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty identity")
	}
}

func TestRotateThenReplayRevokesSuccessor(t *testing.T) {
	ctx := context.Background()
	ledger, _, _ := newLedger(t, nil)

	r0, err := ledger.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rotation, err := ledger.Rotate(ctx, r0.Secret)
	if err != nil {
		t.Fatalf("Rotate r0: %v", err)
	}
	r1 := rotation.Next
	if r1.Secret == r0.Secret || r1.IdentityID != "user-1" {
		t.Fatalf("unexpected successor: %+v", r1)
	}
	if rotation.Previous.ID != r0.ID {
		t.Fatalf("expected previous %s, got %s", r0.ID, rotation.Previous.ID)
	}

	if _, err := ledger.Rotate(ctx, r0.Secret); !errors.Is(err, refresh.ErrReuseDetected) {
		t.Fatalf("expected reuse detection on replay, got %v", err)
	}
	if _, err := ledger.Rotate(ctx, r1.Secret); !errors.Is(err, refresh.ErrRevoked) {
		t.Fatalf("expected successor revoked after reuse, got %v", err)
	}
}

func TestRotateExpiredNeverUsed(t *testing.T) {
	ctx := context.Background()
	ledger, _, clk := newLedger(t, nil)

	tok, err := ledger.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clk.Advance(time.Hour)
	if _, err := ledger.Rotate(ctx, tok.Secret); !errors.Is(err, refresh.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := ledger.Rotate(ctx, tok.Secret); !errors.Is(err, refresh.ErrExpired) {
		t.Fatalf("expected expiry to be stable, got %v", err)
	}
}

func TestRotateRejectsMalformedAndUnknown(t *testing.T) {
	ledger, _, _ := newLedger(t, nil)

	for _, secret := range []string{"", "short", "!!!", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"} {
		if _, err := ledger.Rotate(context.Background(), secret); !errors.Is(err, refresh.ErrInvalid) {
			t.Fatalf("expected ErrInvalid for %q, got %v", secret, err)
		}
	}
}

func TestRevokeIsIdempotentAndTerminal(t *testing.T) {
	ctx := context.Background()
	ledger, _, _ := newLedger(t, nil)

	tok, err := ledger.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if changed, err := ledger.Revoke(ctx, tok.ID); err != nil || !changed {
		t.Fatalf("Revoke: changed=%v err=%v", changed, err)
	}
	if changed, err := ledger.Revoke(ctx, tok.ID); err != nil || changed {
		t.Fatalf("second Revoke: changed=%v err=%v", changed, err)
	}
	if changed, err := ledger.RevokeSecret(ctx, tok.Secret); err != nil || changed {
		t.Fatalf("RevokeSecret: changed=%v err=%v", changed, err)
	}
	if _, err := ledger.Rotate(ctx, tok.Secret); !errors.Is(err, refresh.ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}

	if _, err := ledger.Revoke(ctx, "missing"); !errors.Is(err, refresh.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unknown id, got %v", err)
	}
	if _, err := ledger.RevokeSecret(ctx, "garbage"); !errors.Is(err, refresh.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for malformed secret, got %v", err)
	}
}

func TestRevokeIdentity(t *testing.T) {
	ctx := context.Background()
	ledger, _, _ := newLedger(t, nil)

	a, _ := ledger.Issue(ctx, "user-1")
	b, _ := ledger.Issue(ctx, "user-1")
	c, _ := ledger.Issue(ctx, "user-2")

	n, err := ledger.RevokeIdentity(ctx, "user-1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 revoked, got n=%d err=%v", n, err)
	}
	for _, tok := range []refresh.Token{a, b} {
		if _, err := ledger.Rotate(ctx, tok.Secret); !errors.Is(err, refresh.ErrRevoked) {
			t.Fatalf("expected ErrRevoked, got %v", err)
		}
	}
	if _, err := ledger.Rotate(ctx, c.Secret); err != nil {
		t.Fatalf("expected other identity unaffected: %v", err)
	}
}

func TestRotateMintsAccessForActiveRecordsOnly(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	failMint := false
	ledger, _, clk := newLedger(t, func(cfg *refresh.Config) {
		cfg.Mint = func(ctx context.Context, identityID string) (jwt.AccessToken, error) {
			calls.Add(1)
			if failMint {
				return jwt.AccessToken{}, errors.New("identity gone")
			}
			return jwt.AccessToken{Token: "access-for-" + identityID, ExpiresAt: time.Unix(1, 0)}, nil
		}
	})

	tok, err := ledger.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	failMint = true
	if _, err := ledger.Rotate(ctx, tok.Secret); err == nil {
		t.Fatal("expected mint failure to surface")
	}
	rec, err := ledger.Lookup(ctx, tok.Secret)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.StateAt(clk.Now()) != refresh.StateActive {
		t.Fatalf("mint failure must leave the token active, got %s", rec.StateAt(clk.Now()))
	}

	failMint = false
	rotation, err := ledger.Rotate(ctx, tok.Secret)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotation.Access.Token != "access-for-user-1" {
		t.Fatalf("unexpected access token %q", rotation.Access.Token)
	}

	before := calls.Load()
	if _, err := ledger.Rotate(ctx, tok.Secret); !errors.Is(err, refresh.ErrReuseDetected) {
		t.Fatalf("expected reuse, got %v", err)
	}
	if calls.Load() != before {
		t.Fatal("mint must not run for a rotated token")
	}
}

func TestConcurrentRotateSingleWinner(t *testing.T) {
	const workers = 50

	ctx := context.Background()
	ledger, store, _ := newLedger(t, nil)

	tok, err := ledger.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	start := make(chan struct{})
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		reuse     atomic.Int32
		other     atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := ledger.Rotate(ctx, tok.Secret)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, refresh.ErrReuseDetected):
				reuse.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("expected exactly one successful rotation, got %d", successes.Load())
	}
	if reuse.Load() != workers-1 || other.Load() != 0 {
		t.Fatalf("expected %d reuse detections, got reuse=%d other=%d", workers-1, reuse.Load(), other.Load())
	}
	if store.Len() != 2 {
		t.Fatalf("expected original plus one successor, got %d records", store.Len())
	}
}

func TestPruneExpiredHonoursRetention(t *testing.T) {
	ctx := context.Background()
	ledger, store, clk := newLedger(t, func(cfg *refresh.Config) { cfg.RetainExpired = time.Hour })

	tok, err := ledger.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clk.Advance(90 * time.Minute)
	n, err := ledger.PruneExpired(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected retention to keep the record: n=%d err=%v", n, err)
	}
	if _, err := ledger.Rotate(ctx, tok.Secret); !errors.Is(err, refresh.ErrExpired) {
		t.Fatalf("expected ErrExpired while retained, got %v", err)
	}

	clk.Advance(time.Hour)
	n, err = ledger.PruneExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pruned, got n=%d err=%v", n, err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
	if _, err := ledger.Rotate(ctx, tok.Secret); !errors.Is(err, refresh.ErrInvalid) {
		t.Fatalf("expected ErrInvalid after pruning, got %v", err)
	}
}

func TestPruneKeepsRotatedRecordWhileChainIsAlive(t *testing.T) {
	ctx := context.Background()
	ledger, store, clk := newLedger(t, nil)

	r0, err := ledger.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clk.Advance(50 * time.Minute)
	rot, err := ledger.Rotate(ctx, r0.Secret)
	if err != nil {
		t.Fatalf("Rotate r0: %v", err)
	}
	r1 := rot.Next

	// r0 is now past its expiry while r1 still has half an hour left.
	clk.Advance(20 * time.Minute)
	n, err := ledger.PruneExpired(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected rotated r0 kept while r1 is alive: n=%d err=%v", n, err)
	}

	if _, err := ledger.Rotate(ctx, r0.Secret); !errors.Is(err, refresh.ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected for replayed r0, got %v", err)
	}
	if _, err := ledger.Rotate(ctx, r1.Secret); !errors.Is(err, refresh.ErrRevoked) {
		t.Fatalf("expected r1 revoked by reuse detection, got %v", err)
	}

	clk.Advance(time.Hour)
	n, err = ledger.PruneExpired(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected whole chain pruned once r1 expired: n=%d err=%v", n, err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
}
