package flows

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/credledger/identity"
	"github.com/MrEthical07/credledger/internal/rate"
	"github.com/MrEthical07/credledger/jwt"
	"github.com/MrEthical07/credledger/refresh"
	"github.com/MrEthical07/credledger/reset"
)

// plainHasher stores "v<cost>:<plaintext>" so tests can inspect records.
type plainHasher struct {
	cost    int
	hashErr error
	verify  int
}

func (h *plainHasher) Hash(plaintext string) (string, error) {
	if h.hashErr != nil {
		return "", h.hashErr
	}
	return "v" + string(rune('0'+h.cost)) + ":" + plaintext, nil
}

func (h *plainHasher) Verify(plaintext, encoded string) bool {
	h.verify++
	_, rest, ok := strings.Cut(encoded, ":")
	return ok && rest == plaintext
}

func (h *plainHasher) NeedsUpgrade(encoded string) (bool, error) {
	if !strings.HasPrefix(encoded, "v") || len(encoded) < 2 {
		return false, errors.New("malformed")
	}
	return int(encoded[1]-'0') < h.cost, nil
}

type fakeLimiter struct {
	checkErr error
	failures int
	resets   int
	allowErr error
}

func (l *fakeLimiter) CheckLogin(ctx context.Context, login, ip string) error { return l.checkErr }

func (l *fakeLimiter) RecordLoginFailure(ctx context.Context, login, ip string) error {
	l.failures++
	return nil
}

func (l *fakeLimiter) ResetLogin(ctx context.Context, login string) error {
	l.resets++
	return nil
}

func (l *fakeLimiter) AllowResetRequest(ctx context.Context, login string) error { return l.allowErr }

type fakeRefreshLedger struct {
	rotation refresh.Rotation
	err      error
}

func (f fakeRefreshLedger) Rotate(ctx context.Context, secret string) (refresh.Rotation, error) {
	return f.rotation, f.err
}

type fakeValidator struct{}

func (fakeValidator) Validate(token string) (*jwt.Claims, error) {
	if token != "good" {
		return nil, jwt.ErrUnauthenticated
	}
	return &jwt.Claims{Subject: "user-1"}, nil
}

var testPolicy = PasswordPolicy{MinLength: 8, MaxBytes: 64}

func seedIdentity(t *testing.T, store identity.Store, hasher *plainHasher) identity.Identity {
	t.Helper()
	hash, _ := hasher.Hash("correct-password")
	ident, err := store.Create(context.Background(), identity.Identity{Username: "alice", Email: "alice@example.com"}, hash)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ident
}

func TestPasswordPolicyCheck(t *testing.T) {
	if err := testPolicy.Check(""); err == nil {
		t.Fatalf("expected empty password rejected")
	}
	if err := testPolicy.Check("1234567"); err == nil {
		t.Fatalf("expected short password rejected")
	}
	if err := testPolicy.Check(strings.Repeat("a", 65)); err == nil {
		t.Fatalf("expected long password rejected")
	}
	if err := testPolicy.Check("ünïcödé!"); err != nil {
		t.Fatalf("expected 8 rune password accepted: %v", err)
	}
}

func TestRunRegister(t *testing.T) {
	store := identity.NewMemoryStore()
	deps := RegisterDeps{Identities: store, Hasher: &plainHasher{cost: 1}, Policy: testPolicy}
	ctx := context.Background()

	res := RunRegister(ctx, RegisterInput{Username: " alice ", Password: "correct-password", Roles: []string{"a"}}, deps)
	if res.Failure != RegisterFailureNone || res.Identity.Username != "alice" {
		t.Fatalf("unexpected result: %+v", res)
	}

	cases := []struct {
		name string
		in   RegisterInput
		want RegisterFailureKind
	}{
		{"empty username", RegisterInput{Password: "correct-password"}, RegisterFailureInvalid},
		{"bad email", RegisterInput{Username: "bob", Email: "bob", Password: "correct-password"}, RegisterFailureInvalid},
		{"weak password", RegisterInput{Username: "bob", Password: "short"}, RegisterFailurePasswordPolicy},
		{"duplicate", RegisterInput{Username: "ALICE", Password: "correct-password"}, RegisterFailureConflict},
	}
	for _, tc := range cases {
		if got := RunRegister(ctx, tc.in, deps).Failure; got != tc.want {
			t.Fatalf("%s: expected failure %d, got %d", tc.name, tc.want, got)
		}
	}

	deps.Hasher = &plainHasher{hashErr: errors.New("boom")}
	if got := RunRegister(ctx, RegisterInput{Username: "carol", Password: "correct-password"}, deps).Failure; got != RegisterFailureHash {
		t.Fatalf("expected hash failure, got %d", got)
	}
}

func TestRunLoginUnknownIdentityRunsDummyVerify(t *testing.T) {
	store := identity.NewMemoryStore()
	hasher := &plainHasher{cost: 1}
	seedIdentity(t, store, hasher)
	limiter := &fakeLimiter{}

	deps := LoginDeps{Identities: store, Hasher: hasher, DummyHash: "v1:dummy", Limiter: limiter}
	res := RunLogin(context.Background(), "mallory", "whatever", deps)
	if res.Failure != LoginFailureUnknownIdentity {
		t.Fatalf("expected unknown identity, got %+v", res)
	}
	if hasher.verify != 1 {
		t.Fatalf("expected dummy verify, got %d verifies", hasher.verify)
	}
	if limiter.failures != 1 {
		t.Fatalf("expected failure recorded, got %d", limiter.failures)
	}
}

func TestRunLoginOutcomes(t *testing.T) {
	store := identity.NewMemoryStore()
	hasher := &plainHasher{cost: 1}
	ident := seedIdentity(t, store, hasher)
	limiter := &fakeLimiter{}
	ctx := context.Background()

	deps := LoginDeps{Identities: store, Hasher: hasher, Limiter: limiter, UpgradeOnLogin: true}

	if got := RunLogin(ctx, "alice", "nope", deps); got.Failure != LoginFailureBadPassword || got.Identity.ID != ident.ID {
		t.Fatalf("expected bad password, got %+v", got)
	}
	if got := RunLogin(ctx, "  ", "x", deps); got.Failure != LoginFailureEmptyInput {
		t.Fatalf("expected empty input, got %+v", got)
	}

	res := RunLogin(ctx, "ALICE@example.com", "correct-password", deps)
	if res.Failure != LoginFailureNone || res.Rehashed {
		t.Fatalf("expected plain success, got %+v", res)
	}
	if limiter.resets != 1 {
		t.Fatalf("expected limiter reset on success, got %d", limiter.resets)
	}

	limiter.checkErr = rate.ErrRateLimited
	if got := RunLogin(ctx, "alice", "correct-password", deps); got.Failure != LoginFailureRateLimited {
		t.Fatalf("expected rate limited, got %+v", got)
	}
	limiter.checkErr = rate.ErrRedisUnavailable
	if got := RunLogin(ctx, "alice", "correct-password", deps); got.Failure != LoginFailureLimiterUnavailable {
		t.Fatalf("expected limiter unavailable, got %+v", got)
	}
}

func TestRunLoginRehashesWeakRecord(t *testing.T) {
	store := identity.NewMemoryStore()
	ident := seedIdentity(t, store, &plainHasher{cost: 1})
	strong := &plainHasher{cost: 2}

	res := RunLogin(context.Background(), "alice", "correct-password", LoginDeps{
		Identities:     store,
		Hasher:         strong,
		UpgradeOnLogin: true,
	})
	if !res.Rehashed {
		t.Fatalf("expected rehash, got %+v", res)
	}
	_, stored, _ := store.FindByID(context.Background(), ident.ID)
	if stored != "v2:correct-password" {
		t.Fatalf("stored record not upgraded: %q", stored)
	}
}

func TestRunRefreshMapsLedgerErrors(t *testing.T) {
	cases := []struct {
		err  error
		want RefreshFailureKind
	}{
		{nil, RefreshFailureNone},
		{refresh.ErrInvalid, RefreshFailureInvalid},
		{refresh.ErrRevoked, RefreshFailureRevoked},
		{refresh.ErrReuseDetected, RefreshFailureReuse},
		{refresh.ErrExpired, RefreshFailureExpired},
		{identity.ErrNotFound, RefreshFailureIdentityGone},
		{refresh.ErrStoreUnavailable, RefreshFailureStore},
		{errors.New("mint"), RefreshFailureIssueAccess},
	}
	for _, tc := range cases {
		prev := refresh.Record{ID: "r0", IdentityID: "user-1"}
		res := RunRefresh(context.Background(), "secret", RefreshDeps{
			Ledger: fakeRefreshLedger{rotation: refresh.Rotation{Previous: prev}, err: tc.err},
		})
		if res.Failure != tc.want {
			t.Fatalf("err %v: expected %d, got %d", tc.err, tc.want, res.Failure)
		}
		if res.Rotation.Previous.ID != "r0" {
			t.Fatalf("err %v: previous record dropped", tc.err)
		}
	}
}

func TestRunLogoutAgainstLedger(t *testing.T) {
	ledger, err := refresh.NewLedger(refresh.NewMemoryStore(), refresh.Config{TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	ctx := context.Background()
	tok, err := ledger.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	deps := LogoutDeps{Ledger: ledger}

	if res := RunLogout(ctx, "unknown", deps); res.Err != nil || res.Record.ID != "" {
		t.Fatalf("expected silent no-op, got %+v", res)
	}
	if res := RunLogout(ctx, tok.Secret, deps); res.Err != nil || res.Record.ID != tok.ID || !res.Revoked {
		t.Fatalf("unexpected logout result: %+v", res)
	}
	if res := RunLogout(ctx, tok.Secret, deps); res.Err != nil || res.Record.ID != tok.ID || res.Revoked {
		t.Fatalf("expected repeat logout to report no transition: %+v", res)
	}
	if _, err := ledger.Rotate(ctx, tok.Secret); !errors.Is(err, refresh.ErrRevoked) {
		t.Fatalf("expected revoked token, got %v", err)
	}

	if _, err := RunLogoutAll(ctx, "", deps); err == nil {
		t.Fatalf("expected empty identity rejected")
	}
}

func TestRunAuthenticate(t *testing.T) {
	var observed []time.Duration
	deps := AuthenticateDeps{
		Tokens:  fakeValidator{},
		Now:     time.Now,
		Observe: func(d time.Duration) { observed = append(observed, d) },
	}

	for _, bearer := range []string{"good", "Bearer good", "bearer   good ", " BEARER good"} {
		if _, err := RunAuthenticate(bearer, deps); err != nil {
			t.Fatalf("RunAuthenticate(%q): %v", bearer, err)
		}
	}
	if _, err := RunAuthenticate("Bearer", deps); err == nil {
		t.Fatalf("expected bare scheme rejected")
	}
	if len(observed) != 5 {
		t.Fatalf("expected every call observed, got %d", len(observed))
	}
}

func TestRunChangePassword(t *testing.T) {
	store := identity.NewMemoryStore()
	hasher := &plainHasher{cost: 1}
	ident := seedIdentity(t, store, hasher)
	ctx := context.Background()

	revoked := 0
	deps := PasswordDeps{
		Identities: store,
		Hasher:     hasher,
		Policy:     testPolicy,
		RevokeIdentity: func(ctx context.Context, id string) (int, error) {
			revoked++
			return 3, nil
		},
	}

	cases := []struct {
		id, old, next string
		want          PasswordChangeFailureKind
	}{
		{ident.ID, "correct-password", "short", PasswordChangeFailurePolicy},
		{ident.ID, "correct-password", "correct-password", PasswordChangeFailureReuse},
		{"missing", "correct-password", "new-password-1", PasswordChangeFailureUnknownIdentity},
		{ident.ID, "wrong-password", "new-password-1", PasswordChangeFailureBadPassword},
	}
	for _, tc := range cases {
		if got := RunChangePassword(ctx, tc.id, tc.old, tc.next, deps).Failure; got != tc.want {
			t.Fatalf("%s/%s: expected %d, got %d", tc.old, tc.next, tc.want, got)
		}
	}
	if revoked != 0 {
		t.Fatalf("revoked on failure")
	}

	res := RunChangePassword(ctx, ident.ID, "correct-password", "new-password-1", deps)
	if res.Failure != PasswordChangeFailureNone || res.Revoked != 3 || revoked != 1 {
		t.Fatalf("unexpected result: %+v revoked=%d", res, revoked)
	}
	_, stored, _ := store.FindByID(ctx, ident.ID)
	if stored != "v1:new-password-1" {
		t.Fatalf("password not updated: %q", stored)
	}
}

func newResetDeps(t *testing.T) (ResetDeps, identity.Identity, *fakeLimiter) {
	t.Helper()

	store := identity.NewMemoryStore()
	hasher := &plainHasher{cost: 1}
	ident := seedIdentity(t, store, hasher)
	ledger, err := reset.NewLedger(reset.NewMemoryStore(), reset.Config{TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	limiter := &fakeLimiter{}
	return ResetDeps{
		Enabled:    true,
		Identities: store,
		Hasher:     hasher,
		Policy:     testPolicy,
		Ledger:     ledger,
		Limiter:    limiter,
	}, ident, limiter
}

func TestRunRequestPasswordReset(t *testing.T) {
	deps, ident, limiter := newResetDeps(t)
	ctx := context.Background()

	res := RunRequestPasswordReset(ctx, "alice@example.com", deps)
	if res.Failure != ResetFailureNone || res.IdentityID != ident.ID || res.Token.Secret == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := RunRequestPasswordReset(ctx, "nobody", deps).Failure; got != ResetFailureUnknownIdentity {
		t.Fatalf("expected unknown identity, got %d", got)
	}

	limiter.allowErr = rate.ErrRateLimited
	if got := RunRequestPasswordReset(ctx, "alice", deps).Failure; got != ResetFailureRateLimited {
		t.Fatalf("expected rate limited, got %d", got)
	}

	deps.Enabled = false
	if got := RunRequestPasswordReset(ctx, "alice", deps).Failure; got != ResetFailureDisabled {
		t.Fatalf("expected disabled, got %d", got)
	}
}

func TestRunConfirmPasswordReset(t *testing.T) {
	deps, ident, _ := newResetDeps(t)
	ctx := context.Background()
	revoked := 0
	deps.RevokeIdentity = func(ctx context.Context, id string) (int, error) {
		revoked++
		return 1, nil
	}

	secret := RunRequestPasswordReset(ctx, "alice", deps).Token.Secret

	if got := RunConfirmPasswordReset(ctx, secret, "short", deps).Failure; got != ResetFailurePasswordPolicy {
		t.Fatalf("expected policy failure, got %d", got)
	}
	if got := RunConfirmPasswordReset(ctx, "bogus", "new-password-1", deps).Failure; got != ResetFailureInvalid {
		t.Fatalf("expected invalid, got %d", got)
	}

	res := RunConfirmPasswordReset(ctx, secret, "new-password-1", deps)
	if res.Failure != ResetFailureNone || res.Record.IdentityID != ident.ID || revoked != 1 {
		t.Fatalf("unexpected result: %+v revoked=%d", res, revoked)
	}
	if got := RunConfirmPasswordReset(ctx, secret, "new-password-2", deps).Failure; got != ResetFailureAlreadyRedeemed {
		t.Fatalf("expected already redeemed, got %d", got)
	}

	_, stored, _ := deps.Identities.FindByID(ctx, ident.ID)
	if stored != "v1:new-password-1" {
		t.Fatalf("password not updated: %q", stored)
	}
}

func TestRunConfirmPasswordResetApplyFailureKeepsTokenUsable(t *testing.T) {
	deps, _, _ := newResetDeps(t)
	ctx := context.Background()
	secret := RunRequestPasswordReset(ctx, "alice", deps).Token.Secret

	good := deps.Identities
	deps.Identities = failingUpdates{IdentityStore: good}
	if got := RunConfirmPasswordReset(ctx, secret, "new-password-1", deps).Failure; got != ResetFailureApply {
		t.Fatalf("expected apply failure, got %d", got)
	}

	deps.Identities = good
	if got := RunConfirmPasswordReset(ctx, secret, "new-password-1", deps).Failure; got != ResetFailureNone {
		t.Fatalf("expected retry to succeed after release, got %d", got)
	}
}

type failingUpdates struct {
	IdentityStore
}

func (failingUpdates) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	return identity.ErrStoreUnavailable
}
