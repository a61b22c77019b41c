package credledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func serviceTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Password.Iterations = 1000
	cfg.JWT.SigningKey = []byte("0123456789abcdef0123456789abcdef")
	return cfg
}

func newTestService(t *testing.T, mutate func(*Builder)) (*Service, *testClock) {
	t.Helper()

	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	b := New().WithConfig(serviceTestConfig()).WithClock(clk.Now)
	if mutate != nil {
		mutate(b)
	}
	svc, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc, clk
}

func registerAlice(t *testing.T, svc *Service) TokenPair {
	t.Helper()

	pair, err := svc.Register(context.Background(), RegisterRequest{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "correct-horse-battery",
		Roles:    []string{"admin"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return pair
}

func TestRegisterThenLogin(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	pair := registerAlice(t, svc)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", pair)
	}

	claims, err := svc.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if claims.Username != "alice" || len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	for _, login := range []string{"alice", "ALICE@example.com"} {
		got, err := svc.Login(ctx, login, "correct-horse-battery")
		if err != nil {
			t.Fatalf("Login(%q): %v", login, err)
		}
		again, err := svc.Authenticate(ctx, got.AccessToken)
		if err != nil || again.Subject != claims.Subject {
			t.Fatalf("Login(%q) resolved %+v, err=%v", login, again, err)
		}
	}

	if got := svc.MetricsSnapshot().Counters[MetricLoginSuccess]; got != 2 {
		t.Fatalf("expected 2 login successes, got %d", got)
	}
}

func TestRegisterRejectsConflictsAndWeakPasswords(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	registerAlice(t, svc)

	_, err := svc.Register(ctx, RegisterRequest{Username: "Alice", Password: "another-password"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for username, got %v", err)
	}
	_, err = svc.Register(ctx, RegisterRequest{Username: "bob", Email: "alice@EXAMPLE.com", Password: "another-password"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for email, got %v", err)
	}
	_, err = svc.Register(ctx, RegisterRequest{Username: "bob", Password: "short"})
	if !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
	_, err = svc.Register(ctx, RegisterRequest{Username: "", Password: "another-password"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	if got := svc.MetricsSnapshot().Counters[MetricRegisterConflict]; got != 2 {
		t.Fatalf("expected 2 conflicts, got %d", got)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	registerAlice(t, svc)

	_, wrong := svc.Login(ctx, "alice", "wrong-password")
	_, unknown := svc.Login(ctx, "mallory", "wrong-password")
	_, empty := svc.Login(ctx, "", "")

	for name, err := range map[string]error{"wrong": wrong, "unknown": unknown, "empty": empty} {
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", name, err)
		}
	}
	if wrong.Error() != unknown.Error() {
		t.Fatalf("failure messages differ: %q vs %q", wrong, unknown)
	}
}

func TestLoginUpgradesWeakHash(t *testing.T) {
	weak, _ := newTestService(t, nil)
	ctx := context.Background()
	registerAlice(t, weak)

	cfg := serviceTestConfig()
	cfg.Password.Iterations = 2000
	strong, err := New().WithConfig(cfg).WithIdentityStore(weak.identities).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer strong.Close()

	if _, err := strong.Login(ctx, "alice", "correct-horse-battery"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := strong.MetricsSnapshot().Counters[MetricPasswordRehashed]; got != 1 {
		t.Fatalf("expected one rehash, got %d", got)
	}

	_, stored, err := weak.identities.FindByLogin(ctx, "alice")
	if err != nil {
		t.Fatalf("FindByLogin: %v", err)
	}
	if up, _ := strong.hasher.NeedsUpgrade(stored); up {
		t.Fatalf("stored hash was not upgraded: %s", stored)
	}
}

func TestRefreshReuseRevokesChain(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	r0 := registerAlice(t, svc).RefreshToken

	p1, err := svc.Refresh(ctx, r0)
	if err != nil {
		t.Fatalf("Refresh(R0): %v", err)
	}
	if p1.RefreshToken == r0 {
		t.Fatalf("refresh token was not rotated")
	}
	if _, err := svc.Authenticate(ctx, p1.AccessToken); err != nil {
		t.Fatalf("Authenticate rotated access token: %v", err)
	}

	_, err = svc.Refresh(ctx, r0)
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("expected reuse detection, got %v", err)
	}

	_, err = svc.Refresh(ctx, p1.RefreshToken)
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected successor to be revoked, got %v", err)
	}

	snap := svc.MetricsSnapshot().Counters
	if snap[MetricRefreshReuseDetected] != 1 || snap[MetricRefreshSuccess] != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestRefreshRejectsMalformedAndExpired(t *testing.T) {
	svc, clk := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Refresh(ctx, "not-a-token")
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected malformed rejection, got %v", err)
	}

	pair := registerAlice(t, svc)
	clk.Advance(svc.config.Refresh.TTL + time.Second)

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired rejection, got %v", err)
	}
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	svc, _ := newTestService(t, nil)
	r0 := registerAlice(t, svc).RefreshToken

	const n = 50
	var wg sync.WaitGroup
	results := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Refresh(context.Background(), r0)
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one refresh success, got %d", success)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	pair := registerAlice(t, svc)

	for i := 0; i < 2; i++ {
		if err := svc.Logout(ctx, pair.RefreshToken); err != nil {
			t.Fatalf("Logout #%d: %v", i+1, err)
		}
	}
	if err := svc.Logout(ctx, "garbage"); err != nil {
		t.Fatalf("Logout(garbage): %v", err)
	}

	_, err := svc.Refresh(ctx, pair.RefreshToken)
	if !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected revoked after logout, got %v", err)
	}
	if got := svc.MetricsSnapshot().Counters[MetricLogout]; got != 1 {
		t.Fatalf("expected 1 logout for the single revocation, got %d", got)
	}
}

func TestLogoutOfRotatedTokenCountsNothing(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	pair := registerAlice(t, svc)

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := svc.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Logout(rotated): %v", err)
	}
	if got := svc.MetricsSnapshot().Counters[MetricLogout]; got != 0 {
		t.Fatalf("expected no logout counted for a rotated token, got %d", got)
	}
	if _, err := svc.Refresh(ctx, next.RefreshToken); err != nil {
		t.Fatalf("expected successor untouched, got %v", err)
	}
}

func TestLogoutAllRevokesEveryDevice(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	first := registerAlice(t, svc)
	second, err := svc.Login(ctx, "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	claims, err := svc.Authenticate(ctx, first.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := svc.LogoutAll(ctx, claims.Subject); err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	for _, rt := range []string{first.RefreshToken, second.RefreshToken} {
		if _, err := svc.Refresh(ctx, rt); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected refresh to fail after LogoutAll, got %v", err)
		}
	}
	if err := svc.LogoutAll(ctx, ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestAuthenticateAcceptsBearerPrefixAndExpires(t *testing.T) {
	svc, clk := newTestService(t, nil)
	ctx := context.Background()
	pair := registerAlice(t, svc)

	if _, err := svc.Authenticate(ctx, "Bearer "+pair.AccessToken); err != nil {
		t.Fatalf("Authenticate with prefix: %v", err)
	}
	if _, err := svc.Authenticate(ctx, ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty bearer, got %v", err)
	}

	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"
	if _, err := svc.Authenticate(ctx, tampered); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for tampered token, got %v", err)
	}

	clk.Advance(29 * time.Minute)
	if _, err := svc.Authenticate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("expected token valid at +29m: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected token expired at +31m, got %v", err)
	}
}

func TestPasswordResetRedeemsOnce(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	pair := registerAlice(t, svc)

	secret, err := svc.RequestPasswordReset(ctx, "alice@example.com")
	if err != nil || secret == "" {
		t.Fatalf("RequestPasswordReset: %q, %v", secret, err)
	}

	if err := svc.ConfirmPasswordReset(ctx, secret, "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
	if err := svc.ConfirmPasswordReset(ctx, secret, "brand-new-password"); err != nil {
		t.Fatalf("ConfirmPasswordReset: %v", err)
	}
	if err := svc.ConfirmPasswordReset(ctx, secret, "another-new-password"); !errors.Is(err, ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
	}

	if _, err := svc.Login(ctx, "alice", "correct-horse-battery"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := svc.Login(ctx, "alice", "brand-new-password"); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected refresh tokens revoked after reset, got %v", err)
	}
}

func TestPasswordResetConcurrentConfirmSingleWinner(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	registerAlice(t, svc)

	secret, err := svc.RequestPasswordReset(ctx, "alice")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.ConfirmPasswordReset(ctx, secret, "brand-new-password")
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
		} else if !errors.Is(err, ErrAlreadyRedeemed) {
			t.Fatalf("unexpected confirm error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one redemption, got %d", success)
	}
}

func TestPasswordResetEdgeCases(t *testing.T) {
	svc, clk := newTestService(t, nil)
	ctx := context.Background()
	registerAlice(t, svc)

	secret, err := svc.RequestPasswordReset(ctx, "nobody")
	if err != nil || secret != "" {
		t.Fatalf("unknown login should yield (\"\", nil), got %q, %v", secret, err)
	}
	if err := svc.ConfirmPasswordReset(ctx, "bogus", "brand-new-password"); !errors.Is(err, ErrResetInvalid) {
		t.Fatalf("expected ErrResetInvalid, got %v", err)
	}

	secret, err = svc.RequestPasswordReset(ctx, "alice")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	clk.Advance(61 * time.Minute)
	if err := svc.ConfirmPasswordReset(ctx, secret, "brand-new-password"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	disabled, _ := newTestService(t, func(b *Builder) {
		cfg := serviceTestConfig()
		cfg.PasswordReset.Enabled = false
		b.WithConfig(cfg)
	})
	if _, err := disabled.RequestPasswordReset(ctx, "alice"); !errors.Is(err, ErrPasswordResetDenied) {
		t.Fatalf("expected ErrPasswordResetDenied, got %v", err)
	}
}

func TestChangePasswordRevokesRefreshTokens(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	pair := registerAlice(t, svc)
	claims, err := svc.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	id := claims.Subject

	if err := svc.ChangePassword(ctx, id, "wrong-password", "brand-new-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.ChangePassword(ctx, id, "correct-horse-battery", "correct-horse-battery"); !errors.Is(err, ErrPasswordReuse) {
		t.Fatalf("expected ErrPasswordReuse, got %v", err)
	}
	if err := svc.ChangePassword(ctx, id, "correct-horse-battery", "tiny"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
	if err := svc.ChangePassword(ctx, id, "correct-horse-battery", "brand-new-password"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected refresh revoked after password change, got %v", err)
	}
	if _, err := svc.Login(ctx, "alice", "brand-new-password"); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
}

func TestPruneExpiredKeepsActiveTokens(t *testing.T) {
	svc, clk := newTestService(t, nil)
	ctx := context.Background()
	old := registerAlice(t, svc)
	if _, err := svc.RequestPasswordReset(ctx, "alice"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}

	clk.Advance(svc.config.Refresh.TTL + svc.config.Refresh.RetainExpired + time.Minute)
	fresh, err := svc.Login(ctx, "alice", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	report, err := svc.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if report.Refresh != 1 || report.Reset != 1 {
		t.Fatalf("unexpected prune report: %+v", report)
	}
	if _, err := svc.Refresh(ctx, fresh.RefreshToken); err != nil {
		t.Fatalf("active token lost by prune: %v", err)
	}
	if _, err := svc.Refresh(ctx, old.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected pruned token rejected, got %v", err)
	}
}

func TestAuditEventsCarryNoSecrets(t *testing.T) {
	sink := NewChannelSink(64)
	cfg := serviceTestConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.DropIfFull = false

	svc, err := New().WithConfig(cfg).WithAuditSink(sink).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx := WithClientIP(context.Background(), "203.0.113.7")

	pair := registerAlice(t, svc)
	if _, err := svc.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken); err == nil {
		t.Fatalf("expected reuse rejection")
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var types []string
	for len(sink.Events()) > 0 {
		ev := <-sink.Events()
		types = append(types, ev.EventType)
		for _, v := range ev.Metadata {
			if v == pair.RefreshToken {
				t.Fatalf("secret leaked into audit metadata: %+v", ev)
			}
		}
		if ev.EventType == auditEventRefreshReuseDetected {
			if ev.Error != string(auditErrTokenReuse) || ev.IP != "203.0.113.7" || ev.Success {
				t.Fatalf("unexpected reuse event: %+v", ev)
			}
		}
	}

	want := []string{auditEventRegisterSuccess, auditEventRefreshSuccess, auditEventRefreshReuseDetected}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, types)
	}
}

func TestNilServiceReportsNotReady(t *testing.T) {
	var svc *Service
	ctx := context.Background()

	if _, err := svc.Login(ctx, "a", "b"); !errors.Is(err, ErrServiceNotReady) {
		t.Fatalf("Login: expected ErrServiceNotReady, got %v", err)
	}
	if _, err := svc.Refresh(ctx, "a"); !errors.Is(err, ErrServiceNotReady) {
		t.Fatalf("Refresh: expected ErrServiceNotReady, got %v", err)
	}
	if err := svc.Logout(ctx, "a"); !errors.Is(err, ErrServiceNotReady) {
		t.Fatalf("Logout: expected ErrServiceNotReady, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "a"); !errors.Is(err, ErrServiceNotReady) {
		t.Fatalf("Authenticate: expected ErrServiceNotReady, got %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestBuilderSingleUse(t *testing.T) {
	b := New().WithConfig(serviceTestConfig())
	if _, err := b.Build(); err != nil {
		t.Fatalf("first Build: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatalf("expected second Build to fail")
	}

	cfg := serviceTestConfig()
	cfg.Security.EnableLoginThrottle = true
	if _, err := New().WithConfig(cfg).Build(); err == nil {
		t.Fatalf("expected throttle without redis to fail")
	}
}
