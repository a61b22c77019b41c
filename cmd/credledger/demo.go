package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrEthical07/credledger"
)

// runDemo walks one identity through the credential lifecycle and shows
// that replaying a rotated refresh token revokes the whole chain.
func runDemo(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	driver := fs.String("driver", "", "store driver override (memory, redis, sqlite, postgres)")
	username := fs.String("user", "", "username to register; random when empty")
	password := fs.String("password", "correct-horse-battery", "password to register with")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, cleanup, err := setup(ctx, logger, *driver)
	if err != nil {
		return err
	}
	defer cleanup()

	name := *username
	if name == "" {
		name = fmt.Sprintf("demo-%d", time.Now().UnixNano())
	}

	pair, err := svc.Register(ctx, credledger.RegisterRequest{
		Username: name,
		Email:    name + "@example.com",
		Password: *password,
		Roles:    []string{"member"},
	})
	if err := check("register", err); err != nil {
		return err
	}
	claims, err := svc.Authenticate(ctx, "Bearer "+pair.AccessToken)
	if err := check("authenticate", err); err != nil {
		return err
	}
	fmt.Printf("%-28s subject=%s roles=%v expires=%s\n", "registered", claims.Subject, claims.Roles, pair.AccessExpiresAt.Format(time.RFC3339))

	_, err = svc.Login(ctx, name, "not-"+*password)
	if err := expect("login wrong password", err, credledger.ErrInvalidCredentials); err != nil {
		return err
	}
	login, err := svc.Login(ctx, name+"@example.com", *password)
	if err := check("login", err); err != nil {
		return err
	}
	fmt.Printf("%-28s refresh expires=%s\n", "logged in by email", login.RefreshExpiresAt.Format(time.RFC3339))

	rotated, err := svc.Refresh(ctx, login.RefreshToken)
	if err := check("refresh", err); err != nil {
		return err
	}
	fmt.Printf("%-28s new refresh token issued\n", "refreshed")

	_, err = svc.Refresh(ctx, login.RefreshToken)
	if err := expect("replay rotated token", err, credledger.ErrTokenReuseDetected); err != nil {
		return err
	}
	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	if err := expect("successor after reuse", err, credledger.ErrUnauthorized); err != nil {
		return err
	}

	secret, err := svc.RequestPasswordReset(ctx, name)
	if err := check("request reset", err); err != nil {
		return err
	}
	if err := check("confirm reset", svc.ConfirmPasswordReset(ctx, secret, "new-"+*password)); err != nil {
		return err
	}
	fmt.Printf("%-28s password replaced\n", "reset redeemed")
	if err := expect("redeem reset again", svc.ConfirmPasswordReset(ctx, secret, "other-"+*password), credledger.ErrAlreadyRedeemed); err != nil {
		return err
	}

	if err := check("logout", svc.Logout(ctx, pair.RefreshToken)); err != nil {
		return err
	}

	snap := svc.MetricsSnapshot()
	fmt.Printf("%-28s login=%d refresh=%d reuse=%d\n", "metrics",
		snap.Counters[credledger.MetricLoginSuccess],
		snap.Counters[credledger.MetricRefreshSuccess],
		snap.Counters[credledger.MetricRefreshReuseDetected],
	)
	return nil
}
