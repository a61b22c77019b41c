// Command credledger exercises the credential ledger against a configured
// backend.
//
//	credledger demo              register, login, refresh and replay a rotated token
//	credledger race -n 50        present one refresh token from n goroutines at once
//	credledger prune             delete expired ledger records
//
// Configuration comes from CREDLEDGER_* environment variables; see
// credledger.LoadConfigFromEnv.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrEthical07/credledger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "demo":
		err = runDemo(ctx, logger, os.Args[2:])
	case "race":
		err = runRace(ctx, logger, os.Args[2:])
	case "prune":
		err = runPrune(ctx, logger, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("credledger failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: credledger <demo|race|prune> [flags]")
}

// setup loads configuration, opens the backend and builds the service.
// The returned cleanup closes both.
func setup(ctx context.Context, logger *slog.Logger, driver string) (*credledger.Service, func(), error) {
	cfg, err := credledger.LoadConfigFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if driver != "" {
		cfg.Store.Driver = driver
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	retain := max(cfg.Refresh.RetainExpired, cfg.PasswordReset.RetainExpired)
	be, err := openBackend(ctx, cfg.Store, retain, logger)
	if err != nil {
		return nil, nil, err
	}

	b := credledger.New().
		WithConfig(cfg).
		WithLogger(logger)
	if be.identities != nil {
		b.WithIdentityStore(be.identities)
	}
	if be.refreshes != nil {
		b.WithRefreshStore(be.refreshes)
	}
	if be.resets != nil {
		b.WithResetStore(be.resets)
	}
	if be.redis != nil {
		b.WithRedis(be.redis)
	}
	if sink := auditSink(cfg.Audit, logger); sink != nil {
		b.WithAuditSink(sink)
	}

	svc, err := b.Build()
	if err != nil {
		be.close()
		return nil, nil, fmt.Errorf("build service: %w", err)
	}

	cleanup := func() {
		if err := svc.Close(); err != nil {
			logger.Warn("credledger: audit sink close failed", "error", err)
		}
		if dropped := svc.AuditDropped(); dropped > 0 {
			logger.Warn("credledger: audit events dropped", "count", dropped)
		}
		be.close()
	}
	return svc, cleanup, nil
}

func auditSink(cfg credledger.AuditConfig, logger *slog.Logger) credledger.AuditSink {
	if !cfg.Enabled {
		return nil
	}
	if len(cfg.KafkaBrokers) > 0 {
		logger.Info("audit events published to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		return credledger.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic).WithLogger(logger)
	}
	return credledger.NewJSONWriterSink(os.Stdout)
}

func runPrune(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	driver := fs.String("driver", "", "store driver override (memory, redis, sqlite, postgres)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, cleanup, err := setup(ctx, logger, *driver)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := svc.PruneExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pruned refresh=%d reset=%d\n", report.Refresh, report.Reset)
	return nil
}

func check(step string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}

func expect(step string, err, want error) error {
	if !errors.Is(err, want) {
		return fmt.Errorf("%s: expected %v, got %v", step, want, err)
	}
	fmt.Printf("%-28s rejected: %v\n", step, err)
	return nil
}
