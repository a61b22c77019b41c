package credledger_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrEthical07/credledger"
	"github.com/MrEthical07/credledger/store/redisstore"
	"github.com/redis/go-redis/v9"
)

// ExampleNew wires the service to Redis-backed ledgers and the login throttle.
func ExampleNew() {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})

	cfg := credledger.DefaultConfig()
	cfg.Security.EnableLoginThrottle = true

	svc, _ := credledger.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithRefreshStore(redisstore.NewRefreshStore(rdb, redisstore.Options{})).
		WithResetStore(redisstore.NewResetStore(rdb, redisstore.Options{})).
		Build()
	_ = svc
}

// ExampleService_Refresh replays a rotated refresh token.
func ExampleService_Refresh() {
	ctx := context.Background()
	svc, err := credledger.New().
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Build()
	if err != nil {
		panic(err)
	}
	defer svc.Close()

	pair, err := svc.Register(ctx, credledger.RegisterRequest{Username: "alice", Password: "correct-horse-battery"})
	if err != nil {
		panic(err)
	}

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	fmt.Println("first refresh:", err)

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	fmt.Println("replay rejected:", errors.Is(err, credledger.ErrUnauthorized))
	fmt.Println("reuse detected:", errors.Is(err, credledger.ErrTokenReuseDetected))

	// Output:
	// first refresh: <nil>
	// replay rejected: true
	// reuse detected: true
}
