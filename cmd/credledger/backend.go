package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrEthical07/credledger"
	"github.com/MrEthical07/credledger/identity"
	"github.com/MrEthical07/credledger/refresh"
	"github.com/MrEthical07/credledger/reset"
	"github.com/MrEthical07/credledger/store/redisstore"
	"github.com/MrEthical07/credledger/store/sqlstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// backend holds the stores for one driver. Nil stores fall back to the
// Builder's in-memory defaults.
type backend struct {
	identities identity.Store
	refreshes  refresh.Store
	resets     reset.Store
	redis      redis.UniversalClient
	close      func()
}

func openBackend(ctx context.Context, cfg credledger.StoreConfig, retain time.Duration, logger *slog.Logger) (*backend, error) {
	switch cfg.Driver {
	case credledger.StoreMemory:
		logger.Info("using in-memory stores")
		return &backend{close: func() {}}, nil

	case credledger.StoreRedis:
		client, cleanup, err := redisClient(cfg.RedisAddr, logger)
		if err != nil {
			return nil, err
		}
		opts := redisstore.Options{Prefix: cfg.RedisPrefix, RetainExpired: retain}
		return &backend{
			refreshes: redisstore.NewRefreshStore(client, opts),
			resets:    redisstore.NewResetStore(client, opts),
			redis:     client,
			close:     cleanup,
		}, nil

	case credledger.StoreSQLite, credledger.StorePostgres:
		driver := sqlstore.DriverSQLite
		if cfg.Driver == credledger.StorePostgres {
			driver = sqlstore.DriverPostgres
		}
		db, err := sqlstore.Open(ctx, driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		logger.Info("using sql stores", "driver", driver)
		be := &backend{
			identities: sqlstore.NewIdentityStore(db),
			refreshes:  sqlstore.NewRefreshStore(db),
			resets:     sqlstore.NewResetStore(db),
			close: func() {
				if err := db.Close(); err != nil {
					logger.Warn("credledger: close database failed", "error", err)
				}
			},
		}
		if cfg.RedisAddr != "" {
			client, cleanup, err := redisClient(cfg.RedisAddr, logger)
			if err != nil {
				be.close()
				return nil, err
			}
			closeDB := be.close
			be.redis = client
			be.close = func() {
				cleanup()
				closeDB()
			}
		}
		return be, nil

	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// redisClient connects to addr, or to an in-process miniredis when addr is
// empty.
func redisClient(addr string, logger *slog.Logger) (redis.UniversalClient, func(), error) {
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		logger.Info("using miniredis", "addr", mr.Addr())
		return client, func() {
			_ = client.Close()
			mr.Close()
		}, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	logger.Info("using redis", "addr", addr)
	return client, func() { _ = client.Close() }, nil
}
