package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds limiter tuning.
type Config struct {
	Prefix           string
	EnableIPThrottle bool
	MaxLoginAttempts int
	LoginCooldown    time.Duration
	MaxResetRequests int
	ResetCooldown    time.Duration
}

// Limiter counts failed logins per login name and per client IP, and
// password reset requests per login name, in fixed Redis windows.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a Limiter backed by redisClient.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "cl"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

func (l *Limiter) loginKey(login string) string { return l.config.Prefix + ":rl:login:" + login }
func (l *Limiter) ipKey(ip string) string       { return l.config.Prefix + ":rl:ip:" + ip }
func (l *Limiter) resetKey(login string) string { return l.config.Prefix + ":rl:reset:" + login }

// CheckLogin returns ErrRateLimited once login or ip has used up its
// failure budget for the current window. It does not count the attempt.
func (l *Limiter) CheckLogin(ctx context.Context, login, ip string) error {
	if err := l.checkCounter(ctx, l.loginKey(login), l.config.MaxLoginAttempts); err != nil {
		return err
	}
	if l.config.EnableIPThrottle && ip != "" {
		return l.checkCounter(ctx, l.ipKey(ip), l.config.MaxLoginAttempts)
	}
	return nil
}

// RecordLoginFailure counts one failed attempt.
func (l *Limiter) RecordLoginFailure(ctx context.Context, login, ip string) error {
	if _, err := l.incrementWithTTL(ctx, l.loginKey(login), l.config.LoginCooldown); err != nil {
		return err
	}
	if l.config.EnableIPThrottle && ip != "" {
		if _, err := l.incrementWithTTL(ctx, l.ipKey(ip), l.config.LoginCooldown); err != nil {
			return err
		}
	}
	return nil
}

// ResetLogin clears the login counter after a successful login. The IP
// counter is left alone so one good account cannot launder an IP.
func (l *Limiter) ResetLogin(ctx context.Context, login string) error {
	if err := l.redis.Del(ctx, l.loginKey(login)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// AllowResetRequest counts a reset request for login and returns
// ErrRateLimited once the window budget is exceeded. A zero budget
// disables the check.
func (l *Limiter) AllowResetRequest(ctx context.Context, login string) error {
	if l.config.MaxResetRequests <= 0 {
		return nil
	}
	count, err := l.incrementWithTTL(ctx, l.resetKey(login), l.config.ResetCooldown)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxResetRequests) {
		return ErrRateLimited
	}
	return nil
}

// LoginAttempts returns the failure count for login. Missing keys count
// as zero.
func (l *Limiter) LoginAttempts(ctx context.Context, login string) (int, error) {
	count, err := l.redis.Get(ctx, l.loginKey(login)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(max(count, 0)), nil
}

func (l *Limiter) checkCounter(ctx context.Context, key string, maxAttempts int) error {
	count, err := l.redis.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count >= int64(maxAttempts) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// The window starts at the first hit.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return count, nil
}
