package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/credledger"
)

// runRace presents one refresh token from n goroutines released together.
// Exactly one rotation may succeed; every other presentation is reuse.
func runRace(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("race", flag.ExitOnError)
	driver := fs.String("driver", "", "store driver override (memory, redis, sqlite, postgres)")
	n := fs.Int("n", 50, "concurrent presentations of the same refresh token")
	rounds := fs.Int("rounds", 1, "number of independent races")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *n <= 0 || *rounds <= 0 {
		return errors.New("n and rounds must be > 0")
	}

	svc, cleanup, err := setup(ctx, logger, *driver)
	if err != nil {
		return err
	}
	defer cleanup()

	name := fmt.Sprintf("race-%d", time.Now().UnixNano())
	if _, err := svc.Register(ctx, credledger.RegisterRequest{Username: name, Password: "correct-horse-battery"}); err != nil {
		return check("register", err)
	}

	for round := 1; round <= *rounds; round++ {
		pair, err := svc.Login(ctx, name, "correct-horse-battery")
		if err != nil {
			return check("login", err)
		}

		stats := raceRefresh(ctx, svc, pair.RefreshToken, *n)
		printStats(round, stats)
		if stats.success != 1 {
			return fmt.Errorf("round %d: expected exactly one successful rotation, got %d", round, stats.success)
		}
	}
	return nil
}

type raceStats struct {
	total   time.Duration
	success int64
	reuse   int64
	other   int64
	p50     time.Duration
	p99     time.Duration
}

func raceRefresh(ctx context.Context, svc *credledger.Service, token string, n int) raceStats {
	var (
		wg        sync.WaitGroup
		success   int64
		reuse     int64
		other     int64
		latencies = make([]time.Duration, 0, n)
		mu        sync.Mutex
	)

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			t0 := time.Now()
			_, err := svc.Refresh(ctx, token)
			d := time.Since(t0)

			switch {
			case err == nil:
				atomic.AddInt64(&success, 1)
			case errors.Is(err, credledger.ErrTokenReuseDetected), errors.Is(err, credledger.ErrTokenRevoked):
				atomic.AddInt64(&reuse, 1)
			default:
				atomic.AddInt64(&other, 1)
			}

			mu.Lock()
			latencies = append(latencies, d)
			mu.Unlock()
		}()
	}

	t0 := time.Now()
	close(start)
	wg.Wait()
	total := time.Since(t0)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	return raceStats{
		total:   total,
		success: success,
		reuse:   reuse,
		other:   other,
		p50:     percentile(latencies, 50),
		p99:     percentile(latencies, 99),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(round int, s raceStats) {
	fmt.Printf("round %d: success=%d rejected=%d other=%d total=%s p50=%s p99=%s\n",
		round,
		s.success,
		s.reuse,
		s.other,
		s.total.Round(time.Millisecond),
		s.p50.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
