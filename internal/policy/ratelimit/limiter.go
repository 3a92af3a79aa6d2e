// Package ratelimit spaces out requests to the crawl target with a single
// global token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/listingwatch/internal/metrics"
)

// DefaultMinInterval is the minimum gap between two requests.
const DefaultMinInterval = time.Second

// Limiter guarantees a minimum interval between consecutive slots across all
// queries and pages. It is safe for concurrent use.
type Limiter struct {
	limiter  *rate.Limiter
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	MinInterval time.Duration
}

// New creates a new Limiter. A non-positive interval disables limiting.
func New(cfg Config) *Limiter {
	limit := rate.Every(cfg.MinInterval)
	if cfg.MinInterval <= 0 {
		limit = rate.Inf
	}
	return &Limiter{limiter: rate.NewLimiter(limit, 1), interval: max(cfg.MinInterval, 0)}
}

// AwaitSlot blocks until at least the minimum interval has passed since the
// previous call returned, respecting the context. The first call returns
// immediately.
func (l *Limiter) AwaitSlot(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// The bucket schedules by reservation time; a late timer would let the
	// next slot start early, so the gap is re-checked against the last grant.
	if !l.last.IsZero() {
		if remaining := l.interval - time.Since(l.last); remaining > 0 {
			if err := sleep(ctx, remaining); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
		}
	}
	l.last = time.Now()
	if waited := l.last.Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
