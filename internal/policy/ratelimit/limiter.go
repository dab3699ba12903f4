// Package ratelimit spaces out requests to the same host with one token
// bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/metrics"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// Config holds rate limiter configuration. RequestDelay is the minimum gap
// between two requests to one host; zero disables limiting.
type Config struct {
	RequestDelay time.Duration
	Burst        int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until a request to the host of rawURL may proceed.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := metrics.SanitizeSite(rawURL)

	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// A token that was already available costs nothing worth recording.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Fetcher delays each request until its host's limiter allows it and then
// hands it to the wrapped fetcher.
type Fetcher struct {
	next    lunch.Fetcher
	limiter *Limiter
}

var _ lunch.Fetcher = (*Fetcher)(nil)

// Wrap returns next behind limiter.
func Wrap(next lunch.Fetcher, limiter *Limiter) *Fetcher {
	return &Fetcher{next: next, limiter: limiter}
}

// Fetch implements lunch.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, request lunch.FetchRequest) (lunch.FetchResponse, error) {
	if err := f.limiter.Wait(ctx, request.URL); err != nil {
		return lunch.FetchResponse{}, &lunch.FetchError{URL: request.URL, Err: err}
	}
	return f.next.Fetch(ctx, request)
}
