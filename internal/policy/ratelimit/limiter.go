// Package ratelimit implements per-host token bucket throttling for source fetches.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ajslaghu/open-agenda-api/internal/extract"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	observe      func(host string, waited time.Duration)
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// ObserveDelay, when set, receives every wait longer than a millisecond.
	ObserveDelay func(host string, waited time.Duration)
}

// New creates a new Limiter. A non-positive rate disables throttling.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		observe:      cfg.ObserveDelay,
	}
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.observe != nil {
		l.observe(host, waited)
	}
	return nil
}

// Fetcher throttles an underlying extract.Fetcher.
type Fetcher struct {
	limiter *Limiter
	next    extract.Fetcher
}

// Wrap returns a fetcher that waits on limiter before each request.
func Wrap(limiter *Limiter, next extract.Fetcher) *Fetcher {
	return &Fetcher{limiter: limiter, next: next}
}

// Fetch waits for a token and delegates.
func (f *Fetcher) Fetch(ctx context.Context, url string) (extract.Response, error) {
	if err := f.limiter.Wait(ctx, url); err != nil {
		return extract.Response{}, err
	}
	return f.next.Fetch(ctx, url)
}
