// Package ratelimit implements the per-domain politeness throttle in front
// of the HTTP Client Factory.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter manages per-domain token buckets.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	logger       *zap.Logger
}

// Config holds the default per-domain rate and burst.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a Limiter from cfg, falling back to an unbounded rate when
// DefaultRPS is non-positive.
func New(cfg Config, logger *zap.Logger) *Limiter {
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
		logger:       logger,
	}
}

// Wait blocks until a token is available for rawURL's host, or until ctx is
// done.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		domain = u.Hostname()
	}

	l.mu.Lock()
	limiter, exists := l.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", domain, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		l.logger.Debug("rate limit delay", zap.String("domain", domain), zap.Duration("waited", waited))
	}
	return nil
}

// SetDomainRate overrides the rate/burst for a specific domain, used when a
// source descriptor carries its own politeness override.
func (l *Limiter) SetDomainRate(domain string, rps float64, burst int) {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[domain] = rate.NewLimiter(r, burst)
}
