// Package ratelimit enforces a minimum interval between requests to the same
// host, shared by every worker of a run.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DelayObserver receives the time a caller spent waiting for a host slot.
type DelayObserver func(host string, waited time.Duration)

// Limiter manages one token bucket per hostname.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
	observe  DelayObserver
}

// Config holds rate limiter configuration.
type Config struct {
	// MinInterval is the minimum gap between two requests to one host.
	// Zero disables throttling.
	MinInterval time.Duration
	Observer    DelayObserver
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	interval := cfg.MinInterval
	if interval < 0 {
		interval = 0
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
		observe:  cfg.Observer,
	}
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// SetHostInterval overrides the interval for one host. Sources that share a
// host share the override.
func (l *Limiter) SetHostInterval(rawURL string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	host := HostKey(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[host]; ok {
		limiter.SetLimit(limitFor(interval))
		return
	}
	l.limiters[host] = rate.NewLimiter(limitFor(interval), 1)
}

// Wait blocks until the host of rawURL may be contacted again and returns
// how long it waited.
func (l *Limiter) Wait(ctx context.Context, rawURL string) (time.Duration, error) {
	host := HostKey(rawURL)
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(limitFor(l.interval), 1)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return time.Since(start), fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	waited := time.Since(start)
	if l.observe != nil && waited > time.Millisecond {
		l.observe(host, waited)
	}
	return waited, nil
}

// HostKey returns the lowercase hostname of rawURL, or "unknown".
func HostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
