// Package fetcher wraps single-attempt fetchers with per-host throttling,
// browser-like headers and bounded retry with backoff.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/metrics"
)

// Default browser identity sent with every request.
const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	DefaultAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	DefaultAcceptLanguage = "nl-NL,nl;q=0.9,en-US;q=0.8,en;q=0.7"
)

// ErrNoRenderer is returned by Render when no headless fetcher is configured.
var ErrNoRenderer = errors.New("no headless renderer configured")

// HostWaiter blocks until a host may be contacted again.
type HostWaiter interface {
	Wait(ctx context.Context, rawURL string) (time.Duration, error)
}

// Config controls retry and header behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	// Backoff lists the delay before each retry. Attempt n+1 waits Backoff[n-1];
	// the last entry repeats when MaxAttempts exceeds len(Backoff)+1.
	Backoff     []time.Duration
	MaxAttempts int
}

// DefaultBackoff is the 1s, 3s, 9s schedule.
func DefaultBackoff() []time.Duration {
	return []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}
}

// Client implements crawler.PageFetcher and crawler.Renderer.
type Client struct {
	static   crawler.Fetcher
	headless crawler.Fetcher
	limiter  HostWaiter
	cfg      Config
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithHeadless enables Render through the given JavaScript-capable fetcher.
func WithHeadless(f crawler.Fetcher) Option {
	return func(c *Client) {
		c.headless = f
	}
}

// WithSleep replaces the backoff sleeper.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// New builds a Client over a single-attempt static fetcher.
func New(static crawler.Fetcher, limiter HostWaiter, cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = DefaultAcceptLanguage
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = len(cfg.Backoff) + 1
	}
	c := &Client{
		static:  static,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasRenderer reports whether Render can succeed.
func (c *Client) HasRenderer() bool {
	return c.headless != nil
}

// Get fetches rawURL with retries.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string, log *crawler.AttemptLog) (crawler.FetchResponse, error) {
	return c.do(ctx, c.static, http.MethodGet, rawURL, headers, log)
}

// Head issues a HEAD with retries.
func (c *Client) Head(ctx context.Context, rawURL string, headers map[string]string, log *crawler.AttemptLog) (crawler.FetchResponse, error) {
	return c.do(ctx, c.static, http.MethodHead, rawURL, headers, log)
}

// Render fetches rawURL through the headless fetcher.
func (c *Client) Render(ctx context.Context, rawURL string, headers map[string]string, log *crawler.AttemptLog) (crawler.FetchResponse, error) {
	if c.headless == nil {
		return crawler.FetchResponse{}, ErrNoRenderer
	}
	return c.do(ctx, c.headless, http.MethodGet, rawURL, headers, log)
}

// BuildHeaders returns the browser-like header set for rawURL with overrides
// applied last.
func (c *Client) BuildHeaders(rawURL string, overrides map[string]string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", c.cfg.UserAgent)
	h.Set("Accept", DefaultAccept)
	h.Set("Accept-Language", c.cfg.AcceptLanguage)
	h.Set("Referer", rawURL)
	for key, value := range overrides {
		h.Set(key, value)
	}
	return h
}

func (c *Client) do(
	ctx context.Context,
	f crawler.Fetcher,
	method, rawURL string,
	headers map[string]string,
	log *crawler.AttemptLog,
) (crawler.FetchResponse, error) {
	request := crawler.FetchRequest{URL: rawURL, Method: method, Headers: c.BuildHeaders(rawURL, headers)}
	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if _, err := c.limiter.Wait(ctx, rawURL); err != nil {
				return crawler.FetchResponse{}, fmt.Errorf("throttle %s: %w", rawURL, err)
			}
		}
		resp, err := f.Fetch(ctx, request)
		outcome := crawler.ClassifyStatus(resp.StatusCode)
		if err != nil {
			outcome = crawler.AttemptNetworkError
		}
		entry := crawler.Attempt{
			At:         time.Now().UTC(),
			URL:        rawURL,
			Method:     method,
			Outcome:    outcome,
			StatusCode: resp.StatusCode,
			DurationMs: resp.Duration.Milliseconds(),
		}
		if err != nil {
			entry.StatusCode = 0
			entry.Error = err.Error()
		}
		log.Record(entry)
		metrics.ObserveFetch(rawURL, string(outcome), len(resp.Body))

		if ctxErr := ctx.Err(); ctxErr != nil {
			return resp, fmt.Errorf("fetch %s: %w", rawURL, ctxErr)
		}
		retryable := err != nil || outcome == crawler.AttemptRateLimited || outcome == crawler.AttemptRetryable
		if !retryable {
			return resp, nil
		}
		if attempt >= c.cfg.MaxAttempts {
			c.logger.Warn("fetch retries exhausted",
				zap.String("url", rawURL),
				zap.String("method", method),
				zap.Int("attempts", attempt),
				zap.Int("status", resp.StatusCode),
				zap.Error(err),
			)
			if err != nil {
				return resp, fmt.Errorf("fetch %s after %d attempts: %w", rawURL, attempt, err)
			}
			return resp, nil
		}
		delay := c.backoff(attempt)
		c.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("outcome", string(outcome)),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return resp, fmt.Errorf("fetch %s backoff: %w", rawURL, err)
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(c.cfg.Backoff) {
		idx = len(c.cfg.Backoff) - 1
	}
	return c.cfg.Backoff[idx]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
