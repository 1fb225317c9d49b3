package fetcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/policy/ratelimit"
)

type scriptedFetcher struct {
	mu        sync.Mutex
	responses []scripted
	requests  []crawler.FetchRequest
}

type scripted struct {
	status int
	err    error
}

func (f *scriptedFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	idx := len(f.requests) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	step := f.responses[idx]
	if step.err != nil {
		return crawler.FetchResponse{}, step.err
	}
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: step.status,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte("<html></html>"),
	}, nil
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestClient(f crawler.Fetcher, rec *sleepRecorder, opts ...Option) *Client {
	opts = append(opts, WithSleep(rec.sleep))
	return New(f, ratelimit.New(ratelimit.Config{}), Config{}, zap.NewNop(), opts...)
}

func TestClientRetriesServerErrorsWithBackoff(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{responses: []scripted{{status: 503}, {status: 429}, {status: 200}}}
	rec := &sleepRecorder{}
	log := crawler.NewAttemptLog()

	resp, err := newTestClient(f, rec).Get(context.Background(), "https://example.nl/agenda", nil, log)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, []time.Duration{time.Second, 3 * time.Second}, rec.delays)

	entries := log.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, crawler.AttemptRetryable, entries[0].Outcome)
	require.Equal(t, crawler.AttemptRateLimited, entries[1].Outcome)
	require.Equal(t, crawler.AttemptOK, entries[2].Outcome)
}

func TestClientDoesNotRetryForbidden(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{responses: []scripted{{status: 403}}}
	rec := &sleepRecorder{}
	log := crawler.NewAttemptLog()

	resp, err := newTestClient(f, rec).Get(context.Background(), "https://example.nl/agenda", nil, log)
	require.NoError(t, err)
	require.Equal(t, 403, resp.StatusCode)
	require.Empty(t, rec.delays)
	require.Len(t, f.requests, 1)
	require.Equal(t, crawler.AttemptBlocked, log.Entries()[0].Outcome)
}

func TestClientReturnsLastStatusWhenRetriesExhausted(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{responses: []scripted{{status: 502}}}
	rec := &sleepRecorder{}

	resp, err := newTestClient(f, rec).Get(context.Background(), "https://example.nl/agenda", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 502, resp.StatusCode)
	require.Len(t, f.requests, 4)
	require.Equal(t, DefaultBackoff(), rec.delays)
}

func TestClientNetworkErrorsAreRecordedAsZeroStatus(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{responses: []scripted{{err: errors.New("connection refused")}}}
	rec := &sleepRecorder{}
	log := crawler.NewAttemptLog()

	_, err := newTestClient(f, rec).Get(context.Background(), "https://example.nl/agenda", nil, log)
	require.Error(t, err)
	entries := log.Entries()
	require.Len(t, entries, 4)
	for _, entry := range entries {
		require.Equal(t, crawler.AttemptNetworkError, entry.Outcome)
		require.Zero(t, entry.StatusCode)
		require.Equal(t, "connection refused", entry.Error)
	}
}

func TestClientHeaders(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{responses: []scripted{{status: 200}}}
	rec := &sleepRecorder{}

	_, err := newTestClient(f, rec).Head(context.Background(), "https://example.nl/agenda",
		map[string]string{"Accept-Language": "en-GB", "X-Api": "1"}, nil)
	require.NoError(t, err)
	req := f.requests[0]
	require.Equal(t, http.MethodHead, req.Method)
	require.Equal(t, DefaultUserAgent, req.Headers.Get("User-Agent"))
	require.Equal(t, "https://example.nl/agenda", req.Headers.Get("Referer"))
	require.Equal(t, "en-GB", req.Headers.Get("Accept-Language"))
	require.Equal(t, "1", req.Headers.Get("X-Api"))
	require.Contains(t, req.Headers.Get("Accept"), "text/html")
}

func TestClientRender(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	static := &scriptedFetcher{responses: []scripted{{status: 200}}}
	client := newTestClient(static, rec)
	require.False(t, client.HasRenderer())
	_, err := client.Render(context.Background(), "https://example.nl", nil, nil)
	require.ErrorIs(t, err, ErrNoRenderer)

	headless := &scriptedFetcher{responses: []scripted{{status: 200}}}
	client = newTestClient(static, rec, WithHeadless(headless))
	require.True(t, client.HasRenderer())
	_, err = client.Render(context.Background(), "https://example.nl", nil, nil)
	require.NoError(t, err)
	require.Len(t, headless.requests, 1)
	require.Empty(t, static.requests)
}

func TestClientStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{responses: []scripted{{status: 503}}}
	ctx, cancel := context.WithCancel(context.Background())
	client := New(f, nil, Config{}, zap.NewNop(), WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))
	_, err := client.Get(ctx, "https://example.nl", nil, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, f.requests, 1)
}
