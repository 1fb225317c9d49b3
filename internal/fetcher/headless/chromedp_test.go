package headless

import (
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

func TestNewChromedpValidationAndDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{})
	require.NoError(t, err)
	defer fetcher.Close()
	require.Equal(t, 45*time.Second, fetcher.cfg.NavigationTimeout)
	require.Equal(t, 1500*time.Millisecond, fetcher.cfg.SettleDelay)
	require.Nil(t, fetcher.slots)

	capped, err := NewChromedp(Config{MaxParallel: 2, NavigationTimeout: time.Second})
	require.NoError(t, err)
	defer capped.Close()
	require.NotNil(t, capped.slots)
	require.Equal(t, time.Second, capped.cfg.NavigationTimeout)
}

func TestTasksAddWaitSelector(t *testing.T) {
	t.Parallel()

	var html, location string
	plain := (&Fetcher{}).tasks(crawler.FetchRequest{URL: "https://www.gouda.nl/agenda"}, &html, &location)
	waiting := (&Fetcher{cfg: Config{WaitSelector: ".agenda-list"}}).tasks(crawler.FetchRequest{URL: "https://www.gouda.nl/agenda"}, &html, &location)
	require.Len(t, waiting, len(plain)+1)
}

func TestExtraHeadersSkipsUserAgent(t *testing.T) {
	t.Parallel()

	extra := extraHeaders(http.Header{
		"User-Agent":      {"agenda-crawler/1.0"},
		"Accept-Language": {"nl-NL", "nl;q=0.9"},
		"X-Empty":         {},
	})
	require.Equal(t, network.Headers{"Accept-Language": "nl-NL, nl;q=0.9"}, extra)
}

func TestDocumentResponseCapturesMainDocument(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn.example.nl/app.js"},
	})
	doc.observe("not an event")
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://www.gouda.nl/agenda",
			Headers: network.Headers{"X-Request-Id": "abc", "Content-Type": "application/xhtml+xml"},
		},
	})

	resp := doc.response("https://gouda.nl/agenda", "https://www.gouda.nl/agenda#top", []byte("<html></html>"), time.Second)
	require.Equal(t, 203, resp.StatusCode)
	require.Equal(t, "https://www.gouda.nl/agenda", resp.URL)
	require.Equal(t, "abc", resp.Headers.Get("X-Request-Id"))
	require.Equal(t, "text/html; charset=utf-8", resp.Headers.Get("Content-Type"))
	require.True(t, resp.UsedHeadless)
	require.Equal(t, time.Second, resp.Duration)
}

func TestDocumentResponseFallbacks(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	resp := doc.response("https://gouda.nl/agenda", "https://www.gouda.nl/agenda", nil, 0)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "https://www.gouda.nl/agenda", resp.URL)
	require.Equal(t, "text/html; charset=utf-8", resp.Headers.Get("Content-Type"))

	resp = doc.response("https://gouda.nl/agenda", "", nil, 0)
	require.Equal(t, "https://gouda.nl/agenda", resp.URL)
}
