// Package headless renders JavaScript-heavy agenda pages with headless Chrome.
package headless

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

const defaultNavigationTimeout = 45 * time.Second

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrently open tabs. Zero means no cap.
	MaxParallel       int
	NavigationTimeout time.Duration
	// SettleDelay is how long to wait after the body is ready for client-side
	// agenda widgets to populate.
	SettleDelay time.Duration
	// WaitSelector, when set, must be visible before the DOM is captured.
	WaitSelector string
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome. It is
// plugged in behind fetcher.WithHeadless and only used for sources the
// rendering detector flags as dynamic.
type Fetcher struct {
	cfg       Config
	slots     *semaphore.Weighted
	allocator context.Context
	cancel    context.CancelFunc
}

// NewChromedp creates a headless fetcher. Chrome is started lazily on the
// first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	cfg.NavigationTimeout = cmp.Or(cfg.NavigationTimeout, defaultNavigationTimeout)
	cfg.SettleDelay = cmp.Or(cfg.SettleDelay, 1500*time.Millisecond)

	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	f.allocator, f.cancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.cancel()
}

// Fetch opens request.URL in a fresh tab and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("wait for render slot: %w", err)
		}
		defer f.slots.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()
	// The tab hangs off the allocator, so caller cancellation is forwarded.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	var html, location string
	start := time.Now()
	if err := chromedp.Run(tabCtx, f.tasks(request, &html, &location)); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, err)
	}
	return doc.response(request.URL, location, []byte(html), time.Since(start)), nil
}

func (f *Fetcher) tasks(request crawler.FetchRequest, html, location *string) chromedp.Tasks {
	tasks := chromedp.Tasks{
		identify(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if f.cfg.WaitSelector != "" {
		tasks = append(tasks, chromedp.WaitVisible(f.cfg.WaitSelector, chromedp.ByQuery))
	}
	return append(tasks,
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(location),
		chromedp.OuterHTML("html", html, chromedp.ByQuery),
	)
}

// identify makes the tab present the same headers as the plain HTTP client.
func identify(headers http.Header) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua := headers.Get("User-Agent"); ua != "" {
			override := emulation.SetUserAgentOverride(ua)
			if lang := headers.Get("Accept-Language"); lang != "" {
				override = override.WithAcceptLanguage(lang)
			}
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if extra := extraHeaders(headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	}
}

// extraHeaders converts headers for CDP, leaving out the User-Agent which is
// set through emulation.
func extraHeaders(headers http.Header) network.Headers {
	extra := network.Headers{}
	for key, values := range headers {
		if len(values) == 0 || http.CanonicalHeaderKey(key) == "User-Agent" {
			continue
		}
		extra[key] = strings.Join(values, ", ")
	}
	return extra
}

// documentResponse keeps the last main-document response seen by a tab.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	headers := make(http.Header, len(e.Response.Headers))
	for key, value := range e.Response.Headers {
		headers.Set(key, fmt.Sprint(value))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(e.Response.Status)
	d.url = e.Response.URL
	d.headers = headers
}

// response builds the fetch result. Without a captured document response the
// status is 200 and the URL falls back to the tab location, then the request.
func (d *documentResponse) response(requestURL, location string, body []byte, took time.Duration) crawler.FetchResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	// the serialized DOM is HTML regardless of what the document declared
	headers.Set("Content-Type", "text/html; charset=utf-8")
	return crawler.FetchResponse{
		URL:          cmp.Or(d.url, location, requestURL),
		StatusCode:   cmp.Or(d.status, http.StatusOK),
		Headers:      headers,
		Body:         body,
		Duration:     took,
		UsedHeadless: true,
	}
}
