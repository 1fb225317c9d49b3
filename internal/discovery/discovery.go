// Package discovery generates the ordered candidate listing URLs for a source.
package discovery

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

// DefaultAnchorKeywords match agenda links by visible text or path.
var DefaultAnchorKeywords = []string{
	"agenda", "evenementen", "evenement", "events", "event", "whatson", "whats-on",
	"wat-is-er-te-doen", "uitagenda", "kalender", "activiteiten", "programma", "calendar",
}

// DefaultPathSuffixes are probed against the site origin.
var DefaultPathSuffixes = []string{
	"/agenda", "/evenementen", "/events", "/activiteiten", "/uitagenda", "/kalender", "/whats-on", "/programma",
}

// Config controls candidate generation.
type Config struct {
	AnchorKeywords []string
	PathSuffixes   []string
	MaxCandidates  int
}

// Discoverer produces candidate URLs. It never fails: every stage degrades to
// the next one and the source URL is always returned.
type Discoverer struct {
	fetcher crawler.PageFetcher
	cfg     Config
	logger  *zap.Logger
}

// New creates a Discoverer.
func New(fetcher crawler.PageFetcher, cfg Config, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.AnchorKeywords) == 0 {
		cfg.AnchorKeywords = DefaultAnchorKeywords
	}
	if len(cfg.PathSuffixes) == 0 {
		cfg.PathSuffixes = DefaultPathSuffixes
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 12
	}
	return &Discoverer{fetcher: fetcher, cfg: cfg, logger: logger}
}

// Candidates returns anchor matches, then successful path probes, then the
// source URL itself, deduplicated with fragments stripped.
func (d *Discoverer) Candidates(ctx context.Context, src crawler.ScraperSource, log *crawler.AttemptLog) []string {
	list := newCandidateList(d.cfg.MaxCandidates - 1)

	keywords := d.cfg.AnchorKeywords
	if len(src.Config.AnchorKeywords) > 0 {
		keywords = src.Config.AnchorKeywords
	}
	for _, link := range d.homepageAnchors(ctx, src, keywords, log) {
		list.add(link)
	}

	for _, probe := range d.probeURLs(src) {
		if list.full() || ctx.Err() != nil {
			break
		}
		final, ok := d.probe(ctx, probe, src.Config.Headers, log)
		if !ok {
			continue
		}
		list.add(final)
		list.add(toggleTrailingSlash(final))
	}

	list.limit = -1
	list.add(src.URL)
	return list.urls
}

func (d *Discoverer) homepageAnchors(
	ctx context.Context,
	src crawler.ScraperSource,
	keywords []string,
	log *crawler.AttemptLog,
) []string {
	resp, err := d.fetcher.Get(ctx, src.URL, src.Config.Headers, log)
	if err != nil || !resp.OK() || !resp.IsHTML() {
		d.logger.Debug("homepage crawl skipped",
			zap.String("source_id", src.ID),
			zap.String("url", src.URL),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		return nil
	}
	pageURL := resp.URL
	if pageURL == "" {
		pageURL = src.URL
	}
	return MatchAnchors(pageURL, resp.Body, keywords)
}

// MatchAnchors returns same-site links from html whose text or path contains
// one of keywords, resolved against any <base href>.
func MatchAnchors(pageURL string, html []byte, keywords []string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved := crawler.ResolveURL(base, href); resolved != "" {
			if parsed, perr := url.Parse(resolved); perr == nil {
				base = parsed
			}
		}
	}

	var out []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		resolved := crawler.ResolveURL(base, href)
		if resolved == "" || !sameSite(resolved, pageURL) {
			return
		}
		text := strings.ToLower(strings.TrimSpace(a.Text()))
		parsed, perr := url.Parse(resolved)
		if perr != nil {
			return
		}
		path := strings.ToLower(parsed.Path)
		for _, keyword := range keywords {
			keyword = strings.ToLower(keyword)
			if keyword == "" {
				continue
			}
			if strings.Contains(text, keyword) || strings.Contains(path, keyword) {
				out = append(out, resolved)
				return
			}
		}
	})
	return out
}

func (d *Discoverer) probeURLs(src crawler.ScraperSource) []string {
	origin, err := url.Parse(src.URL)
	if err != nil || origin.Host == "" {
		return nil
	}
	root := &url.URL{Scheme: origin.Scheme, Host: origin.Host, Path: "/"}
	suffixes := append(append([]string{}, src.Config.AlternatePaths...), d.cfg.PathSuffixes...)
	out := make([]string, 0, len(suffixes))
	for _, suffix := range suffixes {
		if resolved := crawler.ResolveURL(root, suffix); resolved != "" {
			out = append(out, resolved)
		}
	}
	return out
}

// probe tries HEAD then GET and returns the final URL of the first 2xx.
func (d *Discoverer) probe(ctx context.Context, rawURL string, headers map[string]string, log *crawler.AttemptLog) (string, bool) {
	resp, err := d.fetcher.Head(ctx, rawURL, headers, log)
	if err == nil && resp.OK() {
		return finalURL(resp, rawURL), true
	}
	if ctx.Err() != nil {
		return "", false
	}
	resp, err = d.fetcher.Get(ctx, rawURL, headers, log)
	if err == nil && resp.OK() {
		return finalURL(resp, rawURL), true
	}
	return "", false
}

func finalURL(resp crawler.FetchResponse, requested string) string {
	if resp.URL != "" {
		return resp.URL
	}
	return requested
}

func toggleTrailingSlash(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(u.Path, "/") {
		if u.Path == "/" {
			return ""
		}
		u.Path = strings.TrimSuffix(u.Path, "/")
	} else {
		u.Path += "/"
	}
	u.RawPath = ""
	return u.String()
}

func sameSite(candidate, page string) bool {
	return strings.TrimPrefix(crawler.Hostname(candidate), "www.") == strings.TrimPrefix(crawler.Hostname(page), "www.")
}

type candidateList struct {
	urls []string
	seen map[string]struct{}
	// limit < 0 means unbounded
	limit int
}

func newCandidateList(limit int) *candidateList {
	return &candidateList{seen: make(map[string]struct{}), limit: limit}
}

func (c *candidateList) full() bool {
	return c.limit >= 0 && len(c.urls) >= c.limit
}

func (c *candidateList) add(rawURL string) {
	if rawURL == "" || c.full() {
		return
	}
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return
	}
	if _, ok := c.seen[key]; ok {
		return
	}
	c.seen[key] = struct{}{}
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	u.Fragment = ""
	u.RawFragment = ""
	c.urls = append(c.urls, u.String())
}
