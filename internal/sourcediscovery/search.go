package sourcediscovery

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

// DefaultSearchEndpoint is the DuckDuckGo HTML endpoint.
const DefaultSearchEndpoint = "https://html.duckduckgo.com/html/"

// DefaultQueryVariants are agenda synonyms; %s is the municipality name.
var DefaultQueryVariants = []string{
	"%s agenda",
	"%s evenementen",
	"uitagenda %s",
	"wat te doen in %s",
	"activiteiten %s",
}

// DefaultCategories are topical angles combined with every municipality.
var DefaultCategories = []string{"cultuur", "muziek", "markt", "sport", "familie"}

// Query is one search phrase and the category it targets, if any.
type Query struct {
	Text     string
	Category string
}

// Queries builds diversified search phrases for m.
func Queries(m Municipality, variants, categories []string) []Query {
	if len(variants) == 0 {
		variants = DefaultQueryVariants
	}
	seen := make(map[string]struct{})
	var out []Query
	add := func(text, category string) {
		key := strings.ToLower(text)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, Query{Text: text, Category: category})
	}
	for _, v := range variants {
		if strings.Contains(v, "%s") {
			add(fmt.Sprintf(v, m.Name), "")
		} else {
			add(v+" "+m.Name, "")
		}
	}
	for _, c := range categories {
		add(fmt.Sprintf("%s %s agenda", m.Name, c), c)
	}
	return out
}

// GuessURLs returns conventional agenda addresses for m.
func GuessURLs(m Municipality) []string {
	slug := m.DomainSlug()
	if slug == "" {
		return nil
	}
	return []string{
		"https://www." + slug + ".nl/agenda",
		"https://www.uitin" + slug + ".nl",
		"https://www.visit" + slug + ".nl/agenda",
	}
}

// Searcher returns result URLs for a query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// DuckDuckGo scrapes the HTML results page through the shared fetcher, so
// searches obey the same per-host throttle as crawling.
type DuckDuckGo struct {
	fetcher  crawler.PageFetcher
	endpoint string
}

// NewDuckDuckGo creates a searcher. An empty endpoint uses
// DefaultSearchEndpoint.
func NewDuckDuckGo(fetcher crawler.PageFetcher, endpoint string) *DuckDuckGo {
	if endpoint == "" {
		endpoint = DefaultSearchEndpoint
	}
	return &DuckDuckGo{fetcher: fetcher, endpoint: endpoint}
}

// Search implements Searcher.
func (d *DuckDuckGo) Search(ctx context.Context, query string, limit int) ([]string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("kl", "nl-nl")
	u.RawQuery = q.Encode()

	resp, err := d.fetcher.Get(ctx, u.String(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("search %q: HTTP %d", query, resp.StatusCode)
	}
	return ParseResults(resp.Body, limit)
}

// ParseResults extracts result links from a DuckDuckGo HTML page, unwrapping
// its redirect links.
func ParseResults(html []byte, limit int) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse search results: %w", err)
	}
	var out []string
	seen := make(map[string]struct{})
	doc.Find("a.result__a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		target := unwrapRedirect(href)
		if target == "" {
			return true
		}
		if _, dup := seen[target]; dup {
			return true
		}
		seen[target] = struct{}{}
		out = append(out, target)
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func unwrapRedirect(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		href = target
		if u, err = url.Parse(target); err != nil {
			return ""
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return href
}
