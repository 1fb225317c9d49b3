// Package extract turns fetched agenda pages into raw event cards through a
// cascade of structured, heuristic and LLM strategies.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/dateparse"
)

const (
	maxRawHTML    = 2000
	maxPreviewLen = 2000
)

// Page is a fetched HTML document ready for extraction.
type Page struct {
	URL    *url.URL
	HTML   []byte
	Source crawler.ScraperSource
	Doc    *goquery.Document
}

// NewPage parses html fetched from pageURL.
func NewPage(pageURL string, html []byte, src crawler.ScraperSource) (*Page, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Page{URL: u, HTML: html, Source: src, Doc: doc}, nil
}

// Result is the output of one extractor.
type Result struct {
	Cards    []crawler.RawEventCard
	Strategy crawler.Strategy
	Debug    crawler.DebugBundle
}

// Extractor produces raw cards from a page. Extractors never fail: malformed
// input yields an empty result.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, page *Page) Result
}

// DateChecker reports whether date text parses to a valid ISO date.
type DateChecker interface {
	ParseDate(text string) (string, error)
}

var _ DateChecker = (*dateparse.Normalizer)(nil)

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func outerHTML(sel *goquery.Selection) string {
	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return ""
	}
	return Truncate(strings.TrimSpace(html), maxRawHTML)
}
