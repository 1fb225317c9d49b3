package extract

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

// DefaultSelectors are common agenda card containers, most specific first.
var DefaultSelectors = []string{
	".event-card",
	".agenda-item",
	".event-item",
	"article.event",
	"li.event",
	"article",
	`[class*="event"]`,
	`[class*="agenda"]`,
	`[class*="card"]`,
}

const excludedContainers = `nav, header, footer, [class*="breadcrumb"], [id*="breadcrumb"]`

var (
	titleSelectors       = `[class*="title"], [class*="titel"], [class*="name"]`
	dateSelectors        = `[class*="date"], [class*="datum"], [class*="when"], [class*="wanneer"]`
	timeSelectors        = `[class*="time"], [class*="tijd"], [class*="aanvang"]`
	locationSelectors    = `[class*="location"], [class*="locatie"], [class*="venue"], [class*="address"], [class*="adres"], [class*="place"], [class*="waar"]`
	descriptionSelectors = `[class*="excerpt"], [class*="summary"], [class*="description"], [class*="intro"], [class*="teaser"]`
)

// Heuristic extracts cards from CSS-selected containers.
type Heuristic struct {
	dates     DateChecker
	selectors []string
}

// NewHeuristic creates a DOM extractor. Empty selectors use DefaultSelectors.
func NewHeuristic(dates DateChecker, selectors []string) *Heuristic {
	if len(selectors) == 0 {
		selectors = DefaultSelectors
	}
	return &Heuristic{dates: dates, selectors: selectors}
}

// Name implements Extractor.
func (*Heuristic) Name() string { return string(crawler.StrategyHeuristic) }

// Selectors returns the selectors used for page, source overrides first.
func (h *Heuristic) Selectors(page *Page) []string {
	if len(page.Source.Config.Selectors) > 0 {
		return page.Source.Config.Selectors
	}
	return h.selectors
}

// Extract implements Extractor. Selectors are tried in order and the first
// one producing valid cards wins. Cards sharing lowercased title, ISO date
// and detail URL collapse into one.
func (h *Heuristic) Extract(_ context.Context, page *Page) Result {
	res := Result{Strategy: crawler.StrategyHeuristic}
	res.Debug.Selectors = h.Selectors(page)
	for _, selector := range res.Debug.Selectors {
		cards := h.extractWith(page, selector)
		if len(cards) > 0 {
			res.Cards = cards
			res.Debug.Selectors = []string{selector}
			return res
		}
	}
	return res
}

// extractWith applies one selector. An invalid selector matches nothing.
// A match wrapping other valid matches is a listing container, not a card,
// so only the innermost valid matches are kept.
func (h *Heuristic) extractWith(page *Page, selector string) []crawler.RawEventCard {
	valid := page.Doc.Find(selector).FilterFunction(func(_ int, el *goquery.Selection) bool {
		_, _, ok := h.parseCard(page, el)
		return ok
	})
	inner := valid.NotSelection(valid.HasSelection(valid))

	var cards []crawler.RawEventCard
	seen := make(map[string]struct{})
	inner.Each(func(_ int, el *goquery.Selection) {
		card, iso, _ := h.parseCard(page, el)
		key := strings.ToLower(card.Title) + "|" + iso + "|" + card.DetailURL
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		cards = append(cards, card)
	})
	return cards
}

// parseCard builds a card from el and returns its ISO date. ok is false for
// excluded containers, missing titles and unparseable dates.
func (h *Heuristic) parseCard(page *Page, el *goquery.Selection) (crawler.RawEventCard, string, bool) {
	if el.Closest(excludedContainers).Length() > 0 {
		return crawler.RawEventCard{}, "", false
	}
	card, ok := h.cardFrom(page, el)
	if !ok {
		return card, "", false
	}
	iso, err := h.dates.ParseDate(card.DateText)
	if err != nil {
		return card, "", false
	}
	return card, iso, true
}

func (h *Heuristic) cardFrom(page *Page, el *goquery.Selection) (crawler.RawEventCard, bool) {
	card := crawler.RawEventCard{Strategy: crawler.StrategyHeuristic}

	card.Title = firstText(el, "h1, h2, h3, h4, h5, h6")
	if card.Title == "" {
		card.Title = firstText(el, titleSelectors)
	}
	if card.Title == "" {
		card.Title = firstText(el, "a")
	}
	if card.Title == "" {
		return card, false
	}

	if t := el.Find("time").First(); t.Length() > 0 {
		if dt, ok := t.Attr("datetime"); ok && strings.TrimSpace(dt) != "" {
			card.DateText = strings.TrimSpace(dt)
		} else {
			card.DateText = cleanText(t.Text())
		}
	}
	if card.DateText == "" {
		card.DateText = firstText(el, dateSelectors)
	}
	if card.DateText == "" {
		return card, false
	}
	card.TimeText = firstText(el, timeSelectors)
	card.LocationText = firstText(el, locationSelectors)

	card.Description = firstText(el, "p")
	if card.Description == "" {
		card.Description = firstText(el, descriptionSelectors)
	}
	if img := el.Find("img").First(); img.Length() > 0 {
		src, _ := img.Attr("src")
		if strings.TrimSpace(src) == "" || strings.HasPrefix(src, "data:") {
			src, _ = img.Attr("data-src")
		}
		card.ImageURL = crawler.ResolveURL(page.URL, src)
	}
	link := el.Find("a[href]").First()
	if goquery.NodeName(el) == "a" {
		link = el
	}
	if href, ok := link.Attr("href"); ok {
		card.DetailURL = crawler.ResolveURL(page.URL, href)
	}
	if tag := firstText(el, `[class*="category"], [class*="categorie"], [class*="tag"]`); tag != "" {
		card.CategoryHint = tag
	}
	card.RawHTML = outerHTML(el)
	return card, true
}

func firstText(el *goquery.Selection, selector string) string {
	var out string
	el.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		out = cleanText(s.Text())
		return out == ""
	})
	return out
}
