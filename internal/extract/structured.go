package extract

import (
	"context"
	"encoding/json"
	"html"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/dateparse"
)

// Structured reads schema.org Event nodes from JSON-LD, then microdata.
type Structured struct {
	dates DateChecker
}

// NewStructured creates a structured-data extractor.
func NewStructured(dates DateChecker) *Structured {
	return &Structured{dates: dates}
}

// Name implements Extractor.
func (*Structured) Name() string { return string(crawler.StrategyStructured) }

// Extract implements Extractor. Microdata is only consulted when JSON-LD
// yields nothing.
func (s *Structured) Extract(_ context.Context, page *Page) Result {
	res := Result{Strategy: crawler.StrategyStructured}
	blocks := page.Doc.Find(`script[type="application/ld+json"]`)
	if blocks.Length() > 0 {
		res.Debug.JSONLDPreview = Truncate(strings.TrimSpace(blocks.First().Text()), maxPreviewLen)
	}
	blocks.Each(func(_ int, sel *goquery.Selection) {
		for _, node := range parseJSONLD(sel.Text()) {
			ev, ok := eventFromNode(node)
			if !ok {
				continue
			}
			if card, ok := s.cardFromLD(page, ev); ok {
				res.Cards = append(res.Cards, card)
			}
		}
	})
	if len(res.Cards) > 0 {
		return res
	}
	res.Cards = s.microdata(page)
	return res
}

// ldEvent holds the recognized fields of a JSON-LD node whose @type is an
// Event. Every field has been type-checked.
type ldEvent struct {
	Name        string
	StartDate   string
	EndDate     string
	Location    string
	Address     string
	URL         string
	Description string
	Image       string
	Price       string
	Currency    string
	Raw         json.RawMessage
}

func parseJSONLD(text string) []map[string]any {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var root any
	if err := json.Unmarshal([]byte(text), &root); err != nil {
		return nil
	}
	var nodes []map[string]any
	var walk func(v any, depth int)
	walk = func(v any, depth int) {
		if depth > 3 {
			return
		}
		switch typed := v.(type) {
		case []any:
			for _, item := range typed {
				walk(item, depth+1)
			}
		case map[string]any:
			if graph, ok := typed["@graph"]; ok {
				walk(graph, depth+1)
			}
			nodes = append(nodes, typed)
		}
	}
	walk(root, 0)
	return nodes
}

func isEventType(v any) bool {
	switch typed := v.(type) {
	case string:
		t := strings.ToLower(strings.TrimSpace(typed))
		if i := strings.LastIndexAny(t, "/:#"); i >= 0 {
			t = t[i+1:]
		}
		return strings.HasSuffix(t, "event")
	case []any:
		for _, item := range typed {
			if isEventType(item) {
				return true
			}
		}
	}
	return false
}

func eventFromNode(node map[string]any) (ldEvent, bool) {
	if !isEventType(node["@type"]) {
		return ldEvent{}, false
	}
	ev := ldEvent{
		Name:        firstString(node["name"]),
		StartDate:   firstString(node["startDate"]),
		EndDate:     firstString(node["endDate"]),
		URL:         firstString(node["url"]),
		Description: firstString(node["description"]),
		Image:       imageURL(node["image"]),
	}
	if ev.Name == "" {
		ev.Name = firstString(node["headline"])
	}
	ev.Location, ev.Address = location(node["location"])
	ev.Price, ev.Currency = offer(node["offers"])
	if raw, err := json.Marshal(node); err == nil {
		ev.Raw = raw
	}
	return ev, true
}

func firstString(v any) string {
	switch typed := v.(type) {
	case string:
		return cleanText(html.UnescapeString(typed))
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case []any:
		for _, item := range typed {
			if s := firstString(item); s != "" {
				return s
			}
		}
	case map[string]any:
		if s := firstString(typed["@value"]); s != "" {
			return s
		}
	}
	return ""
}

func imageURL(v any) string {
	switch typed := v.(type) {
	case string:
		return strings.TrimSpace(typed)
	case map[string]any:
		if s := firstString(typed["url"]); s != "" {
			return s
		}
		return firstString(typed["contentUrl"])
	case []any:
		for _, item := range typed {
			if s := imageURL(item); s != "" {
				return s
			}
		}
	}
	return ""
}

func location(v any) (name, address string) {
	switch typed := v.(type) {
	case string:
		return cleanText(typed), ""
	case map[string]any:
		name = firstString(typed["name"])
		address = postalAddress(typed["address"])
		if name == "" {
			name = address
		}
		return name, address
	case []any:
		for _, item := range typed {
			if n, a := location(item); n != "" {
				return n, a
			}
		}
	}
	return "", ""
}

func postalAddress(v any) string {
	switch typed := v.(type) {
	case string:
		return cleanText(typed)
	case map[string]any:
		var parts []string
		for _, key := range []string{"streetAddress", "postalCode", "addressLocality"} {
			if s := firstString(typed[key]); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

func offer(v any) (price, currency string) {
	switch typed := v.(type) {
	case map[string]any:
		price = firstString(typed["price"])
		if price == "" {
			price = firstString(typed["lowPrice"])
		}
		return price, firstString(typed["priceCurrency"])
	case []any:
		for _, item := range typed {
			if p, c := offer(item); p != "" {
				return p, c
			}
		}
	}
	return "", ""
}

func (s *Structured) cardFromLD(page *Page, ev ldEvent) (crawler.RawEventCard, bool) {
	if ev.Name == "" || ev.StartDate == "" {
		return crawler.RawEventCard{}, false
	}
	if _, err := s.dates.ParseDate(ev.StartDate); err != nil {
		return crawler.RawEventCard{}, false
	}
	card := crawler.RawEventCard{
		RawHTML:      Truncate(string(ev.Raw), maxRawHTML),
		Title:        ev.Name,
		DateText:     ev.StartDate,
		EndDateText:  ev.EndDate,
		TimeText:     dateparse.ISOTime(ev.StartDate),
		LocationText: ev.Location,
		Address:      ev.Address,
		Description:  ev.Description,
		Price:        ev.Price,
		Currency:     ev.Currency,
		Structured:   ev.Raw,
		Strategy:     crawler.StrategyStructured,
	}
	if ev.Image != "" {
		card.ImageURL = crawler.ResolveURL(page.URL, ev.Image)
	}
	if ev.URL != "" {
		card.DetailURL = crawler.ResolveURL(page.URL, ev.URL)
	}
	return card, true
}

func (s *Structured) microdata(page *Page) []crawler.RawEventCard {
	var cards []crawler.RawEventCard
	page.Doc.Find("[itemscope][itemtype]").Each(func(_ int, scope *goquery.Selection) {
		itemType, _ := scope.Attr("itemtype")
		if !microdataIsEvent(itemType) {
			return
		}
		title := itemprop(scope, "name")
		start := itemprop(scope, "startDate")
		if title == "" || start == "" {
			return
		}
		if _, err := s.dates.ParseDate(start); err != nil {
			return
		}
		card := crawler.RawEventCard{
			RawHTML:     outerHTML(scope),
			Title:       title,
			DateText:    start,
			EndDateText: itemprop(scope, "endDate"),
			TimeText:    dateparse.ISOTime(start),
			Description: itemprop(scope, "description"),
			Strategy:    crawler.StrategyStructured,
		}
		if loc := ownedProp(scope, "location"); loc.Length() > 0 {
			card.LocationText = itemprop(loc, "name")
			if card.LocationText == "" {
				card.LocationText = cleanText(loc.Text())
			}
			card.Address = itemprop(loc, "address")
		}
		if img := itemprop(scope, "image"); img != "" {
			card.ImageURL = crawler.ResolveURL(page.URL, img)
		}
		if href := itemprop(scope, "url"); href != "" {
			card.DetailURL = crawler.ResolveURL(page.URL, href)
		}
		cards = append(cards, card)
	})
	return cards
}

func microdataIsEvent(itemType string) bool {
	for _, t := range strings.Fields(itemType) {
		if isEventType(t) {
			return true
		}
	}
	return false
}

// ownedProp finds the first property element that belongs to scope itself,
// not to a nested item.
func ownedProp(scope *goquery.Selection, name string) *goquery.Selection {
	return scope.Find(`[itemprop~="` + name + `"]`).FilterFunction(func(_ int, el *goquery.Selection) bool {
		return el.Parent().Closest("[itemscope]").IsSelection(scope)
	}).First()
}

// itemprop reads a microdata property value following the attribute
// precedence of the HTML microdata model.
func itemprop(scope *goquery.Selection, name string) string {
	sel := ownedProp(scope, name)
	if sel.Length() == 0 {
		return ""
	}
	for _, attr := range []string{"content", "datetime", "href", "src"} {
		if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return cleanText(sel.Text())
}
