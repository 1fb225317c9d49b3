package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/dateparse"
	"github.com/JakeFAU/agenda-crawler/internal/llm"
)

var reference = time.Date(2026, time.July, 12, 10, 0, 0, 0, time.UTC)

func dates() *dateparse.Normalizer {
	return dateparse.New(dateparse.WithNow(func() time.Time { return reference }))
}

func mustPage(t *testing.T, html string) *Page {
	t.Helper()
	page, err := NewPage("https://example.nl/agenda", []byte(html), crawler.ScraperSource{ID: "src-1"})
	require.NoError(t, err)
	return page
}

const jazzJSONLD = `<html><head><script type="application/ld+json">
{"@context":"https://schema.org","@type":"Event","name":"Jazz Night","startDate":"2026-07-14T20:00",
 "location":{"@type":"Place","name":"Town Hall","address":{"streetAddress":"Markt 1","postalCode":"3511 AA","addressLocality":"Utrecht"}},
 "url":"/agenda/jazz-night","image":["https://cdn.example.nl/jazz.jpg"],
 "offers":{"@type":"Offer","price":12.5,"priceCurrency":"EUR"}}
</script></head><body>
<div class="event-card"><h3>Heuristic Concert</h3><time datetime="2026-07-20">20 juli</time></div>
</body></html>`

func TestStructuredJSONLDEvent(t *testing.T) {
	t.Parallel()

	res := NewStructured(dates()).Extract(context.Background(), mustPage(t, jazzJSONLD))
	require.Equal(t, crawler.StrategyStructured, res.Strategy)
	require.Len(t, res.Cards, 1)
	card := res.Cards[0]
	require.Equal(t, "Jazz Night", card.Title)
	require.Equal(t, "2026-07-14T20:00", card.DateText)
	require.Equal(t, "20:00", card.TimeText)
	require.Equal(t, "Town Hall", card.LocationText)
	require.Equal(t, "Markt 1, 3511 AA, Utrecht", card.Address)
	require.Equal(t, "https://example.nl/agenda/jazz-night", card.DetailURL)
	require.Equal(t, "https://cdn.example.nl/jazz.jpg", card.ImageURL)
	require.Equal(t, "12.5", card.Price)
	require.Equal(t, "EUR", card.Currency)
	require.NotEmpty(t, card.Structured)
	require.Contains(t, res.Debug.JSONLDPreview, "Jazz Night")
}

func TestStructuredGraphArrayAndTypes(t *testing.T) {
	t.Parallel()

	html := `<script type="application/ld+json">
{"@graph":[
  {"@type":"WebPage","name":"Agenda"},
  {"@type":["Thing","MusicEvent"],"headline":"Koorconcert","startDate":"12 juli 2026","location":"Domkerk"},
  {"@type":"event","name":"Zonder datum"},
  {"@type":"Event","name":"Oude datum","startDate":"1899-01-01"}
]}
</script>
<script type="application/ld+json">[{"@type":"http://schema.org/TheaterEvent","name":"Toneel","startDate":"2026-08-01"}]</script>
<script type="application/ld+json">{not json</script>`
	res := NewStructured(dates()).Extract(context.Background(), mustPage(t, html))
	require.Len(t, res.Cards, 2)
	require.Equal(t, "Koorconcert", res.Cards[0].Title)
	require.Equal(t, "Domkerk", res.Cards[0].LocationText)
	require.Empty(t, res.Cards[0].TimeText)
	require.Equal(t, "Toneel", res.Cards[1].Title)
}

func TestStructuredMicrodataOnlyWithoutJSONLD(t *testing.T) {
	t.Parallel()

	micro := `<div itemscope itemtype="https://schema.org/Event">
  <span itemprop="name">Boekenmarkt</span>
  <meta itemprop="startDate" content="2026-09-05T10:00">
  <div itemprop="location" itemscope itemtype="https://schema.org/Place"><span itemprop="name">Plein</span></div>
  <a itemprop="url" href="/boekenmarkt">meer</a>
</div>`
	res := NewStructured(dates()).Extract(context.Background(), mustPage(t, micro))
	require.Len(t, res.Cards, 1)
	require.Equal(t, "Boekenmarkt", res.Cards[0].Title)
	require.Equal(t, "10:00", res.Cards[0].TimeText)
	require.Equal(t, "Plein", res.Cards[0].LocationText)
	require.Equal(t, "https://example.nl/boekenmarkt", res.Cards[0].DetailURL)

	both := `<script type="application/ld+json">{"@type":"Event","name":"LD","startDate":"2026-09-01"}</script>` + micro
	res = NewStructured(dates()).Extract(context.Background(), mustPage(t, both))
	require.Len(t, res.Cards, 1)
	require.Equal(t, "LD", res.Cards[0].Title)
}

const heuristicHTML = `<html><body>
<nav><div class="event-card"><h3>Menu item</h3><time datetime="2026-07-20"></time></div></nav>
<div class="event-card">
  <h3> Zomerconcert </h3>
  <time datetime="2026-07-20">20 juli</time>
  <span class="event-time">20:30</span>
  <span class="venue">Park  Oost</span>
  <p>Buiten spelen</p>
  <img src="/img/zomer.jpg">
  <a href="/agenda/zomerconcert">Lees meer</a>
</div>
<div class="event-card">
  <h3>Zomerconcert</h3><span class="date">20 juli 2026</span>
  <a href="/agenda/zomerconcert-2">Lees meer</a>
</div>
<div class="event-card">
  <h3>zomerconcert</h3><span class="date">20-07-2026</span>
  <a href="/agenda/zomerconcert">Lees meer</a>
</div>
<div class="event-card"><h3>Binnenkort</h3><span class="date">binnenkort</span></div>
<article><h2>Nieuws</h2></article>
</body></html>`

func TestHeuristicExtraction(t *testing.T) {
	t.Parallel()

	res := NewHeuristic(dates(), nil).Extract(context.Background(), mustPage(t, heuristicHTML))
	require.Equal(t, crawler.StrategyHeuristic, res.Strategy)
	require.Equal(t, []string{".event-card"}, res.Debug.Selectors)
	require.Len(t, res.Cards, 2)

	first := res.Cards[0]
	require.Equal(t, "Zomerconcert", first.Title)
	require.Equal(t, "2026-07-20", first.DateText)
	require.Equal(t, "20:30", first.TimeText)
	require.Equal(t, "Park Oost", first.LocationText)
	require.Equal(t, "Buiten spelen", first.Description)
	require.Equal(t, "https://example.nl/img/zomer.jpg", first.ImageURL)
	require.Equal(t, "https://example.nl/agenda/zomerconcert", first.DetailURL)
	require.True(t, strings.HasPrefix(first.RawHTML, "<div"))
}

// Same title and date with a different detail URL stays a separate card;
// the detail URL is part of the within-page key.
func TestHeuristicWithinPageDedupIncludesDetailURL(t *testing.T) {
	t.Parallel()

	res := NewHeuristic(dates(), nil).Extract(context.Background(), mustPage(t, heuristicHTML))
	require.Len(t, res.Cards, 2)
	require.Equal(t, "https://example.nl/agenda/zomerconcert", res.Cards[0].DetailURL)
	require.Equal(t, "https://example.nl/agenda/zomerconcert-2", res.Cards[1].DetailURL)
}

func TestHeuristicKeepsInnermostCards(t *testing.T) {
	t.Parallel()

	html := `<html><body><section class="events-overview"><h2>Agenda</h2>
<div class="event"><h3>Jazz Night</h3><time datetime="2026-07-14">14 juli</time></div>
<div class="event"><h3>Markt</h3><time datetime="2026-07-18">18 juli</time></div>
</section></body></html>`
	res := NewHeuristic(dates(), nil).Extract(context.Background(), mustPage(t, html))
	require.Equal(t, []string{`[class*="event"]`}, res.Debug.Selectors)
	require.Len(t, res.Cards, 2)
	require.Equal(t, "Jazz Night", res.Cards[0].Title)
	require.Equal(t, "Markt", res.Cards[1].Title)
	for _, card := range res.Cards {
		require.NotEqual(t, "Agenda", card.Title)
	}
}

func TestHeuristicSourceSelectorsAndInvalidSelector(t *testing.T) {
	t.Parallel()

	page, err := NewPage("https://example.nl/", []byte(`<ul><li class="row"><b>Markt</b><em class="date">1 aug 2026</em></li></ul>`),
		crawler.ScraperSource{Config: crawler.SourceConfig{Selectors: []string{"[[broken", "li.row"}}})
	require.NoError(t, err)
	res := NewHeuristic(dates(), nil).Extract(context.Background(), page)
	require.Len(t, res.Cards, 0, "title falls back to headings, title classes or links only")

	page, err = NewPage("https://example.nl/", []byte(`<ul><li class="row"><a href="/m">Markt</a><em class="date">1 aug 2026</em></li></ul>`),
		crawler.ScraperSource{Config: crawler.SourceConfig{Selectors: []string{"[[broken", "li.row"}}})
	require.NoError(t, err)
	res = NewHeuristic(dates(), nil).Extract(context.Background(), page)
	require.Len(t, res.Cards, 1)
	require.Equal(t, "Markt", res.Cards[0].Title)
	require.Equal(t, []string{"li.row"}, res.Debug.Selectors)
}

type stubCompleter struct {
	text   string
	err    error
	prompt string
	calls  int
}

func (s *stubCompleter) Complete(_ context.Context, _ string, prompt string) (llm.Completion, error) {
	s.calls++
	s.prompt = prompt
	return llm.Completion{Provider: "stub", Text: s.text}, s.err
}

func TestLLMExtractor(t *testing.T) {
	t.Parallel()

	html := `<html><body><nav>menu</nav><main><div class="tile"><b>Open dag</b><i>zaterdag 5 september</i>
<script>track()</script></div></main></body></html>`
	completer := &stubCompleter{text: "```json\n{\"title\":\"Open dag\",\"description\":null,\"date\":\"2026-09-05\",\"time\":\"10:00\",\"location\":\"Brandweerkazerne\",\"image\":\"/open.jpg\"}\n```"}
	res := NewLLM(completer, dates()).Extract(context.Background(), mustPage(t, html))
	require.Equal(t, crawler.StrategyLLM, res.Strategy)
	require.Len(t, res.Cards, 1)
	card := res.Cards[0]
	require.Equal(t, "Open dag", card.Title)
	require.Equal(t, "10:00", card.TimeText)
	require.Equal(t, "Brandweerkazerne", card.LocationText)
	require.Equal(t, "https://example.nl/open.jpg", card.ImageURL)
	require.Contains(t, completer.prompt, "Open dag")
	require.NotContains(t, completer.prompt, "track()")
	require.NotEmpty(t, res.Debug.LLMPrompt)
	require.NotEmpty(t, res.Debug.LLMResponse)
}

func TestLLMExtractorDegradesSilently(t *testing.T) {
	t.Parallel()

	page := mustPage(t, `<body><main><p>Niets</p></main></body>`)

	res := NewLLM(&stubCompleter{err: errors.New("quota")}, dates()).Extract(context.Background(), page)
	require.Empty(t, res.Cards)

	res = NewLLM(&stubCompleter{text: "Sorry, I cannot help"}, dates()).Extract(context.Background(), page)
	require.Empty(t, res.Cards)

	res = NewLLM(&stubCompleter{text: `[{"title":"Geen datum","date":null},{"title":"","date":"2026-09-05"}]`}, dates()).Extract(context.Background(), page)
	require.Empty(t, res.Cards)

	var disabled *LLM
	require.False(t, disabled.Enabled())
	require.False(t, NewLLM(nil, dates()).Enabled())
	require.False(t, NewLLM(llm.NewChain(nil), dates()).Enabled())
}

type spyExtractor struct {
	name   string
	result Result
	calls  int
}

func (s *spyExtractor) Name() string { return s.name }

func (s *spyExtractor) Extract(context.Context, *Page) Result {
	s.calls++
	return s.result
}

func TestCascadePrefersStructured(t *testing.T) {
	t.Parallel()

	spy := &spyExtractor{name: "heuristic", result: Result{Strategy: crawler.StrategyHeuristic}}
	cascade := NewCascade(NewStructured(dates()), spy)
	res := cascade.Extract(context.Background(), mustPage(t, jazzJSONLD))
	require.Equal(t, crawler.StrategyStructured, res.Strategy)
	require.Len(t, res.Cards, 1)
	require.Zero(t, spy.calls, "heuristic must not run when structured data yields events")
}

func TestCascadeFallsThrough(t *testing.T) {
	t.Parallel()

	empty := &spyExtractor{name: "a", result: Result{Strategy: crawler.StrategyStructured, Debug: crawler.DebugBundle{JSONLDPreview: "{}"}}}
	alsoEmpty := &spyExtractor{name: "b", result: Result{Strategy: crawler.StrategyHeuristic, Debug: crawler.DebugBundle{Selectors: []string{".x"}}}}
	last := &spyExtractor{name: "c", result: Result{Strategy: crawler.StrategyLLM, Cards: []crawler.RawEventCard{{Title: "x"}}}}

	res := NewCascade(empty, nil, alsoEmpty, last).Extract(context.Background(), mustPage(t, "<p></p>"))
	require.Equal(t, crawler.StrategyLLM, res.Strategy)
	require.Equal(t, 1, empty.calls)
	require.Equal(t, 1, alsoEmpty.calls)

	res = NewCascade(empty, alsoEmpty).Extract(context.Background(), mustPage(t, "<p></p>"))
	require.Empty(t, res.Cards)
	require.Empty(t, res.Strategy)
	require.Equal(t, "{}", res.Debug.JSONLDPreview)
	require.Equal(t, []string{".x"}, res.Debug.Selectors)
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(NewStructured(dates()), NewHeuristic(dates(), nil), NewLLM(nil, dates()))
	require.Equal(t, StrategyCascade, reg.Resolve("").Name())
	require.Equal(t, StrategyCascade, reg.Resolve("unknown").Name())
	require.Equal(t, "structured", reg.Resolve(" Structured ").Name())
	require.Equal(t, "heuristic", reg.Resolve("heuristic").Name())
	require.Equal(t, "llm", reg.Resolve("llm").Name())
	require.Len(t, reg.Names(), 4)
}

func TestTruncateRespectsRuneBoundaries(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Zomer", Truncate("Zomer", 10))
	require.Equal(t, "caf", Truncate("café", 4))
	require.Equal(t, "café", Truncate("café!", 5))
	require.Equal(t, "", Truncate("€", 2))
}
