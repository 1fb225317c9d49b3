package extract

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/llm"
)

const maxSnippet = 4000

// SystemPrompt is the fixed instruction sent with every extraction request.
const SystemPrompt = "You extract events from HTML of Dutch agenda pages. " +
	"Reply with strictly minified JSON and nothing else: either one object or an array of objects " +
	`with exactly the fields {"title":string,"description":string,"date":"YYYY-MM-DD","time":"HH:MM"|null,` +
	`"location":string,"image":string}. Use null for unknown values. Reply [] when there is no event.`

type llmEvent struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Date        string  `json:"date"`
	Time        *string `json:"time"`
	Location    string  `json:"location"`
	Image       string  `json:"image"`
}

// LLM asks a language model to read the first card-like element. Provider
// errors and malformed replies yield no cards.
type LLM struct {
	completer llm.Completer
	dates     DateChecker
	selectors []string
}

// NewLLM creates the fallback extractor. A nil completer disables it.
func NewLLM(completer llm.Completer, dates DateChecker) *LLM {
	return &LLM{completer: completer, dates: dates, selectors: DefaultSelectors}
}

// Name implements Extractor.
func (*LLM) Name() string { return string(crawler.StrategyLLM) }

// Enabled reports whether a completer is configured.
func (l *LLM) Enabled() bool {
	if l == nil || l.completer == nil {
		return false
	}
	if chain, ok := l.completer.(*llm.Chain); ok {
		return chain.Len() > 0
	}
	return true
}

// Prompt builds the user prompt for page, or "" when the page has no content.
func (l *LLM) Prompt(page *Page) string {
	snippet := l.snippet(page)
	if snippet == "" {
		return ""
	}
	return "Page URL: " + page.URL.String() + "\nHTML:\n" + snippet
}

func (l *LLM) snippet(page *Page) string {
	var target *goquery.Selection
	for _, selector := range l.selectors {
		page.Doc.Find(selector).EachWithBreak(func(_ int, el *goquery.Selection) bool {
			if el.Closest(excludedContainers).Length() > 0 || cleanText(el.Text()) == "" {
				return true
			}
			target = el
			return false
		})
		if target != nil {
			break
		}
	}
	if target == nil {
		target = page.Doc.Find("main").First()
	}
	if target.Length() == 0 {
		target = page.Doc.Find("body").First()
	}
	if target.Length() == 0 {
		return ""
	}
	target = target.Clone()
	target.Find("script, style, noscript, svg").Remove()
	inner, err := target.Html()
	if err != nil {
		return ""
	}
	return Truncate(strings.TrimSpace(inner), maxSnippet)
}

// Extract implements Extractor.
func (l *LLM) Extract(ctx context.Context, page *Page) Result {
	res := Result{Strategy: crawler.StrategyLLM}
	if !l.Enabled() {
		return res
	}
	prompt := l.Prompt(page)
	if prompt == "" {
		return res
	}
	res.Debug.LLMPrompt = Truncate(prompt, maxPreviewLen)
	completion, err := l.completer.Complete(ctx, SystemPrompt, prompt)
	if err != nil {
		return res
	}
	res.Debug.LLMResponse = Truncate(completion.Text, maxPreviewLen)
	for _, ev := range parseLLMEvents(completion.Text) {
		if card, ok := l.cardFrom(page, ev); ok {
			res.Cards = append(res.Cards, card)
		}
	}
	return res
}

func parseLLMEvents(text string) []llmEvent {
	body := llm.StripFences(text)
	if strings.HasPrefix(body, "[") {
		var list []llmEvent
		if err := json.Unmarshal([]byte(body), &list); err != nil {
			return nil
		}
		return list
	}
	var one llmEvent
	if err := json.Unmarshal([]byte(body), &one); err != nil {
		return nil
	}
	return []llmEvent{one}
}

func (l *LLM) cardFrom(page *Page, ev llmEvent) (crawler.RawEventCard, bool) {
	title := cleanText(ev.Title)
	if title == "" || strings.TrimSpace(ev.Date) == "" {
		return crawler.RawEventCard{}, false
	}
	if _, err := l.dates.ParseDate(ev.Date); err != nil {
		return crawler.RawEventCard{}, false
	}
	card := crawler.RawEventCard{
		Title:        title,
		DateText:     strings.TrimSpace(ev.Date),
		LocationText: cleanText(ev.Location),
		Description:  cleanText(ev.Description),
		Strategy:     crawler.StrategyLLM,
	}
	if ev.Time != nil {
		card.TimeText = strings.TrimSpace(*ev.Time)
	}
	if ev.Image != "" {
		card.ImageURL = crawler.ResolveURL(page.URL, ev.Image)
	}
	if raw, err := json.Marshal(ev); err == nil {
		card.RawHTML = string(raw)
	}
	return card, true
}
