package sourcediscovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/agenda-crawler/internal/llm"
)

// FallbackConfidence is assigned when only the keyword gate could judge a
// page.
const FallbackConfidence = 50

const judgeTextLen = 1500

// DefaultNoiseDomains never host a municipal agenda.
var DefaultNoiseDomains = []string{
	"facebook.com", "instagram.com", "twitter.com", "x.com", "linkedin.com", "youtube.com", "tiktok.com",
	"pinterest.com", "wikipedia.org", "wikiwand.com", "tripadvisor.com", "tripadvisor.nl", "booking.com",
	"airbnb.com", "airbnb.nl", "expedia.com", "hotels.com", "marktplaats.nl", "amazon.com", "bol.com",
	"google.com", "duckduckgo.com", "yelp.com",
}

var gateKeywords = []string{
	"agenda", "evenement", "activiteit", "uitagenda", "programma", "kalender", "voorstelling",
	"events", "what's on", "whats on",
}

var datePattern = regexp.MustCompile(`(?i)\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}[-/.]\d{1,2}[-/.]\d{2,4}\b|` +
	`\b\d{1,2}\s+(jan|feb|mrt|maart|apr|mei|jun|jul|aug|sep|okt|nov|dec|march|may|oct)[a-z]*\b`)

// CheapGate is the keyword-and-date prefilter run before any LLM call.
func CheapGate(html []byte) bool {
	lower := bytes.ToLower(html)
	keyword := false
	for _, k := range gateKeywords {
		if bytes.Contains(lower, []byte(k)) {
			keyword = true
			break
		}
	}
	return keyword && datePattern.Match(lower)
}

// Verdict is the classification of one candidate page.
type Verdict struct {
	IsAgenda   bool
	Confidence int
	Name       string
	Reason     string
	Fallback   bool
}

// Judge classifies a page that passed the keyword gate.
type Judge interface {
	Judge(ctx context.Context, pageURL, municipality string, html []byte) Verdict
}

// JudgeSystemPrompt fixes the reply format.
const JudgeSystemPrompt = `You classify Dutch web pages. Decide whether the page is an event agenda ` +
	`(a listing of upcoming local events) for the given municipality. Reply with minified JSON only, ` +
	`exactly {"is_agenda":true|false,"confidence":0-100,"name":"short display name"}.`

// LLMJudge asks a language model and degrades to FallbackConfidence when it
// cannot.
type LLMJudge struct {
	completer llm.Completer
}

// NewLLMJudge creates a judge. A nil completer always falls back.
func NewLLMJudge(completer llm.Completer) *LLMJudge {
	return &LLMJudge{completer: completer}
}

type judgeReply struct {
	IsAgenda   *bool  `json:"is_agenda"`
	Confidence *int   `json:"confidence"`
	Name       string `json:"name"`
}

// Judge implements Judge.
func (j *LLMJudge) Judge(ctx context.Context, pageURL, municipality string, html []byte) Verdict {
	title, text := summarize(html)
	fallback := Verdict{IsAgenda: true, Confidence: FallbackConfidence, Name: title, Fallback: true}
	if j == nil || j.completer == nil {
		fallback.Reason = "keyword gate only"
		return fallback
	}
	prompt := fmt.Sprintf("URL: %s\nMunicipality: %s\nTitle: %s\nText: %s", pageURL, municipality, title, text)
	completion, err := j.completer.Complete(ctx, JudgeSystemPrompt, prompt)
	if err != nil {
		fallback.Reason = "llm unavailable, keyword gate only"
		return fallback
	}
	var reply judgeReply
	if err := json.Unmarshal([]byte(llm.StripFences(completion.Text)), &reply); err != nil ||
		reply.IsAgenda == nil || reply.Confidence == nil {
		fallback.Reason = "unparseable llm reply, keyword gate only"
		return fallback
	}
	v := Verdict{IsAgenda: *reply.IsAgenda, Confidence: clamp(*reply.Confidence, 0, 100), Name: strings.TrimSpace(reply.Name)}
	if v.Name == "" {
		v.Name = title
	}
	if v.IsAgenda {
		v.Reason = "llm: agenda"
	} else {
		v.Reason = "llm: not an agenda"
	}
	return v
}

// summarize returns the page title and a bounded excerpt of visible text.
func summarize(html []byte) (string, string) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", ""
	}
	doc.Find("script, style, noscript").Remove()
	title := strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if len(text) > judgeTextLen {
		text = strings.ToValidUTF8(text[:judgeTextLen], "")
	}
	return title, text
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
