// Package detector decides whether a fetched agenda page needs a
// JavaScript-capable fetcher before extraction can find anything.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

// Signal names reported in a verdict.
const (
	SignalFramework   = "framework_marker"
	SignalEmptyBody   = "empty_body"
	SignalKeywords    = "event_keywords"
	SignalScriptHeavy = "script_heavy"
)

// Heuristic implements rule-based rendering detection. It is a pure function
// of the HTML and safe for concurrent use.
type Heuristic struct {
	// MinVisibleText is the visible body text length below which a page
	// counts as empty.
	MinVisibleText int
}

// NewHeuristic creates a new detector.
func NewHeuristic(minVisibleText int) *Heuristic {
	if minVisibleText <= 0 {
		minVisibleText = 200
	}
	return &Heuristic{MinVisibleText: minVisibleText}
}

var frameworkMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte("__next_data__"),
	[]byte("data-reactroot"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("ng-version"),
	[]byte("ng-app"),
	[]byte("__nuxt__"),
	[]byte(`id="__nuxt"`),
	[]byte("data-v-app"),
	[]byte("data-svelte"),
	[]byte("window.__initial_state__"),
	[]byte("ember-application"),
}

var eventKeywords = [][]byte{
	[]byte("agenda"),
	[]byte("evenement"),
	[]byte("events"),
	[]byte("activiteiten"),
	[]byte("uitagenda"),
	[]byte("kalender"),
	[]byte("programma"),
	[]byte("whats-on"),
	[]byte("what's on"),
	[]byte("voorstelling"),
}

// Detect inspects html and returns a routing verdict.
func (h *Heuristic) Detect(html []byte) crawler.RenderVerdict {
	lower := bytes.ToLower(html)
	framework := containsAny(lower, frameworkMarkers)
	keywords := containsAny(lower, eventKeywords)
	empty := visibleTextLength(html) < h.MinVisibleText
	scripts := scriptDensityHigh(lower)

	verdict := crawler.RenderVerdict{FetcherType: crawler.FetcherStatic}
	for _, s := range []struct {
		on   bool
		name string
	}{
		{framework, SignalFramework},
		{empty, SignalEmptyBody},
		{keywords, SignalKeywords},
		{scripts, SignalScriptHeavy},
	} {
		if s.on {
			verdict.Signals = append(verdict.Signals, s.name)
		}
	}

	switch {
	case framework && empty && keywords:
		verdict.RequiresRender, verdict.Confidence = true, 95
	case framework && empty:
		verdict.RequiresRender, verdict.Confidence = true, 85
	case empty && scripts:
		verdict.RequiresRender, verdict.Confidence = true, 80
	case empty && keywords:
		verdict.RequiresRender, verdict.Confidence = true, 75
	case framework:
		// server-rendered framework page with real content
		verdict.Confidence = 65
	case keywords:
		verdict.Confidence = 60
	default:
		verdict.Confidence = 50
	}
	if verdict.RequiresRender {
		verdict.FetcherType = crawler.FetcherDynamic
	}
	return verdict
}

func containsAny(haystack []byte, needles [][]byte) bool {
	for _, needle := range needles {
		if bytes.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

// visibleTextLength returns the whitespace-collapsed length of the body text
// with script-like elements removed.
func visibleTextLength(html []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return 0
	}
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	body.Find("script, style, noscript, template, svg").Remove()
	return len(strings.Join(strings.Fields(body.Text()), " "))
}

func scriptDensityHigh(lower []byte) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	var (
		openTag  = []byte("<script")
		closeTag = []byte("</script>")
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := bytes.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := bytes.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := bytes.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
