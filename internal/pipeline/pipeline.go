// Package pipeline processes one source end to end: candidate discovery,
// fetching, rendering detection, extraction, normalization, dedup and
// persistence. Every outcome is written to the returned SourceReport; nothing
// in here aborts a run.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/dateparse"
	"github.com/JakeFAU/agenda-crawler/internal/dedup"
	"github.com/JakeFAU/agenda-crawler/internal/extract"
	"github.com/JakeFAU/agenda-crawler/internal/metrics"
)

// Defaults applied when Config leaves a field at zero.
const (
	DefaultPersistLimit = 50
	DefaultSampleSize   = 5
	htmlPreviewLen      = 2000
)

// Operator suggestions attached to reports.
const (
	SuggestBlocked = "site answered 403: try a render-capable fetcher or adjust config.headers " +
		"(User-Agent, Cookie) for this source"
	SuggestNoHTML = "no candidate URL returned HTML: verify the source URL or add config.alternate_paths"
	SuggestNoEvents = "no events extracted: add card selectors to config.selectors or set config.parser " +
		"to llm"
	SuggestRender = "page looks JavaScript-rendered: enable headless fetching or set config.use_headless"
	SuggestNoneSaved = "events were extracted but none were saved: check persistence errors"
)

// CandidateFinder lists candidate listing URLs for a source.
type CandidateFinder interface {
	Candidates(ctx context.Context, src crawler.ScraperSource, log *crawler.AttemptLog) []string
}

// RenderDetector decides whether fetched HTML needs a JavaScript-capable
// fetcher.
type RenderDetector interface {
	Detect(html []byte) crawler.RenderVerdict
}

// HostThrottle accepts per-source host interval overrides.
type HostThrottle interface {
	SetHostInterval(rawURL string, interval time.Duration)
}

// Dates normalizes date and time text.
type Dates interface {
	ParseDate(text string) (string, error)
	ParseTime(text string) (string, bool)
}

// Deps are the collaborators of a Processor. Renderer and Throttle may be nil.
type Deps struct {
	Fetcher    crawler.PageFetcher
	Renderer   crawler.Renderer
	Candidates CandidateFinder
	Detector   RenderDetector
	Extractors *extract.Registry
	Dates      Dates
	Events     crawler.EventStore
	Throttle   HostThrottle
	Clock      crawler.Clock
}

// Config bounds per-source work.
type Config struct {
	PersistLimit int
	SampleSize   int
	Debug        bool
}

// Processor runs the per-source pipeline.
type Processor struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New creates a Processor.
func New(deps Deps, cfg Config, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PersistLimit <= 0 {
		cfg.PersistLimit = DefaultPersistLimit
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultSampleSize
	}
	return &Processor{deps: deps, cfg: cfg, logger: logger.Named("pipeline")}
}

// Process runs src through the pipeline and returns its report.
func (p *Processor) Process(ctx context.Context, src crawler.ScraperSource) crawler.SourceReport {
	logger := p.logger.With(zap.String("source_id", src.ID), zap.String("source", src.Name))
	report := crawler.SourceReport{
		SourceID:    src.ID,
		SourceName:  src.Name,
		SourceURL:   src.URL,
		Candidates:  []string{},
		Attempts:    []crawler.Attempt{},
		Errors:      []string{},
		Suggestions: []string{},
		StartedAt:   p.deps.Clock.Now(),
	}
	attempts := crawler.NewAttemptLog()
	defer func() {
		report.Attempts = append(report.Attempts, attempts.Entries()...)
		report.FinishedAt = p.deps.Clock.Now()
		metrics.ObserveSource(string(report.Status))
		logger.Info("source processed",
			zap.String("status", string(report.Status)),
			zap.Int("extracted", report.Extracted),
			zap.Int("inserted", report.Inserted),
			zap.Int("duplicates", report.DuplicatesSkipped),
		)
	}()

	if src.Config.MinIntervalMs > 0 && p.deps.Throttle != nil {
		p.deps.Throttle.SetHostInterval(src.URL, time.Duration(src.Config.MinIntervalMs)*time.Millisecond)
	}

	report.Candidates = append(report.Candidates, p.deps.Candidates.Candidates(ctx, src, attempts)...)

	resp, blocked := p.fetchFirst(ctx, src, report.Candidates, attempts, &report)
	switch {
	case blocked:
		report.Status = crawler.SourceStatusBlocked
		report.Suggestions = append(report.Suggestions, SuggestBlocked)
		return report
	case resp == nil:
		report.Status = crawler.SourceStatusFailed
		report.Suggestions = append(report.Suggestions, SuggestNoHTML)
		return report
	}
	report.FetchedURL = resp.URL

	body := p.maybeRender(ctx, src, *resp, attempts, &report)

	page, err := extract.NewPage(resp.URL, body, src)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		report.Status = crawler.SourceStatusFailed
		report.Suggestions = append(report.Suggestions, SuggestNoHTML)
		return report
	}

	result := p.deps.Extractors.Resolve(src.Config.Parser).Extract(ctx, page)
	report.Strategy = result.Strategy
	report.Extracted = len(result.Cards)
	if p.cfg.Debug || src.Config.Debug {
		bundle := result.Debug
		if bundle.HTMLPreview == "" {
			bundle.HTMLPreview = preview(body)
		}
		report.Debug = &bundle
	}

	events := p.normalizeAll(src, resp.URL, result)
	report.Normalized = len(events)
	kept, skipped := dedup.Filter(events)
	report.DuplicatesSkipped = skipped

	p.persist(ctx, kept, &report)

	if len(kept) > p.cfg.SampleSize {
		report.Sample = kept[:p.cfg.SampleSize]
	} else {
		report.Sample = kept
	}

	switch {
	case report.Inserted > 0:
		report.Status = crawler.SourceStatusSuccess
	case report.Extracted > 0:
		report.Status = crawler.SourceStatusPartial
		if hasPersistErrors(report.Persisted) {
			report.Suggestions = append(report.Suggestions, SuggestNoneSaved)
		}
	default:
		report.Status = crawler.SourceStatusFailed
		report.Suggestions = append(report.Suggestions, SuggestNoEvents)
	}
	return report
}

// fetchFirst walks candidates in order until one yields 2xx HTML. A 403 stops
// the walk and reports the source as blocked.
func (p *Processor) fetchFirst(
	ctx context.Context,
	src crawler.ScraperSource,
	candidates []string,
	attempts *crawler.AttemptLog,
	report *crawler.SourceReport,
) (*crawler.FetchResponse, bool) {
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("source aborted: %v", err))
			return nil, false
		}
		resp, err := p.deps.Fetcher.Get(ctx, candidate, src.Config.Headers, attempts)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("GET %s: %v", candidate, err))
			continue
		}
		if resp.StatusCode == 403 {
			report.Errors = append(report.Errors, fmt.Sprintf("GET %s: %v (HTTP 403)", candidate, crawler.ErrBlocked))
			return nil, true
		}
		if !resp.OK() {
			report.Errors = append(report.Errors, fmt.Sprintf("GET %s: HTTP %d", candidate, resp.StatusCode))
			continue
		}
		if !resp.IsHTML() {
			report.Errors = append(report.Errors,
				fmt.Sprintf("GET %s: content type %q is not HTML", candidate, resp.ContentType()))
			continue
		}
		if resp.URL == "" {
			resp.URL = candidate
		}
		return &resp, false
	}
	return nil, false
}

// maybeRender refetches through the renderer when the detector asks for it.
// The static body is kept whenever rendering is unavailable or fails.
func (p *Processor) maybeRender(
	ctx context.Context,
	src crawler.ScraperSource,
	resp crawler.FetchResponse,
	attempts *crawler.AttemptLog,
	report *crawler.SourceReport,
) []byte {
	verdict := p.deps.Detector.Detect(resp.Body)
	report.Render = &verdict
	if !verdict.RequiresRender && !src.Config.UseHeadless {
		return resp.Body
	}
	if p.deps.Renderer == nil {
		if verdict.RequiresRender {
			report.Suggestions = append(report.Suggestions, SuggestRender)
		}
		return resp.Body
	}
	rendered, err := p.deps.Renderer.Render(ctx, resp.URL, src.Config.Headers, attempts)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("render %s: %v", resp.URL, err))
		return resp.Body
	}
	if !rendered.OK() || len(rendered.Body) == 0 {
		report.Errors = append(report.Errors, fmt.Sprintf("render %s: HTTP %d", resp.URL, rendered.StatusCode))
		return resp.Body
	}
	return rendered.Body
}

func (p *Processor) normalizeAll(src crawler.ScraperSource, pageURL string, result extract.Result) []crawler.NormalizedEvent {
	now := p.deps.Clock.Now().UTC()
	out := make([]crawler.NormalizedEvent, 0, len(result.Cards))
	for _, card := range result.Cards {
		if card.Strategy == "" {
			card.Strategy = result.Strategy
		}
		event, ok := p.Normalize(src, pageURL, card, now)
		if ok {
			out = append(out, event)
		}
	}
	return out
}

// Normalize converts a raw card into a storage-ready event. Cards without a
// title or a parseable start date are dropped.
func (p *Processor) Normalize(
	src crawler.ScraperSource,
	pageURL string,
	card crawler.RawEventCard,
	now time.Time,
) (crawler.NormalizedEvent, bool) {
	title := strings.TrimSpace(card.Title)
	if title == "" {
		return crawler.NormalizedEvent{}, false
	}
	start, err := p.deps.Dates.ParseDate(card.DateText)
	if err != nil {
		return crawler.NormalizedEvent{}, false
	}
	var end string
	if card.EndDateText != "" {
		if d, err := p.deps.Dates.ParseDate(card.EndDateText); err == nil && d >= start {
			end = d
		}
	}
	return crawler.NormalizedEvent{
		SourceID:     src.ID,
		SourceURL:    pageURL,
		Title:        title,
		Description:  strings.TrimSpace(card.Description),
		StartDate:    start,
		StartTime:    p.startTime(card),
		EndDate:      end,
		LocationName: strings.TrimSpace(card.LocationText),
		Address:      strings.TrimSpace(card.Address),
		Price:        card.Price,
		Currency:     card.Currency,
		Category:     card.CategoryHint,
		ImageURL:     card.ImageURL,
		DetailURL:    card.DetailURL,
		RawHTML:      card.RawHTML,
		Structured:   card.Structured,
		ExtractedAt:  now,
		Confidence:   card.Strategy.Confidence(),
		Strategy:     card.Strategy,
	}, true
}

// startTime prefers explicit time text, then a time embedded in the date.
func (p *Processor) startTime(card crawler.RawEventCard) string {
	if t, ok := p.deps.Dates.ParseTime(card.TimeText); ok {
		return t
	}
	if t := dateparse.ISOTime(card.DateText); t != "" {
		return t
	}
	if t, ok := p.deps.Dates.ParseTime(card.DateText); ok {
		return t
	}
	return ""
}

func (p *Processor) persist(ctx context.Context, events []crawler.NormalizedEvent, report *crawler.SourceReport) {
	limit := len(events)
	if limit > p.cfg.PersistLimit {
		limit = p.cfg.PersistLimit
	}
	for _, event := range events[:limit] {
		result := crawler.PersistResult{DedupHash: event.DedupHash, Title: event.Title}
		inserted, err := p.deps.Events.UpsertEvent(ctx, event)
		switch {
		case err != nil:
			result.Outcome = crawler.PersistError
			result.Error = err.Error()
			report.Errors = append(report.Errors, fmt.Sprintf("persist %q: %v", event.Title, err))
		case inserted:
			result.Outcome = crawler.PersistInserted
			report.Inserted++
		default:
			result.Outcome = crawler.PersistDuplicate
			report.DuplicatesSkipped++
		}
		metrics.ObservePersist(string(result.Outcome))
		report.Persisted = append(report.Persisted, result)
	}
}

func hasPersistErrors(results []crawler.PersistResult) bool {
	for _, r := range results {
		if r.Outcome == crawler.PersistError {
			return true
		}
	}
	return false
}

func preview(body []byte) string {
	return extract.Truncate(string(body), htmlPreviewLen)
}
