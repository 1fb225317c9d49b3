package extract

import (
	"context"
	"strings"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/metrics"
)

// StrategyCascade is the registry name of the default strategy.
const StrategyCascade = "cascade"

// Cascade runs its extractors in order and returns the first non-empty
// result.
type Cascade struct {
	steps []Extractor
}

// NewCascade chains extractors. Nil entries are skipped.
func NewCascade(steps ...Extractor) *Cascade {
	c := &Cascade{}
	for _, step := range steps {
		if step != nil {
			c.steps = append(c.steps, step)
		}
	}
	return c
}

// Name implements Extractor.
func (*Cascade) Name() string { return StrategyCascade }

// Extract implements Extractor. When every step comes back empty the debug
// information of all steps is merged.
func (c *Cascade) Extract(ctx context.Context, page *Page) Result {
	var merged crawler.DebugBundle
	for _, step := range c.steps {
		if ctx.Err() != nil {
			break
		}
		res := step.Extract(ctx, page)
		metrics.ObserveExtraction(string(res.Strategy), len(res.Cards))
		if len(res.Cards) > 0 {
			return res
		}
		mergeDebug(&merged, res.Debug)
	}
	return Result{Debug: merged}
}

func mergeDebug(dst *crawler.DebugBundle, src crawler.DebugBundle) {
	if dst.JSONLDPreview == "" {
		dst.JSONLDPreview = src.JSONLDPreview
	}
	if len(src.Selectors) > 0 {
		dst.Selectors = append(dst.Selectors, src.Selectors...)
	}
	if dst.LLMPrompt == "" {
		dst.LLMPrompt = src.LLMPrompt
	}
	if dst.LLMResponse == "" {
		dst.LLMResponse = src.LLMResponse
	}
}

// Registry resolves a source's configured parser name to an extractor.
type Registry struct {
	byName   map[string]Extractor
	fallback Extractor
}

// NewRegistry builds the lookup table for the three strategies and the
// cascade over them. The LLM step is left out when it has no provider.
func NewRegistry(structured *Structured, heuristic *Heuristic, fallback *LLM) *Registry {
	steps := []Extractor{structured, heuristic}
	if fallback.Enabled() {
		steps = append(steps, fallback)
	}
	cascade := NewCascade(steps...)
	r := &Registry{
		byName: map[string]Extractor{
			StrategyCascade:                    cascade,
			string(crawler.StrategyStructured): structured,
			string(crawler.StrategyHeuristic):  heuristic,
			string(crawler.StrategyLLM):        fallback,
		},
		fallback: cascade,
	}
	return r
}

// Resolve returns the extractor registered under name, or the cascade.
func (r *Registry) Resolve(name string) Extractor {
	if ex, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return ex
	}
	return r.fallback
}

// Names lists the registered strategy names.
func (r *Registry) Names() []string {
	return []string{
		StrategyCascade,
		string(crawler.StrategyStructured),
		string(crawler.StrategyHeuristic),
		string(crawler.StrategyLLM),
	}
}
