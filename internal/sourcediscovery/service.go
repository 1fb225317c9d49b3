// Package sourcediscovery finds candidate agenda sites per municipality,
// validates them in two stages and registers them as sources, auto-enabling
// only high-confidence finds.
package sourcediscovery

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/metrics"
)

// Defaults for zero Config fields.
const (
	DefaultAutoEnableThreshold = 80
	DefaultLargePopulation     = 100000
	DefaultConcurrency         = 4
	DefaultResultsPerQuery     = 5
	DefaultAlertTopic          = "agenda-source-alerts"
)

// Reasons recorded on candidates.
const (
	ReasonNoise  = "noise domain"
	ReasonNoGate = "no agenda keywords or dates"
	ReasonKnown  = "already known"
	ReasonDryRun = "dry run"
)

// Config tunes discovery.
type Config struct {
	AutoEnableThreshold int
	LargePopulation     int
	Concurrency         int
	ResultsPerQuery     int
	QueryVariants       []string
	Categories          []string
	NoiseDomains        []string
	AlertTopic          string
}

// Options narrows one discovery pass.
type Options struct {
	MinPopulation     int      `json:"min_population"`
	MaxMunicipalities int      `json:"max_municipalities"`
	Municipalities    []string `json:"municipalities"`
	Categories        []string `json:"categories"`
	DryRun            bool     `json:"dry_run"`
}

// Result summarizes a discovery pass.
type Result struct {
	Municipalities int                        `json:"municipalities"`
	Candidates     []crawler.DiscoveredSource `json:"candidates"`
	Inserted       int                        `json:"inserted"`
	Known          int                        `json:"known"`
	AutoEnabled    int                        `json:"auto_enabled"`
	Rejected       int                        `json:"rejected"`
	Alerts         int                        `json:"alerts"`
	DryRun         bool                       `json:"dry_run"`
}

// Alert is published for high-confidence finds in large municipalities.
type Alert struct {
	Type         string `json:"type"`
	SourceID     string `json:"source_id"`
	URL          string `json:"url"`
	Name         string `json:"name"`
	Municipality string `json:"municipality"`
	Population   int    `json:"population"`
	Confidence   int    `json:"confidence"`
}

// Deps are the collaborators of a Service. Searcher and Publisher may be nil.
type Deps struct {
	Fetcher        crawler.PageFetcher
	Searcher       Searcher
	Judge          Judge
	Sources        crawler.SourceStore
	Publisher      crawler.Publisher
	IDs            crawler.IDGenerator
	Clock          crawler.Clock
	Municipalities []Municipality
}

// Service runs discovery passes.
type Service struct {
	deps      Deps
	cfg       Config
	blocklist *crawler.DomainBlocklist
	logger    *zap.Logger
}

// New creates a Service.
func New(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AutoEnableThreshold <= 0 {
		cfg.AutoEnableThreshold = DefaultAutoEnableThreshold
	}
	if cfg.LargePopulation <= 0 {
		cfg.LargePopulation = DefaultLargePopulation
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ResultsPerQuery <= 0 {
		cfg.ResultsPerQuery = DefaultResultsPerQuery
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories
	}
	if len(cfg.NoiseDomains) == 0 {
		cfg.NoiseDomains = DefaultNoiseDomains
	}
	if cfg.AlertTopic == "" {
		cfg.AlertTopic = DefaultAlertTopic
	}
	if deps.Judge == nil {
		deps.Judge = NewLLMJudge(nil)
	}
	if deps.Municipalities == nil {
		deps.Municipalities = DefaultMunicipalities()
	}
	return &Service{
		deps:      deps,
		cfg:       cfg,
		blocklist: crawler.NewDomainBlocklist(cfg.NoiseDomains),
		logger:    logger.Named("sourcediscovery"),
	}
}

// AutoEnable reports whether confidence clears the threshold. Equal is not
// enough.
func (s *Service) AutoEnable(confidence int) bool {
	return confidence > s.cfg.AutoEnableThreshold
}

type task struct {
	municipality Municipality
	url          string
	category     string
}

// Run executes one discovery pass.
func (s *Service) Run(ctx context.Context, opts Options) (Result, error) {
	targets := Select(s.deps.Municipalities, opts.Municipalities, opts.MinPopulation, opts.MaxMunicipalities)
	categories := opts.Categories
	if len(categories) == 0 {
		categories = s.cfg.Categories
	}
	result := Result{Municipalities: len(targets), DryRun: opts.DryRun, Candidates: []crawler.DiscoveredSource{}}

	var tasks []task
	seen := make(map[string]struct{})
	for _, m := range targets {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("discovery: %w", err)
		}
		for _, t := range s.candidates(ctx, m, categories) {
			key, err := crawler.NormalizeURL(t.url)
			if err != nil {
				key = t.url
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			tasks = append(tasks, t)
		}
	}

	found := make([]crawler.DiscoveredSource, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, t := range tasks {
		g.Go(func() error {
			found[i] = s.validate(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range found {
		if err := s.register(ctx, &d, opts.DryRun, &result); err != nil {
			return result, err
		}
		result.Candidates = append(result.Candidates, d)
	}
	s.logger.Info("discovery finished",
		zap.Int("municipalities", result.Municipalities),
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("inserted", result.Inserted),
		zap.Int("auto_enabled", result.AutoEnabled),
		zap.Bool("dry_run", opts.DryRun),
	)
	return result, nil
}

// candidates gathers search results for every query variant plus guessed
// addresses. Search failures only cost recall.
func (s *Service) candidates(ctx context.Context, m Municipality, categories []string) []task {
	var out []task
	if s.deps.Searcher != nil {
		for _, q := range Queries(m, s.cfg.QueryVariants, categories) {
			urls, err := s.deps.Searcher.Search(ctx, q.Text, s.cfg.ResultsPerQuery)
			if err != nil {
				s.logger.Debug("search failed", zap.String("query", q.Text), zap.Error(err))
				continue
			}
			for _, u := range urls {
				out = append(out, task{municipality: m, url: u, category: q.Category})
			}
		}
	}
	for _, u := range GuessURLs(m) {
		out = append(out, task{municipality: m, url: u})
	}
	return out
}

func (s *Service) validate(ctx context.Context, t task) crawler.DiscoveredSource {
	m := t.municipality
	d := crawler.DiscoveredSource{
		URL:          t.url,
		Municipality: m.Name,
		Province:     m.Province,
		Population:   m.Population,
		Latitude:     m.Latitude,
		Longitude:    m.Longitude,
		Category:     t.category,
	}
	if s.blocklist.IsBlockedURL(t.url) {
		d.Reason = ReasonNoise
		metrics.ObserveDiscoveryCandidate("noise")
		return d
	}
	resp, err := s.deps.Fetcher.Get(ctx, t.url, nil, nil)
	switch {
	case err != nil:
		d.Reason = fmt.Sprintf("fetch failed: %v", err)
	case !resp.OK():
		d.Reason = fmt.Sprintf("fetch failed: HTTP %d", resp.StatusCode)
	case !resp.IsHTML():
		d.Reason = "fetch failed: not HTML"
	}
	if d.Reason != "" {
		metrics.ObserveDiscoveryCandidate("unreachable")
		return d
	}
	if resp.URL != "" && resp.URL != t.url {
		if s.blocklist.IsBlockedURL(resp.URL) {
			d.Reason = ReasonNoise
			metrics.ObserveDiscoveryCandidate("noise")
			return d
		}
		d.URL = resp.URL
	}
	if !CheapGate(resp.Body) {
		d.Reason = ReasonNoGate
		metrics.ObserveDiscoveryCandidate("rejected")
		return d
	}

	verdict := s.deps.Judge.Judge(ctx, d.URL, m.Name, resp.Body)
	d.IsAgenda = verdict.IsAgenda
	d.Confidence = verdict.Confidence
	d.Name = verdict.Name
	d.Reason = verdict.Reason
	if d.Name == "" {
		d.Name = "Agenda " + m.Name
	}
	d.AutoEnabled = d.IsAgenda && s.AutoEnable(d.Confidence)
	if d.IsAgenda {
		metrics.ObserveDiscoveryCandidate("agenda")
	} else {
		metrics.ObserveDiscoveryCandidate("not_agenda")
	}
	return d
}

// register persists an agenda candidate and raises an alert when warranted.
// Only store errors other than a URL conflict are returned.
func (s *Service) register(ctx context.Context, d *crawler.DiscoveredSource, dryRun bool, result *Result) error {
	if !d.IsAgenda {
		result.Rejected++
		return nil
	}
	if dryRun {
		d.Reason = strings.TrimSpace(d.Reason + "; " + ReasonDryRun)
		if d.AutoEnabled {
			result.AutoEnabled++
		}
		return nil
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("new source id: %w", err)
	}
	inserted, err := s.deps.Sources.InsertSource(ctx, crawler.ScraperSource{
		ID:                  id,
		Name:                d.Name,
		URL:                 d.URL,
		Enabled:             d.AutoEnabled,
		AutoDiscovered:      true,
		DiscoveryConfidence: d.Confidence,
		Municipality:        d.Municipality,
		CreatedAt:           s.deps.Clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("insert discovered source %s: %w", d.URL, err)
	}
	if !inserted {
		result.Known++
		d.Reason = ReasonKnown
		d.AutoEnabled = false
		return nil
	}
	result.Inserted++
	if !d.AutoEnabled {
		return nil
	}
	result.AutoEnabled++
	if d.Population >= s.cfg.LargePopulation && s.deps.Publisher != nil {
		alert := Alert{
			Type:         "source_discovered",
			SourceID:     id,
			URL:          d.URL,
			Name:         d.Name,
			Municipality: d.Municipality,
			Population:   d.Population,
			Confidence:   d.Confidence,
		}
		if _, err := s.deps.Publisher.Publish(ctx, s.cfg.AlertTopic, alert); err != nil {
			s.logger.Warn("publish discovery alert failed", zap.String("url", d.URL), zap.Error(err))
		} else {
			result.Alerts++
		}
	}
	return nil
}
