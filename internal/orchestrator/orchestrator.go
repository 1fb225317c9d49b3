// Package orchestrator turns the source registry into runs: it enqueues one
// job per runnable source, drains them through a worker pool, and assembles
// and archives the run report.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/dispatcher"
	"github.com/JakeFAU/agenda-crawler/internal/worker"
)

// Defaults for zero Config fields.
const (
	DefaultMaxJobAttempts = 3
	DefaultReportPrefix   = "reports"
	DefaultReportHistory  = 20
	// DefaultStaleJobAge is how long a job may sit in processing before Resume
	// takes it back when no run timeout is configured.
	DefaultStaleJobAge = time.Hour
	maxActionItems     = 5
	// TimedOutReason is stored on jobs abandoned by a run deadline.
	TimedOutReason = "run timed out"
)

// ErrRunInProgress is returned when a run is requested while another one is
// still executing in this process.
var ErrRunInProgress = errors.New("a run is already in progress")

// Config controls runs.
type Config struct {
	Concurrency      int
	Timeout          time.Duration
	MaxJobAttempts   int
	FailureThreshold int
	ReportPrefix     string
	ReportHistory    int
}

// RunOptions narrows a run.
type RunOptions struct {
	// SourceIDs limits the run to these runnable sources. Empty means all.
	SourceIDs []string
}

// Orchestrator coordinates runs over a shared store.
type Orchestrator struct {
	store     crawler.Store
	processor worker.Processor
	blobs     crawler.BlobStore
	ids       crawler.IDGenerator
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	running atomic.Bool
	mu      sync.RWMutex
	history []crawler.RunReport
}

// New creates an Orchestrator. blobs may be nil to skip archiving.
func New(
	store crawler.Store,
	processor worker.Processor,
	blobs crawler.BlobStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = dispatcher.DefaultConcurrency
	}
	if cfg.MaxJobAttempts <= 0 {
		cfg.MaxJobAttempts = DefaultMaxJobAttempts
	}
	if cfg.ReportPrefix == "" {
		cfg.ReportPrefix = DefaultReportPrefix
	}
	if cfg.ReportHistory <= 0 {
		cfg.ReportHistory = DefaultReportHistory
	}
	return &Orchestrator{
		store:     store,
		processor: processor,
		blobs:     blobs,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
	}
}

type plan struct {
	runID   string
	started time.Time
	sources []crawler.ScraperSource
}

// Run executes a full run and blocks until it finishes or times out. The
// report is returned even when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (crawler.RunReport, error) {
	p, err := o.prepare(ctx, opts)
	if err != nil {
		return crawler.RunReport{}, err
	}
	return o.execute(ctx, p)
}

// Start enqueues a run and executes it in the background, returning its ID.
// The finished report shows up in Reports.
func (o *Orchestrator) Start(ctx context.Context, opts RunOptions) (string, error) {
	p, err := o.prepare(ctx, opts)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := o.execute(context.WithoutCancel(ctx), p); err != nil {
			o.logger.Error("background run failed", zap.String("run_id", p.runID), zap.Error(err))
		}
	}()
	return p.runID, nil
}

// Resume drains the pending jobs left behind by runID, for example after a
// crash or after RetryJob. Jobs stuck in processing for longer than the run
// timeout are requeued first.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (crawler.RunReport, error) {
	p, err := o.prepareResume(ctx, runID)
	if err != nil {
		return crawler.RunReport{}, err
	}
	return o.execute(ctx, p)
}

// StartResume is Resume in the background.
func (o *Orchestrator) StartResume(ctx context.Context, runID string) error {
	p, err := o.prepareResume(ctx, runID)
	if err != nil {
		return err
	}
	go func() {
		if _, err := o.execute(context.WithoutCancel(ctx), p); err != nil {
			o.logger.Error("background resume failed", zap.String("run_id", p.runID), zap.Error(err))
		}
	}()
	return nil
}

func (o *Orchestrator) prepareResume(ctx context.Context, runID string) (plan, error) {
	if !o.running.CompareAndSwap(false, true) {
		return plan{}, ErrRunInProgress
	}
	now := o.clock.Now()
	staleAfter := o.cfg.Timeout
	if staleAfter <= 0 {
		staleAfter = DefaultStaleJobAge
	}
	requeued, err := o.store.RequeueStale(ctx, runID, now.Add(-staleAfter), now)
	if err != nil {
		o.running.Store(false)
		return plan{}, fmt.Errorf("requeue stale jobs: %w", err)
	}
	if requeued > 0 {
		o.logger.Warn("requeued stale processing jobs", zap.String("run_id", runID), zap.Int64("jobs", requeued))
	}
	jobs, err := o.store.ListJobs(ctx, crawler.JobFilter{Status: crawler.JobStatusPending, RunID: runID})
	if err != nil {
		o.running.Store(false)
		return plan{}, fmt.Errorf("list pending jobs: %w", err)
	}
	p := plan{runID: runID, started: now}
	// ListJobs is newest first; run order is oldest first.
	for i := len(jobs) - 1; i >= 0; i-- {
		src, err := o.store.GetSource(ctx, jobs[i].SourceID)
		if err != nil {
			src = crawler.ScraperSource{ID: jobs[i].SourceID}
		}
		p.sources = append(p.sources, src)
	}
	return p, nil
}

// RetryJob moves a failed job back to pending while it has attempts left.
func (o *Orchestrator) RetryJob(ctx context.Context, jobID string) (crawler.ScrapeJob, error) {
	job, err := o.store.RetryJob(ctx, jobID, o.cfg.MaxJobAttempts, o.clock.Now())
	if err != nil {
		return crawler.ScrapeJob{}, fmt.Errorf("retry job: %w", err)
	}
	o.logger.Info("job requeued", zap.String("job_id", job.ID), zap.String("run_id", job.RunID),
		zap.Int("attempts", job.Attempts))
	return job, nil
}

// Running reports whether a run is executing.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

func (o *Orchestrator) prepare(ctx context.Context, opts RunOptions) (plan, error) {
	if !o.running.CompareAndSwap(false, true) {
		return plan{}, ErrRunInProgress
	}
	p, err := o.enqueue(ctx, opts)
	if err != nil {
		o.running.Store(false)
		return plan{}, err
	}
	return p, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, opts RunOptions) (plan, error) {
	sources, err := o.store.ListRunnableSources(ctx)
	if err != nil {
		return plan{}, fmt.Errorf("list runnable sources: %w", err)
	}
	if len(opts.SourceIDs) > 0 {
		sources = slices.DeleteFunc(sources, func(s crawler.ScraperSource) bool {
			return !slices.Contains(opts.SourceIDs, s.ID)
		})
	}
	runID, err := o.ids.NewID()
	if err != nil {
		return plan{}, fmt.Errorf("new run id: %w", err)
	}
	started := o.clock.Now()
	for i, src := range sources {
		jobID, err := o.ids.NewID()
		if err != nil {
			return plan{}, fmt.Errorf("new job id: %w", err)
		}
		// Offsets keep claim order equal to registry order.
		created := started.Add(time.Duration(i) * time.Microsecond)
		if err := o.store.EnqueueJob(ctx, crawler.ScrapeJob{
			ID:        jobID,
			RunID:     runID,
			SourceID:  src.ID,
			Status:    crawler.JobStatusPending,
			CreatedAt: created,
			UpdatedAt: created,
		}); err != nil {
			return plan{}, fmt.Errorf("enqueue source %s: %w", src.ID, err)
		}
	}
	o.logger.Info("run enqueued", zap.String("run_id", runID), zap.Int("sources", len(sources)))
	return plan{runID: runID, started: started, sources: sources}, nil
}

func (o *Orchestrator) execute(ctx context.Context, p plan) (crawler.RunReport, error) {
	defer o.running.Store(false)
	logger := o.logger.With(zap.String("run_id", p.runID))

	runCtx := ctx
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	sink := newCollector()
	runners := make([]dispatcher.Runner, o.cfg.Concurrency)
	for i := range runners {
		runners[i] = worker.New(i+1, o.store, o.processor, sink, o.clock,
			worker.Config{FailureThreshold: o.cfg.FailureThreshold}, o.logger)
	}
	drainErr := dispatcher.New(runners, o.logger).Drain(runCtx, p.runID)

	bookkeeping := context.WithoutCancel(ctx)
	timedOut := runCtx.Err() != nil
	if timedOut {
		abandoned, err := o.store.AbandonPending(bookkeeping, p.runID, TimedOutReason, o.clock.Now())
		if err != nil {
			logger.Error("abandon pending jobs failed", zap.Error(err))
		}
		logger.Warn("run timed out", zap.Int64("abandoned", abandoned))
		drainErr = nil
	}

	report := crawler.RunReport{
		RunID:      p.runID,
		StartedAt:  p.started,
		FinishedAt: o.clock.Now(),
		Sources:    assemble(p.sources, sink.reports(), o.clock.Now()),
	}
	report.Summary = Summarize(report.Sources, timedOut)

	if uri, err := o.archive(bookkeeping, report); err != nil {
		logger.Error("archive run report failed", zap.Error(err))
	} else {
		report.ReportURI = uri
	}
	o.remember(report)

	logger.Info("run finished",
		zap.Int("sources", report.Summary.Sources),
		zap.Int("scraped", report.Summary.TotalScraped),
		zap.Int("saved", report.Summary.TotalSaved),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("blocked", report.Summary.Blocked),
		zap.Bool("timed_out", timedOut),
	)
	return report, drainErr
}

// assemble orders reports by run order. Sources that never produced a report
// are marked skipped.
func assemble(sources []crawler.ScraperSource, reports []crawler.SourceReport, now time.Time) []crawler.SourceReport {
	byID := make(map[string]crawler.SourceReport, len(reports))
	for _, r := range reports {
		byID[r.SourceID] = r
	}
	out := make([]crawler.SourceReport, 0, len(sources))
	for _, src := range sources {
		if r, ok := byID[src.ID]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, crawler.SourceReport{
			SourceID:    src.ID,
			SourceName:  src.Name,
			SourceURL:   src.URL,
			Status:      crawler.SourceStatusFailed,
			Candidates:  []string{},
			Attempts:    []crawler.Attempt{},
			Errors:      []string{TimedOutReason},
			Suggestions: []string{},
			Skipped:     true,
			StartedAt:   now,
			FinishedAt:  now,
		})
	}
	return out
}

// Summarize aggregates per-source reports.
func Summarize(reports []crawler.SourceReport, timedOut bool) crawler.RunSummary {
	s := crawler.RunSummary{Sources: len(reports), TimedOut: timedOut, ActionItems: []crawler.ActionItem{}}
	for _, r := range reports {
		s.TotalScraped += r.Extracted
		s.TotalSaved += r.Inserted
		s.TotalDuplicates += r.DuplicatesSkipped
		if r.Skipped {
			s.Skipped++
		}
		switch r.Status {
		case crawler.SourceStatusSuccess:
			s.Succeeded++
		case crawler.SourceStatusPartial:
			s.Partial++
		case crawler.SourceStatusBlocked:
			s.Blocked++
		default:
			s.Failed++
		}
		if len(s.ActionItems) < maxActionItems && !r.Skipped &&
			(r.Status == crawler.SourceStatusFailed || r.Status == crawler.SourceStatusBlocked) {
			s.ActionItems = append(s.ActionItems, crawler.ActionItem{
				SourceID:   r.SourceID,
				SourceName: r.SourceName,
				Status:     r.Status,
				Suggestion: firstSuggestion(r),
			})
		}
	}
	return s
}

func firstSuggestion(r crawler.SourceReport) string {
	if len(r.Suggestions) > 0 {
		return r.Suggestions[0]
	}
	if len(r.Errors) > 0 {
		return "inspect error: " + r.Errors[0]
	}
	return "inspect the source configuration"
}

func (o *Orchestrator) reportPath(runID string) string {
	return path.Join(o.cfg.ReportPrefix, runID+".json")
}

func (o *Orchestrator) archive(ctx context.Context, report crawler.RunReport) (string, error) {
	if o.blobs == nil {
		return "", nil
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode run report: %w", err)
	}
	uri, err := o.blobs.PutObject(ctx, o.reportPath(report.RunID), "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("write run report: %w", err)
	}
	return uri, nil
}

func (o *Orchestrator) remember(report crawler.RunReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append([]crawler.RunReport{report}, o.history...)
	if len(o.history) > o.cfg.ReportHistory {
		o.history = o.history[:o.cfg.ReportHistory]
	}
}

// Reports returns the recent run reports, newest first.
func (o *Orchestrator) Reports() []crawler.RunReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.history)
}

// Report returns the report of runID from memory or the archive.
func (o *Orchestrator) Report(ctx context.Context, runID string) (crawler.RunReport, error) {
	o.mu.RLock()
	for _, r := range o.history {
		if r.RunID == runID {
			o.mu.RUnlock()
			return r, nil
		}
	}
	o.mu.RUnlock()

	if o.blobs == nil {
		return crawler.RunReport{}, fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	data, err := o.blobs.GetObject(ctx, o.reportPath(runID))
	if err != nil {
		return crawler.RunReport{}, fmt.Errorf("run %s: %w", runID, err)
	}
	var report crawler.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return crawler.RunReport{}, fmt.Errorf("decode run report %s: %w", runID, err)
	}
	return report, nil
}

type collector struct {
	mu  sync.Mutex
	all []crawler.SourceReport
}

func newCollector() *collector {
	return &collector{}
}

// Add implements worker.Sink.
func (c *collector) Add(report crawler.SourceReport) {
	c.mu.Lock()
	c.all = append(c.all, report)
	c.mu.Unlock()
}

func (c *collector) reports() []crawler.SourceReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.all)
}
