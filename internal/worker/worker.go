// Package worker drains scrape jobs: claim, process the source, finish the
// job and record source health.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/metrics"
)

// DefaultFailureThreshold auto-disables a source after this many consecutive
// failed or blocked runs.
const DefaultFailureThreshold = 5

// Processor turns one source into a report.
type Processor interface {
	Process(ctx context.Context, src crawler.ScraperSource) crawler.SourceReport
}

// Sink receives every finished report.
type Sink interface {
	Add(report crawler.SourceReport)
}

// Store is the slice of persistence a worker touches.
type Store interface {
	crawler.SourceStore
	crawler.JobStore
}

// Config controls Worker behavior.
type Config struct {
	FailureThreshold int
}

// Worker processes jobs of one run until none are pending.
type Worker struct {
	id        int
	store     Store
	processor Processor
	sink      Sink
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(id int, store Store, processor Processor, sink Sink, clock crawler.Clock, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	return &Worker{
		id:        id,
		store:     store,
		processor: processor,
		sink:      sink,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker").With(zap.Int("worker", id)),
	}
}

// Run claims jobs of runID until the queue is drained or ctx ends. A drained
// queue returns nil.
func (w *Worker) Run(ctx context.Context, runID string) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		err := w.RunOnce(ctx, runID)
		if errors.Is(err, crawler.ErrNoPendingJobs) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// RunOnce processes a single job. It returns crawler.ErrNoPendingJobs when
// there is nothing to claim.
func (w *Worker) RunOnce(ctx context.Context, runID string) error {
	job, err := w.store.ClaimJob(ctx, runID, w.clock.Now())
	if err != nil {
		if errors.Is(err, crawler.ErrNoPendingJobs) {
			return err
		}
		return fmt.Errorf("claim job: %w", err)
	}
	metrics.ObserveJob(string(crawler.JobStatusProcessing))
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("source_id", job.SourceID))
	logger.Debug("claimed job", zap.Int("attempt", job.Attempts))

	// Bookkeeping must land even when the run deadline already fired.
	finishCtx := context.WithoutCancel(ctx)

	src, err := w.store.GetSource(ctx, job.SourceID)
	if err != nil {
		report := w.skipped(job, crawler.ScraperSource{ID: job.SourceID}, fmt.Sprintf("load source: %v", err))
		w.finish(finishCtx, logger, job, report)
		return nil
	}
	if !src.Runnable() {
		report := w.skipped(job, src, "source is disabled")
		w.finish(finishCtx, logger, job, report)
		return nil
	}

	report := w.processor.Process(ctx, src)
	w.finish(finishCtx, logger, job, report)
	if ctx.Err() != nil {
		// An aborted run says nothing about the source itself.
		logger.Warn("source aborted by run deadline; health unchanged", zap.Error(ctx.Err()))
		return nil
	}
	w.recordHealth(finishCtx, logger, src, report)
	return nil
}

func (w *Worker) skipped(job crawler.ScrapeJob, src crawler.ScraperSource, reason string) crawler.SourceReport {
	now := w.clock.Now()
	return crawler.SourceReport{
		SourceID:    job.SourceID,
		SourceName:  src.Name,
		SourceURL:   src.URL,
		Status:      crawler.SourceStatusFailed,
		Candidates:  []string{},
		Attempts:    []crawler.Attempt{},
		Errors:      []string{reason},
		Suggestions: []string{},
		Skipped:     true,
		StartedAt:   now,
		FinishedAt:  now,
	}
}

// finish moves the job to completed or failed and hands the report on.
func (w *Worker) finish(ctx context.Context, logger *zap.Logger, job crawler.ScrapeJob, report crawler.SourceReport) {
	now := w.clock.Now()
	scraped, inserted := report.Extracted, report.Inserted
	var (
		err    error
		status crawler.JobStatus
	)
	switch report.Status {
	case crawler.SourceStatusSuccess, crawler.SourceStatusPartial:
		status = crawler.JobStatusCompleted
		err = w.store.CompleteJob(ctx, job.ID, scraped, inserted, now)
	default:
		status = crawler.JobStatusFailed
		err = w.store.FailJob(ctx, job.ID, failureMessage(report), scraped, inserted, now)
	}
	if err != nil {
		logger.Error("finish job failed", zap.String("status", string(status)), zap.Error(err))
	} else {
		metrics.ObserveJob(string(status))
	}
	if w.sink != nil {
		w.sink.Add(report)
	}
}

// recordHealth updates failure counters and auto-disables a source that keeps
// failing.
func (w *Worker) recordHealth(ctx context.Context, logger *zap.Logger, src crawler.ScraperSource, report crawler.SourceReport) {
	health := crawler.SourceHealth{
		LastStatus:   report.Status,
		LastRunAt:    report.FinishedAt,
		AutoDisabled: src.AutoDisabled,
	}
	switch report.Status {
	case crawler.SourceStatusSuccess, crawler.SourceStatusPartial:
		health.ConsecutiveFailures = 0
	default:
		health.ConsecutiveFailures = src.ConsecutiveFailures + 1
		health.LastError = failureMessage(report)
		if health.ConsecutiveFailures >= w.cfg.FailureThreshold {
			health.AutoDisabled = true
		}
	}
	if health.AutoDisabled && !src.AutoDisabled {
		logger.Warn("source auto-disabled",
			zap.Int("consecutive_failures", health.ConsecutiveFailures),
			zap.String("last_error", health.LastError),
		)
	}
	if err := w.store.UpdateSourceHealth(ctx, src.ID, health); err != nil {
		logger.Error("update source health failed", zap.Error(err))
	}
}

func failureMessage(report crawler.SourceReport) string {
	if len(report.Errors) > 0 {
		return report.Errors[0]
	}
	switch report.Status {
	case crawler.SourceStatusBlocked:
		return crawler.ErrBlocked.Error()
	case crawler.SourceStatusFailed:
		return "no events extracted"
	default:
		return string(report.Status)
	}
}
