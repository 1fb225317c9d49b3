package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/storage/memory"
)

var t0 = time.Date(2026, time.July, 12, 9, 0, 0, 0, time.UTC)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return t0 }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%03d", s.n.Add(1)), nil
}

type scriptedProcessor struct {
	mu       sync.Mutex
	statuses map[string]crawler.SourceStatus
	block    map[string]bool
	seen     []string
}

func (p *scriptedProcessor) Process(ctx context.Context, src crawler.ScraperSource) crawler.SourceReport {
	p.mu.Lock()
	p.seen = append(p.seen, src.ID)
	p.mu.Unlock()
	report := crawler.SourceReport{
		SourceID:    src.ID,
		SourceName:  src.Name,
		SourceURL:   src.URL,
		Status:      p.statuses[src.ID],
		Errors:      []string{},
		Suggestions: []string{},
	}
	if p.block[src.ID] {
		<-ctx.Done()
		report.Status = crawler.SourceStatusFailed
		report.Errors = append(report.Errors, ctx.Err().Error())
		return report
	}
	switch report.Status {
	case crawler.SourceStatusSuccess:
		report.Extracted, report.Inserted, report.DuplicatesSkipped = 4, 3, 1
	case crawler.SourceStatusPartial:
		report.Extracted, report.DuplicatesSkipped = 2, 2
	case crawler.SourceStatusBlocked:
		report.Suggestions = append(report.Suggestions, "use a render-capable fetcher")
	case crawler.SourceStatusFailed:
		report.Errors = append(report.Errors, "GET https://x.nl: HTTP 500")
	}
	return report
}

func seedSources(t *testing.T, store *memory.Store, ids ...string) {
	t.Helper()
	for i, id := range ids {
		_, err := store.InsertSource(context.Background(), crawler.ScraperSource{
			ID:        id,
			Name:      "Bron " + id,
			URL:       "https://" + id + ".nl",
			Enabled:   true,
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
}

func newOrchestrator(store *memory.Store, p *scriptedProcessor, blobs crawler.BlobStore, cfg Config) *Orchestrator {
	return New(store, p, blobs, &seqIDs{}, fakeClock{}, cfg, zap.NewNop())
}

func TestRunBuildsReportInSourceOrder(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedSources(t, store, "a", "b", "c", "d")
	_, err := store.InsertSource(context.Background(), crawler.ScraperSource{ID: "off", URL: "https://off.nl"})
	require.NoError(t, err)
	blobs := memory.NewBlobStore()
	p := &scriptedProcessor{statuses: map[string]crawler.SourceStatus{
		"a": crawler.SourceStatusSuccess,
		"b": crawler.SourceStatusPartial,
		"c": crawler.SourceStatusBlocked,
		"d": crawler.SourceStatusFailed,
	}}
	o := newOrchestrator(store, p, blobs, Config{Concurrency: 2})

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "id-001", report.RunID)
	require.Len(t, report.Sources, 4)
	for i, id := range []string{"a", "b", "c", "d"} {
		require.Equal(t, id, report.Sources[i].SourceID)
	}

	s := report.Summary
	require.Equal(t, 4, s.Sources)
	require.Equal(t, 6, s.TotalScraped)
	require.Equal(t, 3, s.TotalSaved)
	require.Equal(t, 3, s.TotalDuplicates)
	require.Equal(t, 1, s.Succeeded)
	require.Equal(t, 1, s.Partial)
	require.Equal(t, 1, s.Blocked)
	require.Equal(t, 1, s.Failed)
	require.False(t, s.TimedOut)
	require.Len(t, s.ActionItems, 2)
	require.Equal(t, "use a render-capable fetcher", s.ActionItems[0].Suggestion)
	require.Equal(t, "inspect error: GET https://x.nl: HTTP 500", s.ActionItems[1].Suggestion)

	require.Equal(t, "memory://reports/id-001.json", report.ReportURI)
	archived, err := o.Report(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Equal(t, report.RunID, archived.RunID)

	jobs, err := store.ListJobs(context.Background(), crawler.JobFilter{RunID: report.RunID})
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	c, err := store.GetSource(context.Background(), "c")
	require.NoError(t, err)
	require.Equal(t, 1, c.ConsecutiveFailures)
}

func TestRunLimitedToSourceIDs(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedSources(t, store, "a", "b", "c")
	p := &scriptedProcessor{statuses: map[string]crawler.SourceStatus{"b": crawler.SourceStatusSuccess}}
	o := newOrchestrator(store, p, nil, Config{Concurrency: 1})

	report, err := o.Run(context.Background(), RunOptions{SourceIDs: []string{"b", "missing"}})
	require.NoError(t, err)
	require.Len(t, report.Sources, 1)
	require.Equal(t, []string{"b"}, p.seen)
	require.Empty(t, report.ReportURI)
}

func TestRunTimeoutReturnsPartialReport(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedSources(t, store, "slow", "never")
	p := &scriptedProcessor{
		statuses: map[string]crawler.SourceStatus{"never": crawler.SourceStatusSuccess},
		block:    map[string]bool{"slow": true},
	}
	o := newOrchestrator(store, p, memory.NewBlobStore(), Config{Concurrency: 1, Timeout: 30 * time.Millisecond})

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.True(t, report.Summary.TimedOut)
	require.Len(t, report.Sources, 2)
	require.Equal(t, []string{"slow"}, p.seen)

	slow := report.Sources[0]
	require.False(t, slow.Skipped)
	require.Contains(t, slow.Errors[0], "deadline exceeded")

	never := report.Sources[1]
	require.True(t, never.Skipped)
	require.Equal(t, []string{TimedOutReason}, never.Errors)
	require.Equal(t, 1, report.Summary.Skipped)
	require.Len(t, report.Summary.ActionItems, 1)

	jobs, err := store.ListJobs(context.Background(), crawler.JobFilter{RunID: report.RunID, Status: crawler.JobStatusFailed})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	pending, err := store.ListJobs(context.Background(), crawler.JobFilter{Status: crawler.JobStatusPending})
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRetryAndResume(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedSources(t, store, "a")
	p := &scriptedProcessor{statuses: map[string]crawler.SourceStatus{"a": crawler.SourceStatusFailed}}
	o := newOrchestrator(store, p, nil, Config{Concurrency: 1, MaxJobAttempts: 2})
	ctx := context.Background()

	first, err := o.Run(ctx, RunOptions{})
	require.NoError(t, err)
	jobs, err := store.ListJobs(ctx, crawler.JobFilter{RunID: first.RunID})
	require.NoError(t, err)
	jobID := jobs[0].ID

	requeued, err := o.RetryJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, requeued.Status)

	p.statuses["a"] = crawler.SourceStatusSuccess
	resumed, err := o.Resume(ctx, first.RunID)
	require.NoError(t, err)
	require.Equal(t, first.RunID, resumed.RunID)
	require.Len(t, resumed.Sources, 1)
	require.Equal(t, crawler.SourceStatusSuccess, resumed.Sources[0].Status)

	done, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, done.Status)
	require.Equal(t, 2, done.Attempts)

	_, err = o.RetryJob(ctx, jobID)
	require.True(t, errors.Is(err, crawler.ErrInvalidTransition))

	require.Len(t, o.Reports(), 2)
	require.Equal(t, first.RunID, o.Reports()[1].RunID)
}

func TestResumeRequeuesStaleProcessingJobs(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedSources(t, store, "crashed", "busy")
	ctx := context.Background()
	require.NoError(t, store.EnqueueJob(ctx, crawler.ScrapeJob{ID: "job-crashed", RunID: "run-7", SourceID: "crashed", CreatedAt: t0.Add(-3 * time.Hour)}))
	require.NoError(t, store.EnqueueJob(ctx, crawler.ScrapeJob{ID: "job-busy", RunID: "run-7", SourceID: "busy", CreatedAt: t0.Add(-2 * time.Hour)}))
	_, err := store.ClaimJob(ctx, "run-7", t0.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = store.ClaimJob(ctx, "run-7", t0.Add(-time.Minute))
	require.NoError(t, err)

	p := &scriptedProcessor{statuses: map[string]crawler.SourceStatus{"crashed": crawler.SourceStatusSuccess}}
	o := newOrchestrator(store, p, nil, Config{Concurrency: 1, Timeout: 30 * time.Minute})

	report, err := o.Resume(ctx, "run-7")
	require.NoError(t, err)
	require.Equal(t, []string{"crashed"}, p.seen)
	require.Len(t, report.Sources, 1)

	crashed, err := store.GetJob(ctx, "job-crashed")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, crashed.Status)
	require.Equal(t, 2, crashed.Attempts)

	busy, err := store.GetJob(ctx, "job-busy")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusProcessing, busy.Status)
}

func TestRetryExhausted(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedSources(t, store, "a")
	p := &scriptedProcessor{statuses: map[string]crawler.SourceStatus{"a": crawler.SourceStatusBlocked}}
	o := newOrchestrator(store, p, nil, Config{Concurrency: 1, MaxJobAttempts: 1})
	ctx := context.Background()

	report, err := o.Run(ctx, RunOptions{})
	require.NoError(t, err)
	jobs, err := store.ListJobs(ctx, crawler.JobFilter{RunID: report.RunID})
	require.NoError(t, err)

	_, err = o.RetryJob(ctx, jobs[0].ID)
	require.True(t, errors.Is(err, crawler.ErrRetryExhausted))
}

func TestStartRejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedSources(t, store, "slow")
	p := &scriptedProcessor{block: map[string]bool{"slow": true}}
	o := newOrchestrator(store, p, nil, Config{Concurrency: 1, Timeout: 50 * time.Millisecond})

	runID, err := o.Start(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.True(t, o.Running())

	_, err = o.Run(context.Background(), RunOptions{})
	require.True(t, errors.Is(err, ErrRunInProgress))

	require.Eventually(t, func() bool {
		_, err := o.Report(context.Background(), runID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !o.Running() }, time.Second, 5*time.Millisecond)
}

func TestStartResumeRunsInBackground(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedSources(t, store, "a")
	p := &scriptedProcessor{statuses: map[string]crawler.SourceStatus{"a": crawler.SourceStatusFailed}}
	o := newOrchestrator(store, p, nil, Config{Concurrency: 1})
	ctx := context.Background()

	first, err := o.Run(ctx, RunOptions{})
	require.NoError(t, err)
	jobs, err := store.ListJobs(ctx, crawler.JobFilter{RunID: first.RunID})
	require.NoError(t, err)
	_, err = o.RetryJob(ctx, jobs[0].ID)
	require.NoError(t, err)

	p.statuses["a"] = crawler.SourceStatusPartial
	require.NoError(t, o.StartResume(ctx, first.RunID))
	require.Eventually(t, func() bool { return len(o.Reports()) == 2 && !o.Running() }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, crawler.SourceStatusPartial, o.Reports()[0].Sources[0].Status)
}

func TestReportNotFound(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(memory.NewStore(), &scriptedProcessor{}, nil, Config{})
	_, err := o.Report(context.Background(), "nope")
	require.True(t, errors.Is(err, crawler.ErrNotFound))

	o = newOrchestrator(memory.NewStore(), &scriptedProcessor{}, memory.NewBlobStore(), Config{})
	_, err = o.Report(context.Background(), "nope")
	require.True(t, errors.Is(err, crawler.ErrNotFound))
}

func TestSummarizeCapsActionItems(t *testing.T) {
	t.Parallel()

	var reports []crawler.SourceReport
	for i := 0; i < 8; i++ {
		reports = append(reports, crawler.SourceReport{SourceID: fmt.Sprint(i), Status: crawler.SourceStatusFailed})
	}
	s := Summarize(reports, false)
	require.Equal(t, 8, s.Failed)
	require.Len(t, s.ActionItems, maxActionItems)
	require.Equal(t, "inspect the source configuration", s.ActionItems[0].Suggestion)
}
