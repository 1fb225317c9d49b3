package dispatcher

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
	"github.com/JakeFAU/agenda-crawler/internal/worker"
)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Date(2026, time.July, 12, 9, 0, 0, 0, time.UTC) }

type countingProcessor struct {
	mu    sync.Mutex
	seen  map[string]int
	calls atomic.Int32
}

func (p *countingProcessor) Process(_ context.Context, src crawler.ScraperSource) crawler.SourceReport {
	p.calls.Add(1)
	p.mu.Lock()
	p.seen[src.ID]++
	p.mu.Unlock()
	time.Sleep(time.Millisecond)
	return crawler.SourceReport{SourceID: src.ID, Status: crawler.SourceStatusSuccess, Inserted: 1}
}

func TestDrainProcessesEveryJobOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("s%02d", i)
		_, err := store.InsertSource(ctx, crawler.ScraperSource{ID: id, URL: "https://" + id + ".nl", Enabled: true})
		require.NoError(t, err)
		require.NoError(t, store.EnqueueJob(ctx, crawler.ScrapeJob{ID: "job-" + id, RunID: "run-1", SourceID: id}))
	}
	processor := &countingProcessor{seen: map[string]int{}}
	var runners []Runner
	for i := 0; i < DefaultConcurrency; i++ {
		runners = append(runners, worker.New(i, store, processor, nil, fakeClock{}, worker.Config{}, zap.NewNop()))
	}
	d := New(runners, zap.NewNop())
	require.Equal(t, DefaultConcurrency, d.Size())

	require.NoError(t, d.Drain(ctx, "run-1"))
	require.EqualValues(t, 20, processor.calls.Load())
	for id, n := range processor.seen {
		require.Equal(t, 1, n, id)
	}

	completed, err := store.ListJobs(ctx, crawler.JobFilter{Status: crawler.JobStatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 20)
}

type runnerFunc func(ctx context.Context, runID string) error

func (f runnerFunc) Run(ctx context.Context, runID string) error { return f(ctx, runID) }

func TestDrainKeepsSiblingsRunning(t *testing.T) {
	t.Parallel()

	var finished atomic.Bool
	failing := runnerFunc(func(context.Context, string) error { return errors.New("database is locked") })
	slow := runnerFunc(func(ctx context.Context, _ string) error {
		time.Sleep(20 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
		return nil
	})

	err := New([]Runner{failing, slow}, zap.NewNop()).Drain(context.Background(), "run-1")
	require.ErrorContains(t, err, "database is locked")
	require.True(t, finished.Load())
}

func TestDrainWithoutWorkers(t *testing.T) {
	t.Parallel()

	require.Error(t, New(nil, nil).Drain(context.Background(), "run-1"))
}
