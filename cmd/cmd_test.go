package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/agenda-crawler/internal/app"
	"github.com/JakeFAU/agenda-crawler/internal/config"
	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/orchestrator"
	"github.com/JakeFAU/agenda-crawler/internal/sourcediscovery"
	"github.com/JakeFAU/agenda-crawler/internal/storage/memory"
)

// MockApp mocks the App interface.
type MockApp struct {
	mock.Mock
	cfg   config.Config
	store crawler.Store
}

func (m *MockApp) Close()                   { m.Called() }
func (m *MockApp) GetLogger() *zap.Logger   { return zap.NewNop() }
func (m *MockApp) GetConfig() config.Config { return m.cfg }
func (m *MockApp) GetStore() crawler.Store  { return m.store }

func (m *MockApp) RunOnce(ctx context.Context, opts orchestrator.RunOptions) (crawler.RunReport, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).(crawler.RunReport), args.Error(1)
}

func (m *MockApp) ResumeRun(ctx context.Context, runID string) (crawler.RunReport, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(crawler.RunReport), args.Error(1)
}

func (m *MockApp) RetryJob(ctx context.Context, jobID string) (crawler.ScrapeJob, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(crawler.ScrapeJob), args.Error(1)
}

func (m *MockApp) Discover(ctx context.Context, opts sourcediscovery.Options) (sourcediscovery.Result, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).(sourcediscovery.Result), args.Error(1)
}

func (m *MockApp) ImportSources(ctx context.Context, path string) (app.ImportResult, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(app.ImportResult), args.Error(1)
}

func (m *MockApp) Prune(ctx context.Context, before string, all bool) (app.PruneResult, error) {
	args := m.Called(ctx, before, all)
	return args.Get(0).(app.PruneResult), args.Error(1)
}

func (m *MockApp) Serve(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// withMockApp installs a factory returning m for the duration of the test.
func withMockApp(t *testing.T, m *MockApp) {
	t.Helper()
	if m.store == nil {
		m.store = memory.NewStore()
	}
	if m.cfg.Run.LockFile == "" {
		m.cfg.Run.LockFile = filepath.Join(t.TempDir(), "agenda-crawler.lock")
	}
	original := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) { return m, nil }
	t.Cleanup(func() { newApp = original })
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunPrintsReport(t *testing.T) {
	m := new(MockApp)
	withMockApp(t, m)
	m.On("RunOnce", mock.Anything, orchestrator.RunOptions{SourceIDs: []string{"gouda", "delft"}}).
		Return(crawler.RunReport{RunID: "run-1", Summary: crawler.RunSummary{Sources: 2, TotalSaved: 7}}, nil).Once()
	m.On("Close").Once()

	out, err := execute(t, "", "run", "--source", "gouda", "--source", "delft")
	require.NoError(t, err)
	assert.Contains(t, out, `"run_id": "run-1"`)
	assert.Contains(t, out, `"total_saved": 7`)
	m.AssertExpectations(t)

	lock := flock.New(m.cfg.Run.LockFile)
	locked, err := lock.TryLock()
	require.NoError(t, err)
	assert.True(t, locked, "lock must be released after the run")
	require.NoError(t, lock.Unlock())
}

func TestRunResumePrintsPartialReportOnError(t *testing.T) {
	m := new(MockApp)
	withMockApp(t, m)
	m.On("ResumeRun", mock.Anything, "run-9").
		Return(crawler.RunReport{RunID: "run-9"}, errors.New("archive failed")).Once()

	out, err := execute(t, "", "run", "--resume", "run-9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive failed")
	assert.Contains(t, out, `"run_id": "run-9"`)
	m.AssertExpectations(t)
}

func TestRunRefusesWhenLockHeld(t *testing.T) {
	m := new(MockApp)
	withMockApp(t, m)

	held := flock.New(m.cfg.Run.LockFile)
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = held.Unlock() }()

	_, err = execute(t, "", "run")
	require.ErrorIs(t, err, errLocked)
	m.AssertNotCalled(t, "RunOnce", mock.Anything, mock.Anything)
}

func TestDiscoverPassesFlags(t *testing.T) {
	m := new(MockApp)
	withMockApp(t, m)
	want := sourcediscovery.Options{
		MinPopulation:     50000,
		MaxMunicipalities: 3,
		Municipalities:    []string{"Utrecht", "Gouda"},
		Categories:        []string{"muziek"},
		DryRun:            true,
	}
	m.On("Discover", mock.Anything, want).
		Return(sourcediscovery.Result{Municipalities: 2, DryRun: true}, nil).Once()
	m.On("Close").Once()

	out, err := execute(t, "", "discover", "--min-population", "50000", "--max", "3",
		"--municipality", "Utrecht,Gouda", "--category", "muziek", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, `"municipalities": 2`)
	m.AssertExpectations(t)
}

func TestPrune(t *testing.T) {
	m := new(MockApp)
	withMockApp(t, m)
	m.On("Prune", mock.Anything, "2026-07-01", false).
		Return(app.PruneResult{Deleted: 4, Before: "2026-07-01"}, nil).Once()
	m.On("Close").Once()

	out, err := execute(t, "", "prune", "--before", "2026-07-01")
	require.NoError(t, err)
	assert.Contains(t, out, `"deleted": 4`)

	_, err = execute(t, "", "prune", "--before", "2026-07-01", "--all")
	require.Error(t, err)
	m.AssertExpectations(t)
}

func TestJobsListValidatesStatus(t *testing.T) {
	m := new(MockApp)
	withMockApp(t, m)

	_, err := execute(t, "", "jobs", "list", "--status", "stuck")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown job status "stuck"`)
}

func TestJobsRetry(t *testing.T) {
	m := new(MockApp)
	withMockApp(t, m)
	m.On("RetryJob", mock.Anything, "job-1").
		Return(crawler.ScrapeJob{ID: "job-1", Status: crawler.JobStatusPending, Attempts: 1}, nil).Once()
	m.On("Close").Once()

	out, err := execute(t, "", "jobs", "retry", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "pending"`)
	m.AssertExpectations(t)
}

func TestSourcesListAndReset(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	for _, src := range []crawler.ScraperSource{
		{ID: "gouda", Name: "Gouda", URL: "https://www.gouda.nl/agenda", Enabled: true},
		{ID: "delft", Name: "Delft", URL: "https://www.delft.nl/uit"},
	} {
		_, err := store.InsertSource(ctx, src)
		require.NoError(t, err)
	}
	m := &MockApp{store: store}
	withMockApp(t, m)
	m.On("Close")

	out, err := execute(t, "", "sources", "list", "--runnable")
	require.NoError(t, err)
	assert.Contains(t, out, "gouda")
	assert.NotContains(t, out, "delft")

	out, err = execute(t, "", "sources", "reset", "delft")
	require.NoError(t, err)
	assert.Equal(t, "source delft reset\n", out)

	_, err = execute(t, "", "sources", "reset", "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestSourcesImportPrintsCounts(t *testing.T) {
	m := new(MockApp)
	withMockApp(t, m)
	m.On("ImportSources", mock.Anything, "sources.yaml").
		Return(app.ImportResult{Inserted: 3, Known: 1}, nil).Once()
	m.On("Close").Once()

	out, err := execute(t, "", "sources", "import", "sources.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, `"inserted": 3`)
	m.AssertExpectations(t)
}

func TestKeysSetReadsStdinWithoutApp(t *testing.T) {
	original := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return nil, errors.New("app must not be built")
	}
	t.Cleanup(func() { newApp = original })

	var gotAccount, gotValue string
	origSet := setSecret
	setSecret = func(account, value string) error {
		gotAccount, gotValue = account, value
		return nil
	}
	t.Cleanup(func() { setSecret = origSet })

	out, err := execute(t, "sk-live\n", "keys", "set", "OpenAI")
	require.NoError(t, err)
	assert.Equal(t, "stored openai key\n", out)
	assert.Equal(t, "llm:openai", gotAccount)
	assert.Equal(t, "sk-live", gotValue)

	_, err = execute(t, "", "keys", "set", "mistral", "--value", "x")
	require.Error(t, err)
}

func TestMissingConfigFileFails(t *testing.T) {
	m := new(MockApp)
	withMockApp(t, m)

	_, err := execute(t, "", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "sources", "list")
	require.Error(t, err)
}
