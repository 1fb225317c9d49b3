package crawler

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors shared by stores and services.
var (
	ErrNotFound          = errors.New("not found")
	ErrNoPendingJobs     = errors.New("no pending jobs")
	ErrRetryExhausted    = errors.New("retry attempts exhausted")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrBlocked           = errors.New("blocked by site")
)

// EventStore persists normalized events with upsert-by-dedup-hash semantics.
type EventStore interface {
	// UpsertEvent returns false without error when the dedup hash already exists.
	UpsertEvent(ctx context.Context, event NormalizedEvent) (bool, error)
	DeleteEventsBefore(ctx context.Context, date string) (int64, error)
	DeleteAllEvents(ctx context.Context) (int64, error)
}

// SourceStore is the source registry shared by runs and discovery.
type SourceStore interface {
	ListSources(ctx context.Context) ([]ScraperSource, error)
	ListRunnableSources(ctx context.Context) ([]ScraperSource, error)
	GetSource(ctx context.Context, id string) (ScraperSource, error)
	// InsertSource returns false without error when the URL is already known.
	InsertSource(ctx context.Context, source ScraperSource) (bool, error)
	UpdateSourceHealth(ctx context.Context, id string, health SourceHealth) error
	ResetSource(ctx context.Context, id string) error
}

// JobStore persists scrape jobs and arbitrates claims between workers.
type JobStore interface {
	EnqueueJob(ctx context.Context, job ScrapeJob) error
	// ClaimJob atomically moves the oldest pending job of runID (any run when
	// empty) to processing. It returns ErrNoPendingJobs when none is left.
	ClaimJob(ctx context.Context, runID string, now time.Time) (ScrapeJob, error)
	CompleteJob(ctx context.Context, id string, scraped, inserted int, now time.Time) error
	FailJob(ctx context.Context, id string, message string, scraped, inserted int, now time.Time) error
	// RetryJob moves a failed job back to pending while attempts < maxAttempts.
	RetryJob(ctx context.Context, id string, maxAttempts int, now time.Time) (ScrapeJob, error)
	GetJob(ctx context.Context, id string) (ScrapeJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]ScrapeJob, error)
	AbandonPending(ctx context.Context, runID string, reason string, now time.Time) (int64, error)
	// RequeueStale moves processing jobs of runID last touched before cutoff
	// back to pending. Attempts are kept.
	RequeueStale(ctx context.Context, runID string, cutoff, now time.Time) (int64, error)
}

// Store bundles every persistence concern behind one handle.
type Store interface {
	EventStore
	SourceStore
	JobStore
	Close()
}

// Fetcher performs exactly one request.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// PageFetcher is the retrying, rate-limited fetch boundary used by the pipeline.
type PageFetcher interface {
	Get(ctx context.Context, rawURL string, headers map[string]string, log *AttemptLog) (FetchResponse, error)
	Head(ctx context.Context, rawURL string, headers map[string]string, log *AttemptLog) (FetchResponse, error)
}

// Renderer fetches a page through a JavaScript-capable fetcher.
type Renderer interface {
	Render(ctx context.Context, rawURL string, headers map[string]string, log *AttemptLog) (FetchResponse, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes operator alerts to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run, job and source IDs.
type IDGenerator interface {
	NewID() (string, error)
}
