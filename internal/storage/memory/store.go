package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

// Store is an in-memory crawler.Store for tests and single-process runs.
type Store struct {
	mu      sync.RWMutex
	events  map[string]crawler.NormalizedEvent
	sources map[string]crawler.ScraperSource
	byURL   map[string]string
	jobs    map[string]crawler.ScrapeJob
	seq     map[string]int64
	next    int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		events:  make(map[string]crawler.NormalizedEvent),
		sources: make(map[string]crawler.ScraperSource),
		byURL:   make(map[string]string),
		jobs:    make(map[string]crawler.ScrapeJob),
		seq:     make(map[string]int64),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

// UpsertEvent inserts the event unless its dedup hash is already stored.
func (s *Store) UpsertEvent(_ context.Context, event crawler.NormalizedEvent) (bool, error) {
	if event.DedupHash == "" {
		return false, fmt.Errorf("event %q has no dedup hash", event.Title)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.DedupHash]; ok {
		return false, nil
	}
	s.events[event.DedupHash] = event
	return true, nil
}

// DeleteEventsBefore removes events that ended before date.
func (s *Store) DeleteEventsBefore(_ context.Context, date string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for hash, event := range s.events {
		last := event.StartDate
		if event.EndDate != "" {
			last = event.EndDate
		}
		if last < date {
			delete(s.events, hash)
			removed++
		}
	}
	return removed, nil
}

// DeleteAllEvents empties the event table.
func (s *Store) DeleteAllEvents(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := int64(len(s.events))
	s.events = make(map[string]crawler.NormalizedEvent)
	return removed, nil
}

// Events returns a snapshot of stored events ordered by start date then title.
func (s *Store) Events() []crawler.NormalizedEvent {
	s.mu.RLock()
	out := make([]crawler.NormalizedEvent, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartDate != out[j].StartDate {
			return out[i].StartDate < out[j].StartDate
		}
		return out[i].Title < out[j].Title
	})
	return out
}

// ListSources returns all sources in creation order.
func (s *Store) ListSources(_ context.Context) ([]crawler.ScraperSource, error) {
	return s.sortedSources(func(crawler.ScraperSource) bool { return true }), nil
}

// ListRunnableSources returns enabled sources that are not auto-disabled.
func (s *Store) ListRunnableSources(_ context.Context) ([]crawler.ScraperSource, error) {
	return s.sortedSources(crawler.ScraperSource.Runnable), nil
}

func (s *Store) sortedSources(keep func(crawler.ScraperSource) bool) []crawler.ScraperSource {
	s.mu.RLock()
	out := make([]crawler.ScraperSource, 0, len(s.sources))
	for _, src := range s.sources {
		if keep(src) {
			out = append(out, src)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetSource returns a source by ID.
func (s *Store) GetSource(_ context.Context, id string) (crawler.ScraperSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return crawler.ScraperSource{}, fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	return src, nil
}

// InsertSource adds a source unless its URL is already registered.
func (s *Store) InsertSource(_ context.Context, source crawler.ScraperSource) (bool, error) {
	if source.ID == "" || source.URL == "" {
		return false, fmt.Errorf("source requires id and url")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byURL[source.URL]; ok {
		return false, nil
	}
	if _, ok := s.sources[source.ID]; ok {
		return false, fmt.Errorf("source %s already exists", source.ID)
	}
	if source.CreatedAt.IsZero() {
		source.CreatedAt = time.Now().UTC()
	}
	s.sources[source.ID] = source
	s.byURL[source.URL] = source.ID
	return true, nil
}

// UpdateSourceHealth writes the post-run health fields.
func (s *Store) UpdateSourceHealth(_ context.Context, id string, health crawler.SourceHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	src.ConsecutiveFailures = health.ConsecutiveFailures
	src.LastError = health.LastError
	src.AutoDisabled = health.AutoDisabled
	src.LastStatus = health.LastStatus
	runAt := health.LastRunAt
	src.LastRunAt = &runAt
	s.sources[id] = src
	return nil
}

// ResetSource clears failure counters and the auto-disabled flag.
func (s *Store) ResetSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	src.ConsecutiveFailures = 0
	src.LastError = ""
	src.AutoDisabled = false
	s.sources[id] = src
	return nil
}

// EnqueueJob stores a new pending job.
func (s *Store) EnqueueJob(_ context.Context, job crawler.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = crawler.JobStatusPending
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.next++
	s.seq[job.ID] = s.next
	s.jobs[job.ID] = job
	return nil
}

// ClaimJob moves the oldest pending job of runID to processing.
func (s *Store) ClaimJob(_ context.Context, runID string, now time.Time) (crawler.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		chosen crawler.ScrapeJob
		found  bool
	)
	for _, job := range s.jobs {
		if job.Status != crawler.JobStatusPending || (runID != "" && job.RunID != runID) {
			continue
		}
		if !found || s.olderThan(job, chosen) {
			chosen = job
			found = true
		}
	}
	if !found {
		return crawler.ScrapeJob{}, crawler.ErrNoPendingJobs
	}
	chosen.Status = crawler.JobStatusProcessing
	chosen.Attempts++
	chosen.StartedAt = &now
	chosen.FinishedAt = nil
	chosen.UpdatedAt = now
	s.jobs[chosen.ID] = chosen
	return chosen, nil
}

func (s *Store) olderThan(a, b crawler.ScrapeJob) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return s.seq[a.ID] < s.seq[b.ID]
}

// CompleteJob finishes a processing job.
func (s *Store) CompleteJob(_ context.Context, id string, scraped, inserted int, now time.Time) error {
	return s.finish(id, crawler.JobStatusCompleted, "", scraped, inserted, now)
}

// FailJob marks a processing job failed.
func (s *Store) FailJob(_ context.Context, id, message string, scraped, inserted int, now time.Time) error {
	return s.finish(id, crawler.JobStatusFailed, message, scraped, inserted, now)
}

func (s *Store) finish(id string, status crawler.JobStatus, message string, scraped, inserted int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	if job.Status != crawler.JobStatusProcessing {
		return fmt.Errorf("job %s is %s: %w", id, job.Status, crawler.ErrInvalidTransition)
	}
	job.Status = status
	job.ErrorMessage = message
	job.EventsScraped = scraped
	job.EventsInserted = inserted
	job.FinishedAt = &now
	job.UpdatedAt = now
	s.jobs[id] = job
	return nil
}

// RetryJob moves a failed job back to pending.
func (s *Store) RetryJob(_ context.Context, id string, maxAttempts int, now time.Time) (crawler.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.ScrapeJob{}, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	if job.Status != crawler.JobStatusFailed {
		return crawler.ScrapeJob{}, fmt.Errorf("job %s is %s: %w", id, job.Status, crawler.ErrInvalidTransition)
	}
	if job.Attempts >= maxAttempts {
		return crawler.ScrapeJob{}, fmt.Errorf("job %s after %d attempts: %w", id, job.Attempts, crawler.ErrRetryExhausted)
	}
	job.Status = crawler.JobStatusPending
	job.FinishedAt = nil
	job.UpdatedAt = now
	s.jobs[id] = job
	return job, nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(_ context.Context, id string) (crawler.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.ScrapeJob{}, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	return job, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(_ context.Context, filter crawler.JobFilter) ([]crawler.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.ScrapeJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.RunID != "" && job.RunID != filter.RunID {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return s.olderThan(out[j], out[i]) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AbandonPending fails every pending job of runID with reason.
func (s *Store) AbandonPending(_ context.Context, runID, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for id, job := range s.jobs {
		if job.Status != crawler.JobStatusPending || (runID != "" && job.RunID != runID) {
			continue
		}
		job.Status = crawler.JobStatusFailed
		job.ErrorMessage = reason
		job.FinishedAt = &now
		job.UpdatedAt = now
		s.jobs[id] = job
		count++
	}
	return count, nil
}

// RequeueStale returns stuck processing jobs of runID to pending.
func (s *Store) RequeueStale(_ context.Context, runID string, cutoff, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for id, job := range s.jobs {
		if job.Status != crawler.JobStatusProcessing || (runID != "" && job.RunID != runID) {
			continue
		}
		if !job.UpdatedAt.Before(cutoff) {
			continue
		}
		job.Status = crawler.JobStatusPending
		job.StartedAt = nil
		job.UpdatedAt = now
		s.jobs[id] = job
		count++
	}
	return count, nil
}

var _ crawler.Store = (*Store)(nil)
