package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

const jobColumns = `id, run_id, source_id, status, attempts, events_scraped, events_inserted, error_message,
	created_at, updated_at, started_at, finished_at`

func scanJob(row scanner) (crawler.ScrapeJob, error) {
	var (
		job    crawler.ScrapeJob
		status string
	)
	if err := row.Scan(
		&job.ID, &job.RunID, &job.SourceID, &status, &job.Attempts, &job.EventsScraped, &job.EventsInserted,
		&job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.FinishedAt,
	); err != nil {
		return crawler.ScrapeJob{}, err
	}
	job.Status = crawler.JobStatus(status)
	return job, nil
}

// EnqueueJob inserts a pending job.
func (s *Store) EnqueueJob(ctx context.Context, job crawler.ScrapeJob) error {
	if job.Status == "" {
		job.Status = crawler.JobStatusPending
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, run_id, source_id, status, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`, s.t.jobs)
	if _, err := s.pool.Exec(ctx, query, job.ID, job.RunID, job.SourceID, string(job.Status), job.Attempts,
		job.CreatedAt, job.UpdatedAt); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// ClaimJob moves the oldest pending job to processing. SKIP LOCKED lets
// concurrent workers each take a different row.
func (s *Store) ClaimJob(ctx context.Context, runID string, now time.Time) (crawler.ScrapeJob, error) {
	query := fmt.Sprintf(`UPDATE %[1]s SET status = 'processing', attempts = attempts + 1,
		started_at = $2, finished_at = NULL, updated_at = $2
	WHERE id = (
		SELECT id FROM %[1]s
		WHERE status = 'pending' AND ($1 = '' OR run_id = $1)
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING %[2]s`, s.t.jobs, jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, query, runID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ScrapeJob{}, crawler.ErrNoPendingJobs
	}
	if err != nil {
		return crawler.ScrapeJob{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// CompleteJob finishes a processing job.
func (s *Store) CompleteJob(ctx context.Context, id string, scraped, inserted int, now time.Time) error {
	return s.finish(ctx, id, crawler.JobStatusCompleted, "", scraped, inserted, now)
}

// FailJob marks a processing job failed.
func (s *Store) FailJob(ctx context.Context, id, message string, scraped, inserted int, now time.Time) error {
	return s.finish(ctx, id, crawler.JobStatusFailed, message, scraped, inserted, now)
}

func (s *Store) finish(
	ctx context.Context,
	id string,
	status crawler.JobStatus,
	message string,
	scraped, inserted int,
	now time.Time,
) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, error_message = $3, events_scraped = $4,
		events_inserted = $5, finished_at = $6, updated_at = $6
	WHERE id = $1 AND status = 'processing'`, s.t.jobs)
	tag, err := s.pool.Exec(ctx, query, id, string(status), message, scraped, inserted, now)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", id, current.Status, crawler.ErrInvalidTransition)
}

// RetryJob moves a failed job back to pending while attempts < maxAttempts.
func (s *Store) RetryJob(ctx context.Context, id string, maxAttempts int, now time.Time) (crawler.ScrapeJob, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = 'pending', finished_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'failed' AND attempts < $2
		RETURNING %s`, s.t.jobs, jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, query, id, maxAttempts, now))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.ScrapeJob{}, fmt.Errorf("retry job %s: %w", id, err)
	}
	current, getErr := s.GetJob(ctx, id)
	if getErr != nil {
		return crawler.ScrapeJob{}, getErr
	}
	if current.Status != crawler.JobStatusFailed {
		return crawler.ScrapeJob{}, fmt.Errorf("job %s is %s: %w", id, current.Status, crawler.ErrInvalidTransition)
	}
	return crawler.ScrapeJob{}, fmt.Errorf("job %s after %d attempts: %w", id, current.Attempts, crawler.ErrRetryExhausted)
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (crawler.ScrapeJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.t.jobs)
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ScrapeJob{}, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.ScrapeJob{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.ScrapeJob, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		conds = append(conds, fmt.Sprintf("run_id = $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, jobColumns, s.t.jobs)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []crawler.ScrapeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// AbandonPending fails every pending job of runID with reason.
func (s *Store) AbandonPending(ctx context.Context, runID, reason string, now time.Time) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = 'failed', error_message = $2, finished_at = $3, updated_at = $3
		WHERE status = 'pending' AND ($1 = '' OR run_id = $1)`, s.t.jobs)
	tag, err := s.pool.Exec(ctx, query, runID, reason, now)
	if err != nil {
		return 0, fmt.Errorf("abandon pending jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueStale returns stuck processing jobs of runID to pending.
func (s *Store) RequeueStale(ctx context.Context, runID string, cutoff, now time.Time) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = 'pending', started_at = NULL, updated_at = $3
		WHERE status = 'processing' AND updated_at < $2 AND ($1 = '' OR run_id = $1)`, s.t.jobs)
	tag, err := s.pool.Exec(ctx, query, runID, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ crawler.Store = (*Store)(nil)
