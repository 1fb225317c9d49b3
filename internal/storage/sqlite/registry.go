package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

const sourceColumns = `id, name, url, enabled, config, consecutive_failures, last_error, auto_disabled,
	auto_discovered, discovery_confidence, municipality, last_status, last_run_at, created_at`

type sourceRow struct {
	ID                  string         `db:"id"`
	Name                string         `db:"name"`
	URL                 string         `db:"url"`
	Enabled             bool           `db:"enabled"`
	Config              string         `db:"config"`
	ConsecutiveFailures int            `db:"consecutive_failures"`
	LastError           string         `db:"last_error"`
	AutoDisabled        bool           `db:"auto_disabled"`
	AutoDiscovered      bool           `db:"auto_discovered"`
	DiscoveryConfidence int            `db:"discovery_confidence"`
	Municipality        string         `db:"municipality"`
	LastStatus          string         `db:"last_status"`
	LastRunAt           sql.NullString `db:"last_run_at"`
	CreatedAt           string         `db:"created_at"`
}

func (r sourceRow) toSource() (crawler.ScraperSource, error) {
	src := crawler.ScraperSource{
		ID:                  r.ID,
		Name:                r.Name,
		URL:                 r.URL,
		Enabled:             r.Enabled,
		ConsecutiveFailures: r.ConsecutiveFailures,
		LastError:           r.LastError,
		AutoDisabled:        r.AutoDisabled,
		AutoDiscovered:      r.AutoDiscovered,
		DiscoveryConfidence: r.DiscoveryConfidence,
		Municipality:        r.Municipality,
		LastStatus:          crawler.SourceStatus(r.LastStatus),
	}
	if r.Config != "" {
		if err := json.Unmarshal([]byte(r.Config), &src.Config); err != nil {
			return crawler.ScraperSource{}, fmt.Errorf("decode config of source %s: %w", r.ID, err)
		}
	}
	var err error
	if src.LastRunAt, err = parseTimePtr(r.LastRunAt); err != nil {
		return crawler.ScraperSource{}, err
	}
	if src.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return crawler.ScraperSource{}, err
	}
	return src, nil
}

func (s *Store) selectSources(ctx context.Context, where string) ([]crawler.ScraperSource, error) {
	var rows []sourceRow
	query := fmt.Sprintf(`SELECT %s FROM scraper_sources %s ORDER BY created_at, id`, sourceColumns, where)
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	out := make([]crawler.ScraperSource, 0, len(rows))
	for _, row := range rows {
		src, err := row.toSource()
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// ListSources returns all sources in creation order.
func (s *Store) ListSources(ctx context.Context) ([]crawler.ScraperSource, error) {
	return s.selectSources(ctx, "")
}

// ListRunnableSources returns enabled sources that are not auto-disabled.
func (s *Store) ListRunnableSources(ctx context.Context) ([]crawler.ScraperSource, error) {
	return s.selectSources(ctx, "WHERE enabled = 1 AND auto_disabled = 0")
}

// GetSource returns a source by ID.
func (s *Store) GetSource(ctx context.Context, id string) (crawler.ScraperSource, error) {
	var row sourceRow
	err := s.db.GetContext(ctx, &row, fmt.Sprintf(`SELECT %s FROM scraper_sources WHERE id = ?`, sourceColumns), id)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ScraperSource{}, fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.ScraperSource{}, fmt.Errorf("get source %s: %w", id, err)
	}
	return row.toSource()
}

// InsertSource adds a source; a known URL reports false.
func (s *Store) InsertSource(ctx context.Context, src crawler.ScraperSource) (bool, error) {
	config, err := json.Marshal(src.Config)
	if err != nil {
		return false, fmt.Errorf("encode source config: %w", err)
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO scraper_sources (
		id, name, url, enabled, config, auto_discovered, discovery_confidence, municipality, created_at
	) VALUES (?,?,?,?,?,?,?,?,?)
	ON CONFLICT (url) DO NOTHING`,
		src.ID, src.Name, src.URL, src.Enabled, string(config), src.AutoDiscovered, src.DiscoveryConfidence,
		src.Municipality, formatTime(src.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert source: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert source: %w", err)
	}
	return n == 1, nil
}

// UpdateSourceHealth writes the post-run health fields.
func (s *Store) UpdateSourceHealth(ctx context.Context, id string, h crawler.SourceHealth) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scraper_sources SET consecutive_failures = ?, last_error = ?,
		auto_disabled = ?, last_status = ?, last_run_at = ? WHERE id = ?`,
		h.ConsecutiveFailures, h.LastError, h.AutoDisabled, string(h.LastStatus), formatTime(h.LastRunAt), id)
	if err != nil {
		return fmt.Errorf("update source health: %w", err)
	}
	return requireRow(res, "source", id)
}

// ResetSource clears failure counters and the auto-disabled flag.
func (s *Store) ResetSource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scraper_sources SET consecutive_failures = 0, last_error = '',
		auto_disabled = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("reset source: %w", err)
	}
	return requireRow(res, "source", id)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, crawler.ErrNotFound)
	}
	return nil
}

const jobColumns = `id, run_id, source_id, status, attempts, events_scraped, events_inserted, error_message,
	created_at, updated_at, started_at, finished_at`

type jobRow struct {
	ID             string         `db:"id"`
	RunID          string         `db:"run_id"`
	SourceID       string         `db:"source_id"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	EventsScraped  int            `db:"events_scraped"`
	EventsInserted int            `db:"events_inserted"`
	ErrorMessage   string         `db:"error_message"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
	StartedAt      sql.NullString `db:"started_at"`
	FinishedAt     sql.NullString `db:"finished_at"`
}

func (r jobRow) toJob() (crawler.ScrapeJob, error) {
	job := crawler.ScrapeJob{
		ID:             r.ID,
		RunID:          r.RunID,
		SourceID:       r.SourceID,
		Status:         crawler.JobStatus(r.Status),
		Attempts:       r.Attempts,
		EventsScraped:  r.EventsScraped,
		EventsInserted: r.EventsInserted,
		ErrorMessage:   r.ErrorMessage,
	}
	var err error
	if job.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return crawler.ScrapeJob{}, err
	}
	if job.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return crawler.ScrapeJob{}, err
	}
	if job.StartedAt, err = parseTimePtr(r.StartedAt); err != nil {
		return crawler.ScrapeJob{}, err
	}
	if job.FinishedAt, err = parseTimePtr(r.FinishedAt); err != nil {
		return crawler.ScrapeJob{}, err
	}
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
	_, err := s.db.ExecContext(ctx, `INSERT INTO scrape_jobs (id, run_id, source_id, status, attempts, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		job.ID, job.RunID, job.SourceID, string(job.Status), job.Attempts,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// ClaimJob moves the oldest pending job to processing in one statement.
func (s *Store) ClaimJob(ctx context.Context, runID string, now time.Time) (crawler.ScrapeJob, error) {
	ts := formatTime(now)
	var row jobRow
	err := s.db.GetContext(ctx, &row, fmt.Sprintf(`UPDATE scrape_jobs
		SET status = 'processing', attempts = attempts + 1, started_at = ?, finished_at = NULL, updated_at = ?
		WHERE id = (
			SELECT id FROM scrape_jobs
			WHERE status = 'pending' AND (? = '' OR run_id = ?)
			ORDER BY created_at, rowid
			LIMIT 1
		)
		RETURNING %s`, jobColumns), ts, ts, runID, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ScrapeJob{}, crawler.ErrNoPendingJobs
	}
	if err != nil {
		return crawler.ScrapeJob{}, fmt.Errorf("claim job: %w", err)
	}
	return row.toJob()
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
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, `UPDATE scrape_jobs SET status = ?, error_message = ?, events_scraped = ?,
		events_inserted = ?, finished_at = ?, updated_at = ? WHERE id = ? AND status = 'processing'`,
		string(status), message, scraped, inserted, ts, ts, id)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
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
	var row jobRow
	err := s.db.GetContext(ctx, &row, fmt.Sprintf(`UPDATE scrape_jobs
		SET status = 'pending', finished_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed' AND attempts < ?
		RETURNING %s`, jobColumns), formatTime(now), id, maxAttempts)
	if err == nil {
		return row.toJob()
	}
	if !errors.Is(err, sql.ErrNoRows) {
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
	var row jobRow
	err := s.db.GetContext(ctx, &row, fmt.Sprintf(`SELECT %s FROM scrape_jobs WHERE id = ?`, jobColumns), id)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ScrapeJob{}, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.ScrapeJob{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return row.toJob()
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.ScrapeJob, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, filter.RunID)
	}
	query := fmt.Sprintf(`SELECT %s FROM scrape_jobs`, jobColumns)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]crawler.ScrapeJob, 0, len(rows))
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// AbandonPending fails every pending job of runID with reason.
func (s *Store) AbandonPending(ctx context.Context, runID, reason string, now time.Time) (int64, error) {
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, `UPDATE scrape_jobs SET status = 'failed', error_message = ?,
		finished_at = ?, updated_at = ? WHERE status = 'pending' AND (? = '' OR run_id = ?)`,
		reason, ts, ts, runID, runID)
	if err != nil {
		return 0, fmt.Errorf("abandon pending jobs: %w", err)
	}
	return res.RowsAffected()
}

// RequeueStale returns stuck processing jobs of runID to pending.
func (s *Store) RequeueStale(ctx context.Context, runID string, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE scrape_jobs SET status = 'pending', started_at = NULL,
		updated_at = ? WHERE status = 'processing' AND updated_at < ? AND (? = '' OR run_id = ?)`,
		formatTime(now), formatTime(cutoff), runID, runID)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return res.RowsAffected()
}

var _ crawler.Store = (*Store)(nil)
