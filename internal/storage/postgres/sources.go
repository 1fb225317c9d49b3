package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

const sourceColumns = `id, name, url, enabled, config, consecutive_failures, last_error, auto_disabled,
	auto_discovered, discovery_confidence, municipality, last_status, last_run_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (crawler.ScraperSource, error) {
	var (
		src        crawler.ScraperSource
		config     []byte
		lastStatus string
		lastRunAt  *time.Time
	)
	if err := row.Scan(
		&src.ID, &src.Name, &src.URL, &src.Enabled, &config, &src.ConsecutiveFailures, &src.LastError,
		&src.AutoDisabled, &src.AutoDiscovered, &src.DiscoveryConfidence, &src.Municipality, &lastStatus,
		&lastRunAt, &src.CreatedAt,
	); err != nil {
		return crawler.ScraperSource{}, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &src.Config); err != nil {
			return crawler.ScraperSource{}, fmt.Errorf("decode config of source %s: %w", src.ID, err)
		}
	}
	src.LastStatus = crawler.SourceStatus(lastStatus)
	src.LastRunAt = lastRunAt
	return src, nil
}

func (s *Store) querySources(ctx context.Context, where string) ([]crawler.ScraperSource, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY created_at, id`, sourceColumns, s.t.sources, where)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []crawler.ScraperSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// ListSources returns all sources in creation order.
func (s *Store) ListSources(ctx context.Context) ([]crawler.ScraperSource, error) {
	return s.querySources(ctx, "")
}

// ListRunnableSources returns enabled sources that are not auto-disabled.
func (s *Store) ListRunnableSources(ctx context.Context) ([]crawler.ScraperSource, error) {
	return s.querySources(ctx, "WHERE enabled AND NOT auto_disabled")
}

// GetSource returns a source by ID.
func (s *Store) GetSource(ctx context.Context, id string) (crawler.ScraperSource, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, sourceColumns, s.t.sources)
	src, err := scanSource(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ScraperSource{}, fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.ScraperSource{}, fmt.Errorf("get source %s: %w", id, err)
	}
	return src, nil
}

// InsertSource adds a source; a known URL reports false.
func (s *Store) InsertSource(ctx context.Context, src crawler.ScraperSource) (bool, error) {
	config, err := json.Marshal(src.Config)
	if err != nil {
		return false, fmt.Errorf("encode source config: %w", err)
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		id, name, url, enabled, config, auto_discovered, discovery_confidence, municipality, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (url) DO NOTHING`, s.t.sources)
	tag, err := s.pool.Exec(ctx, query,
		src.ID, src.Name, src.URL, src.Enabled, config, src.AutoDiscovered, src.DiscoveryConfidence,
		src.Municipality, src.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert source: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateSourceHealth writes the post-run health fields.
func (s *Store) UpdateSourceHealth(ctx context.Context, id string, h crawler.SourceHealth) error {
	query := fmt.Sprintf(`UPDATE %s SET consecutive_failures = $2, last_error = $3, auto_disabled = $4,
		last_status = $5, last_run_at = $6 WHERE id = $1`, s.t.sources)
	tag, err := s.pool.Exec(ctx, query, id, h.ConsecutiveFailures, h.LastError, h.AutoDisabled,
		string(h.LastStatus), h.LastRunAt)
	if err != nil {
		return fmt.Errorf("update source health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// ResetSource clears failure counters and the auto-disabled flag.
func (s *Store) ResetSource(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET consecutive_failures = 0, last_error = '', auto_disabled = FALSE
		WHERE id = $1`, s.t.sources)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("reset source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}
