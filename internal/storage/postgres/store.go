// Package postgres provides the Postgres-backed event, source and job store.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

type tables struct {
	events  string
	sources string
	jobs    string
}

func newTables(schema string) (tables, error) {
	prefix := ""
	if schema != "" {
		if !validSchemaName.MatchString(schema) {
			return tables{}, fmt.Errorf("invalid schema name %q", schema)
		}
		prefix = schema + "."
	}
	return tables{
		events:  prefix + "events",
		sources: prefix + "scraper_sources",
		jobs:    prefix + "scrape_jobs",
	}, nil
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool pool
	t    tables
}

// NewStore opens a pool from cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	t, err := newTables(cfg.Schema)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, t: t}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, schema string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	t, err := newTables(schema)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, t: t}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables and indexes when missing.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL UNIQUE,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			config JSONB NOT NULL DEFAULT '{}',
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			auto_disabled BOOLEAN NOT NULL DEFAULT FALSE,
			auto_discovered BOOLEAN NOT NULL DEFAULT FALSE,
			discovery_confidence INTEGER NOT NULL DEFAULT 0,
			municipality TEXT NOT NULL DEFAULT '',
			last_status TEXT NOT NULL DEFAULT '',
			last_run_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.t.sources),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			dedup_hash TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			source_url TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			start_date TEXT NOT NULL,
			start_time TEXT NOT NULL DEFAULT '',
			end_date TEXT NOT NULL DEFAULT '',
			location_name TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			price TEXT NOT NULL DEFAULT '',
			currency TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			image_url TEXT NOT NULL DEFAULT '',
			detail_url TEXT NOT NULL DEFAULT '',
			raw_html TEXT NOT NULL DEFAULT '',
			structured JSONB,
			extracted_at TIMESTAMPTZ NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			strategy TEXT NOT NULL
		)`, s.t.events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS events_start_date_idx ON %s (start_date)`, s.t.events),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			events_scraped INTEGER NOT NULL DEFAULT 0,
			events_inserted INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		)`, s.t.jobs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS scrape_jobs_claim_idx ON %s (status, run_id, created_at)`, s.t.jobs),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// UpsertEvent inserts the event; an existing dedup hash reports false.
func (s *Store) UpsertEvent(ctx context.Context, e crawler.NormalizedEvent) (bool, error) {
	if e.DedupHash == "" {
		return false, fmt.Errorf("event %q has no dedup hash", e.Title)
	}
	var structured []byte
	if len(e.Structured) > 0 {
		structured = []byte(e.Structured)
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		dedup_hash, source_id, source_url, title, description, start_date, start_time, end_date,
		location_name, address, price, currency, category, image_url, detail_url, raw_html,
		structured, extracted_at, confidence, strategy
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	ON CONFLICT (dedup_hash) DO NOTHING`, s.t.events)
	tag, err := s.pool.Exec(ctx, query,
		e.DedupHash, e.SourceID, e.SourceURL, e.Title, e.Description, e.StartDate, e.StartTime, e.EndDate,
		e.LocationName, e.Address, e.Price, e.Currency, e.Category, e.ImageURL, e.DetailURL, e.RawHTML,
		structured, e.ExtractedAt, e.Confidence, string(e.Strategy),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteEventsBefore removes events whose last day is before date.
func (s *Store) DeleteEventsBefore(ctx context.Context, date string) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE COALESCE(NULLIF(end_date, ''), start_date) < $1`, s.t.events)
	tag, err := s.pool.Exec(ctx, query, date)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAllEvents removes every event row.
func (s *Store) DeleteAllEvents(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.t.events))
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}
