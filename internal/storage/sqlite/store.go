// Package sqlite provides an embedded SQLite store for single-machine runs.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Store implements crawler.Store on SQLite.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path and applies migrations.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database.path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing handle without migrating (primarily for testing).
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the database handle.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS scraper_sources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL UNIQUE,
		enabled INTEGER NOT NULL DEFAULT 0,
		config TEXT NOT NULL DEFAULT '{}',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		auto_disabled INTEGER NOT NULL DEFAULT 0,
		auto_discovered INTEGER NOT NULL DEFAULT 0,
		discovery_confidence INTEGER NOT NULL DEFAULT 0,
		municipality TEXT NOT NULL DEFAULT '',
		last_status TEXT NOT NULL DEFAULT '',
		last_run_at TEXT,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS events (
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
		structured TEXT,
		extracted_at TEXT NOT NULL,
		confidence REAL NOT NULL,
		strategy TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS events_start_date_idx ON events (start_date);
	CREATE TABLE IF NOT EXISTS scrape_jobs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		events_scraped INTEGER NOT NULL DEFAULT 0,
		events_inserted INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);
	CREATE INDEX IF NOT EXISTS scrape_jobs_claim_idx ON scrape_jobs (status, run_id, created_at);`,
}

// migrate applies pending migrations tracked in PRAGMA user_version.
func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.GetContext(ctx, &version, `PRAGMA user_version`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bump schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// UpsertEvent inserts the event; an existing dedup hash reports false.
func (s *Store) UpsertEvent(ctx context.Context, e crawler.NormalizedEvent) (bool, error) {
	if e.DedupHash == "" {
		return false, fmt.Errorf("event %q has no dedup hash", e.Title)
	}
	var structured sql.NullString
	if len(e.Structured) > 0 {
		structured = sql.NullString{String: string(e.Structured), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO events (
		dedup_hash, source_id, source_url, title, description, start_date, start_time, end_date,
		location_name, address, price, currency, category, image_url, detail_url, raw_html,
		structured, extracted_at, confidence, strategy
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT (dedup_hash) DO NOTHING`,
		e.DedupHash, e.SourceID, e.SourceURL, e.Title, e.Description, e.StartDate, e.StartTime, e.EndDate,
		e.LocationName, e.Address, e.Price, e.Currency, e.Category, e.ImageURL, e.DetailURL, e.RawHTML,
		structured, formatTime(e.ExtractedAt), e.Confidence, string(e.Strategy),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return n == 1, nil
}

// DeleteEventsBefore removes events whose last day is before date.
func (s *Store) DeleteEventsBefore(ctx context.Context, date string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE COALESCE(NULLIF(end_date, ''), start_date) < ?`, date)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// DeleteAllEvents removes every event row.
func (s *Store) DeleteAllEvents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events`)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return res.RowsAffected()
}

// CountEvents reports how many events are stored.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM events`); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
