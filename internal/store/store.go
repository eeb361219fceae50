// SPDX-License-Identifier: MIT

// Package store persists media items, streams and blacklists in SQLite and is
// the single owner of all durable state. All mutation paths run inside one
// transaction so state transitions commit atomically with their side effects.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

const schemaVersion = 1

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the recommended connection settings.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// Store wraps the SQLite database.
type Store struct {
	DB *sql.DB
}

// Open initializes a SQLite connection pool with mandatory PRAGMAs (WAL,
// busy_timeout, foreign_keys) applied to every pooled connection via the DSN,
// and migrates the schema.
func Open(dbPath string, cfg Config) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}

	// _txlock=immediate makes every transaction BEGIN IMMEDIATE, so writers
	// take the reserved lock up front and fail fast on busy_timeout instead
	// of failing a deferred lock upgrade mid-transaction.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// Reset drops all tables and re-runs the migration (used by --hard_reset_db).
func (s *Store) Reset() error {
	for _, table := range []string{"subtitle", "blacklist_entry", "stream", "media_item"} {
		if _, err := s.DB.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return err
		}
	}
	if _, err := s.DB.Exec("PRAGMA user_version = 0"); err != nil {
		return err
	}
	return s.migrate()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS media_item (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		parent_id INTEGER REFERENCES media_item(id) ON DELETE CASCADE,
		imdb_id TEXT,
		tvdb_id TEXT,
		tmdb_id TEXT,
		trakt_id TEXT,
		title TEXT NOT NULL DEFAULT '',
		year INTEGER NOT NULL DEFAULT 0,
		aired_at_ms INTEGER NOT NULL DEFAULT 0,
		network TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		genres_json TEXT NOT NULL DEFAULT '[]',
		is_anime INTEGER NOT NULL DEFAULT 0,
		number INTEGER NOT NULL DEFAULT 0,
		requested_at_ms INTEGER NOT NULL DEFAULT 0,
		requested_by TEXT NOT NULL DEFAULT '',
		indexed_at_ms INTEGER NOT NULL DEFAULT 0,
		scraped_at_ms INTEGER NOT NULL DEFAULT 0,
		scraped_times INTEGER NOT NULL DEFAULT 0,
		symlinked_at_ms INTEGER NOT NULL DEFAULT 0,
		updated_at_ms INTEGER NOT NULL DEFAULT 0,
		last_state_at_ms INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at_ms INTEGER NOT NULL DEFAULT 0,
		file_name TEXT NOT NULL DEFAULT '',
		folder TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		symlink_path TEXT NOT NULL DEFAULT '',
		show_status TEXT NOT NULL DEFAULT 'unknown',
		next_air_date_ms INTEGER NOT NULL DEFAULT 0,
		active_stream_id INTEGER NOT NULL DEFAULT 0,
		post_processed INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_item_parent ON media_item(parent_id);
	CREATE INDEX IF NOT EXISTS idx_item_state ON media_item(state, last_state_at_ms);
	CREATE INDEX IF NOT EXISTS idx_item_imdb ON media_item(imdb_id);
	CREATE INDEX IF NOT EXISTS idx_item_retry ON media_item(next_retry_at_ms);
	CREATE INDEX IF NOT EXISTS idx_item_show_status ON media_item(show_status);

	CREATE TABLE IF NOT EXISTS stream (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL REFERENCES media_item(id) ON DELETE CASCADE,
		infohash TEXT NOT NULL,
		raw_title TEXT NOT NULL DEFAULT '',
		parsed_title TEXT NOT NULL DEFAULT '',
		rank INTEGER NOT NULL DEFAULT 0,
		resolution TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		seeders INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		cached INTEGER NOT NULL DEFAULT 0,
		discovered_at_ms INTEGER NOT NULL DEFAULT 0,
		UNIQUE(item_id, infohash)
	);

	CREATE INDEX IF NOT EXISTS idx_stream_item ON stream(item_id, rank);

	CREATE TABLE IF NOT EXISTS blacklist_entry (
		item_id INTEGER NOT NULL REFERENCES media_item(id) ON DELETE CASCADE,
		infohash TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		added_at_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (item_id, infohash)
	);

	CREATE TABLE IF NOT EXISTS subtitle (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL REFERENCES media_item(id) ON DELETE CASCADE,
		language TEXT NOT NULL,
		path TEXT NOT NULL,
		added_at_ms INTEGER NOT NULL DEFAULT 0
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Tx is a typed handle over one open transaction.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a single transaction; the transaction is rolled back
// when fn returns an error. The connection DSN makes the transaction
// IMMEDIATE, see Open.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	raw, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t := &Tx{tx: raw}
	if err := fn(t); err != nil {
		_ = raw.Rollback()
		return err
	}
	return raw.Commit()
}

// runner abstracts *sql.DB and *sql.Tx so query helpers work inside and
// outside transactions.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
