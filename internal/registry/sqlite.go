package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

const schema = `
CREATE TABLE IF NOT EXISTS deps_cache (
    cache_key       TEXT NOT NULL,
    cache_tag       TEXT NOT NULL,
    deps_pex_name   TEXT NOT NULL,
    dagster_version TEXT NOT NULL,
    updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (cache_key, cache_tag)
);
`

// SQLiteStore keeps entries in a local SQLite database, for runners that
// share a disk between pipeline runs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("registry: open database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get returns the entry for key under tag, or nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, key, tag string) (*Entry, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx,
		"SELECT deps_pex_name, dagster_version FROM deps_cache WHERE cache_key = ? AND cache_tag = ?",
		key, tag).Scan(&e.DepsPexName, &e.DagsterVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %s@%s: %w", key, tag, err)
	}
	return &e, nil
}

// Put upserts the entry for key under tag.
func (s *SQLiteStore) Put(ctx context.Context, key, tag string, e Entry) error {
	const q = `
		INSERT INTO deps_cache (cache_key, cache_tag, deps_pex_name, dagster_version, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(cache_key, cache_tag) DO UPDATE SET
			deps_pex_name = excluded.deps_pex_name,
			dagster_version = excluded.dagster_version,
			updated_at = CURRENT_TIMESTAMP`
	if _, err := s.db.ExecContext(ctx, q, key, tag, e.DepsPexName, e.DagsterVersion); err != nil {
		return fmt.Errorf("registry: put %s@%s: %w", key, tag, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
