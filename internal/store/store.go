// Package store is the relational layer: projects, triggers, builds, runs,
// events, tests and workers over SQLite. All mutations that must be atomic
// (build-id allocation, the dispatcher claim, status transitions with their
// events) happen inside single transactions here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the database handle. It is safe for concurrent use; SQLite
// serializes writers and the busy timeout absorbs contention.
type Store struct {
	db *sql.DB

	// now is swappable for tests; events are stamped UTC.
	now func() time.Time
}

// Open creates a store backed by the SQLite file at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		synchronous_builds INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS triggers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		proj_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		user TEXT NOT NULL,
		definition_repo TEXT,
		definition_file TEXT,
		secrets BLOB,
		queue_priority INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS builds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		proj_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		build_id INTEGER NOT NULL,
		status INTEGER NOT NULL,
		reason TEXT,
		trigger_name TEXT,
		name TEXT,
		annotation TEXT,
		UNIQUE (proj_id, build_id)
	);
	CREATE TABLE IF NOT EXISTS build_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_ref INTEGER NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
		status INTEGER NOT NULL,
		time INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS workers (
		name TEXT PRIMARY KEY,
		distro TEXT NOT NULL,
		mem_total INTEGER NOT NULL,
		cpu_total INTEGER NOT NULL,
		cpu_type TEXT NOT NULL,
		api_key TEXT NOT NULL,
		concurrent_runs INTEGER NOT NULL,
		host_tags TEXT NOT NULL DEFAULT '',
		enlisted INTEGER NOT NULL DEFAULT 0,
		online INTEGER NOT NULL DEFAULT 1,
		surges_only INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_ref INTEGER NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		status INTEGER NOT NULL,
		api_key TEXT NOT NULL,
		trigger_name TEXT,
		host_tag TEXT NOT NULL DEFAULT '',
		queue_priority INTEGER NOT NULL DEFAULT 0,
		worker_name TEXT REFERENCES workers(name),
		meta TEXT,
		UNIQUE (build_ref, name)
	);
	CREATE TABLE IF NOT EXISTS run_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_ref INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		status INTEGER NOT NULL,
		time INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_ref INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		context TEXT,
		status INTEGER NOT NULL,
		created INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS test_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_ref INTEGER NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		context TEXT,
		status INTEGER NOT NULL,
		output TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_builds_proj ON builds(proj_id, build_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_build ON runs(build_ref);
	CREATE INDEX IF NOT EXISTS idx_tests_run ON tests(run_ref);
	`
	_, err := s.db.Exec(schema)
	return err
}

func unixNano(ts int64) time.Time { return time.Unix(0, ts).UTC() }

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
