package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrConflict is returned when an equivalent job is already queued or running.
	ErrConflict = errors.New("idempotent job already exists")
	// ErrLocked is returned when another process holds the run lock.
	ErrLocked = errors.New("run lock held by another owner")
)

// Store wraps SQLite access for table versions, roster intervals, runs and jobs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps pragmas in effect
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS table_versions (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			record_count INTEGER NOT NULL,
			is_current INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS enriched_calls (
			version_id TEXT NOT NULL REFERENCES table_versions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			origin TEXT NOT NULL,
			contact_time TEXT NOT NULL,
			protocol_id TEXT,
			agent_id TEXT,
			agent_name TEXT,
			operator_group TEXT,
			motive_original TEXT,
			motive_category TEXT,
			handling_seconds REAL,
			wait_seconds REAL,
			total_seconds REAL,
			status TEXT,
			area_code TEXT,
			locality TEXT,
			expunged INTEGER,
			supervisor TEXT,
			is_recurrence INTEGER,
			causing_call_time TEXT,
			causing_protocol_id TEXT,
			causing_agent_id TEXT,
			causing_handling_seconds REAL,
			recurrence_type TEXT,
			week TEXT,
			month TEXT,
			PRIMARY KEY (version_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS supervisor_intervals (
			agent_id TEXT NOT NULL,
			supervisor TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_intervals_agent ON supervisor_intervals(agent_id, start_date);`,
		`CREATE TABLE IF NOT EXISTS roster_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			fingerprint TEXT NOT NULL,
			built_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id TEXT PRIMARY KEY,
			run_trigger TEXT,
			status TEXT,
			window_start TEXT,
			window_end TEXT,
			version_id TEXT,
			counts_json TEXT,
			diagnostics_json TEXT,
			error TEXT,
			started_at TEXT,
			finished_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stage TEXT,
			status TEXT,
			params_json TEXT,
			idempotency_key TEXT,
			error TEXT,
			created_at TEXT,
			updated_at TEXT,
			started_at TEXT,
			finished_at TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idem_active ON jobs(idempotency_key) WHERE status IN ('queued', 'running');`,
		`CREATE TABLE IF NOT EXISTS job_logs (
			job_id INTEGER,
			line TEXT,
			created_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS run_lock (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

const (
	timeLayout = time.RFC3339Nano
	dateLayout = "2006-01-02"
)

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func scanTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
