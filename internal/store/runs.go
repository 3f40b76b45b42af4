package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Run status values.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one row of the pipeline run history.
type Run struct {
	ID          string          `json:"id"`
	Trigger     string          `json:"trigger"`
	Status      string          `json:"status"`
	WindowStart string          `json:"window_start,omitempty"`
	WindowEnd   string          `json:"window_end,omitempty"`
	VersionID   string          `json:"version_id,omitempty"`
	Counts      map[string]int  `json:"counts,omitempty"`
	Diagnostics json.RawMessage `json:"diagnostics,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// StartRun records a run as running.
func (s *Store) StartRun(ctx context.Context, r *Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = s.now()
	}
	r.Status = RunRunning
	_, err := s.db.ExecContext(ctx, `INSERT INTO pipeline_runs(id, run_trigger, status, started_at) VALUES(?,?,?,?)`,
		r.ID, r.Trigger, r.Status, formatTime(r.StartedAt))
	return err
}

// FinishRun stores the final state of r.
func (s *Store) FinishRun(ctx context.Context, r *Run) error {
	now := s.now()
	r.FinishedAt = &now
	counts, err := json.Marshal(r.Counts)
	if err != nil {
		return err
	}
	diags := r.Diagnostics
	if len(diags) == 0 {
		diags = json.RawMessage("[]")
	}
	_, err = s.db.ExecContext(ctx, `UPDATE pipeline_runs SET status=?, window_start=?, window_end=?, version_id=?,
		counts_json=?, diagnostics_json=?, error=?, finished_at=? WHERE id=?`,
		r.Status, r.WindowStart, r.WindowEnd, r.VersionID, string(counts), string(diags), r.Error, formatTime(now), r.ID)
	return err
}

// ListRuns returns the latest runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_trigger, status, window_start, window_end, version_id,
		counts_json, diagnostics_json, error, started_at, finished_at
		FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var (
			r                                      Run
			start, end, version, counts, diags, ex sql.NullString
			started                                string
			finished                               sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Status, &start, &end, &version, &counts, &diags, &ex, &started, &finished); err != nil {
			return nil, err
		}
		r.WindowStart, r.WindowEnd, r.VersionID, r.Error = start.String, end.String, version.String, ex.String
		if counts.Valid && counts.String != "" {
			if err := json.Unmarshal([]byte(counts.String), &r.Counts); err != nil {
				return nil, err
			}
		}
		if diags.Valid && diags.String != "" {
			r.Diagnostics = json.RawMessage(diags.String)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = scanTime(finished); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
