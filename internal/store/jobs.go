package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Job represents a queued pipeline or roster job persisted to DB.
type Job struct {
	ID             int64      `json:"id"`
	Stage          string     `json:"stage"`
	Status         string     `json:"status"`
	ParamsJSON     string     `json:"params_json"`
	IdempotencyKey string     `json:"idempotency_key"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
}

const jobColumns = `id, stage, status, params_json, idempotency_key, error, created_at, updated_at, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j                 Job
		errMsg            sql.NullString
		created, updated  string
		started, finished sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Stage, &j.Status, &j.ParamsJSON, &j.IdempotencyKey, &errMsg, &created, &updated, &started, &finished); err != nil {
		return nil, err
	}
	j.Error = errMsg.String
	var err error
	if j.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if j.StartedAt, err = scanTime(started); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = scanTime(finished); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) RecordJob(ctx context.Context, j *Job) (*Job, error) {
	if j.ParamsJSON == "" {
		j.ParamsJSON = "{}"
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO jobs(stage, status, params_json, idempotency_key, created_at, updated_at) VALUES(?,?,?,?,?,?)`,
		j.Stage, j.Status, j.ParamsJSON, j.IdempotencyKey, formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	j.ID = id
	return j, nil
}

// FetchActiveJob returns the queued or running job with the key, or nil.
func (s *Store) FetchActiveJob(ctx context.Context, key string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key=? AND status IN ('queued', 'running')`, key)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// InsertJobIdempotent records a job unless an equivalent one is still queued or running.
// Finished jobs do not block a new run with the same parameters.
func (s *Store) InsertJobIdempotent(ctx context.Context, j *Job) (*Job, error) {
	existing, err := s.FetchActiveJob(ctx, j.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, ErrConflict
	}
	return s.RecordJob(ctx, j)
}

func (s *Store) MarkJobStarted(ctx context.Context, id int64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=?, updated_at=? WHERE id=?`, "running", formatTime(ts), formatTime(ts), id)
	return err
}

func (s *Store) MarkJobFinished(ctx context.Context, id int64, status, errMsg string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, error=?, finished_at=?, updated_at=? WHERE id=?`, status, errMsg, formatTime(ts), formatTime(ts), id)
	return err
}

// CancelActiveJobs marks jobs left queued or running by a previous process as cancelled.
func (s *Store) CancelActiveJobs(ctx context.Context, ts time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status='cancelled', finished_at=?, updated_at=? WHERE status IN ('queued', 'running')`, formatTime(ts), formatTime(ts))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) AppendJobLog(ctx context.Context, id int64, line string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_logs(job_id, line, created_at) VALUES(?,?,?)`, id, line, formatTime(ts))
	return err
}

func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *Store) JobLogs(ctx context.Context, jobID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT line FROM job_logs WHERE job_id=? ORDER BY rowid ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
