package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PipelineLock names the lock held for the duration of a pipeline run.
const PipelineLock = "pipeline"

// AcquireRunLock takes the named lock for ttl and returns the owner token needed to release
// it. An expired lock is taken over. ErrLocked is returned while another owner holds it.
func (s *Store) AcquireRunLock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := s.now()
	var owner, expires string
	err = tx.QueryRowContext(ctx, `SELECT owner, expires_at FROM run_lock WHERE name = ?`, name).Scan(&owner, &expires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return "", err
	default:
		exp, perr := parseTime(expires)
		if perr != nil {
			return "", perr
		}
		if now.Before(exp) {
			return "", fmt.Errorf("%w: %s until %s", ErrLocked, owner, expires)
		}
	}

	token := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `INSERT INTO run_lock(name, owner, acquired_at, expires_at) VALUES(?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET owner=excluded.owner, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		name, token, formatTime(now), formatTime(now.Add(ttl))); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return token, nil
}

// ReleaseRunLock frees the named lock if owner still holds it.
func (s *Store) ReleaseRunLock(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_lock WHERE name = ? AND owner = ?`, name, owner)
	return err
}
