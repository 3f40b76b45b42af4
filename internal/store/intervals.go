package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"recall_pipeline/internal/roster"
)

// LoadIntervals returns the persisted supervisor interval table and the fingerprint of the
// roster files it was built from. An empty table has an empty fingerprint.
func (s *Store) LoadIntervals(ctx context.Context) ([]roster.Interval, string, error) {
	var fp string
	err := s.db.QueryRowContext(ctx, `SELECT fingerprint FROM roster_state WHERE id = 1`).Scan(&fp)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, "", err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, supervisor, start_date, end_date FROM supervisor_intervals ORDER BY agent_id, start_date`)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []roster.Interval
	for rows.Next() {
		var (
			iv         roster.Interval
			start, end string
		)
		if err := rows.Scan(&iv.AgentID, &iv.Supervisor, &start, &end); err != nil {
			return nil, "", err
		}
		if iv.Start, err = time.Parse(dateLayout, start); err != nil {
			return nil, "", fmt.Errorf("interval start %q: %w", start, err)
		}
		if iv.End, err = time.Parse(dateLayout, end); err != nil {
			return nil, "", fmt.Errorf("interval end %q: %w", end, err)
		}
		out = append(out, iv)
	}
	return out, fp, rows.Err()
}

// ReplaceIntervals swaps the interval table and its fingerprint in one transaction.
func (s *Store) ReplaceIntervals(ctx context.Context, intervals []roster.Interval, fingerprint string, builtAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM supervisor_intervals`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO supervisor_intervals(agent_id, supervisor, start_date, end_date) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, iv := range intervals {
		if _, err := stmt.ExecContext(ctx, iv.AgentID, iv.Supervisor, iv.Start.Format(dateLayout), iv.End.Format(dateLayout)); err != nil {
			return fmt.Errorf("insert interval %s: %w", iv.AgentID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO roster_state(id, fingerprint, built_at) VALUES(1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET fingerprint=excluded.fingerprint, built_at=excluded.built_at`,
		fingerprint, formatTime(builtAt)); err != nil {
		return err
	}
	return tx.Commit()
}
