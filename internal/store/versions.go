package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"recall_pipeline/internal/calls"
)

// VersionInfo describes a stored table version without its records.
type VersionInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Records   int       `json:"records"`
	Current   bool      `json:"current"`
}

// SaveVersion stores records as a new table version, makes it current and prunes versions
// beyond the newest retain. Everything happens in one transaction, so readers see either
// the previous version or the new one.
func (s *Store) SaveVersion(ctx context.Context, records []calls.Record, retain int) (*calls.Version, error) {
	v := &calls.Version{ID: uuid.NewString(), CreatedAt: s.now(), Records: records}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO table_versions(id, created_at, record_count, is_current) VALUES(?,?,?,0)`,
		v.ID, formatTime(v.CreatedAt), len(records)); err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO enriched_calls(
		version_id, seq, origin, contact_time, protocol_id, agent_id, agent_name, operator_group,
		motive_original, motive_category, handling_seconds, wait_seconds, total_seconds, status,
		area_code, locality, expunged, supervisor, is_recurrence, causing_call_time,
		causing_protocol_id, causing_agent_id, causing_handling_seconds, recurrence_type, week, month)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	for i, r := range records {
		var causingHandling sql.NullFloat64
		if r.Link.CausingHandlingSeconds != nil {
			causingHandling = sql.NullFloat64{Float64: *r.Link.CausingHandlingSeconds, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			v.ID, i, r.Origin, formatTime(r.ContactTime), nullString(r.ProtocolID), r.AgentID, r.AgentName,
			r.OperatorGroup, r.MotiveOriginal, r.MotiveCategory, r.HandlingSeconds, r.WaitSeconds,
			r.TotalSeconds, r.Status, r.AreaCode, r.Locality, boolInt(r.Expunged), r.Supervisor,
			boolInt(r.Link.IsRecurrence), nullTime(r.Link.CausingCallTime), nullString(r.Link.CausingProtocolID),
			r.Link.CausingAgentID, causingHandling, string(r.Link.Type), r.Week, r.Month,
		); err != nil {
			return nil, fmt.Errorf("insert record %d: %w", i, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE table_versions SET is_current = CASE WHEN id = ? THEN 1 ELSE 0 END`, v.ID); err != nil {
		return nil, fmt.Errorf("switch current version: %w", err)
	}
	if retain > 0 {
		if err := prune(ctx, tx, retain); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return v, nil
}

func prune(ctx context.Context, tx *sql.Tx, retain int) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM table_versions WHERE is_current = 0 ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?`, retain-1)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM enriched_calls WHERE version_id = ?`, id); err != nil {
			return fmt.Errorf("prune version %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM table_versions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("prune version %s: %w", id, err)
		}
	}
	return nil
}

// CurrentVersion loads the current table version. It returns calls.ErrNoData when no
// version has been published yet.
func (s *Store) CurrentVersion(ctx context.Context) (*calls.Version, error) {
	var (
		v       calls.Version
		created string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM table_versions WHERE is_current = 1`).Scan(&v.ID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, calls.ErrNoData
	}
	if err != nil {
		return nil, err
	}
	if v.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if v.Records, err = s.loadRecords(ctx, v.ID); err != nil {
		return nil, fmt.Errorf("load version %s: %w", v.ID, err)
	}
	return &v, nil
}

func (s *Store) loadRecords(ctx context.Context, versionID string) ([]calls.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT origin, contact_time, protocol_id, agent_id, agent_name,
		operator_group, motive_original, motive_category, handling_seconds, wait_seconds, total_seconds,
		status, area_code, locality, expunged, supervisor, is_recurrence, causing_call_time,
		causing_protocol_id, causing_agent_id, causing_handling_seconds, recurrence_type, week, month
		FROM enriched_calls WHERE version_id = ? ORDER BY seq`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Record
	for rows.Next() {
		var (
			r                         calls.Record
			contact                   string
			protocol, causingProtocol sql.NullString
			causingTime               sql.NullString
			causingHandling           sql.NullFloat64
			expunged, recurrence      int
			recurrenceType            string
		)
		if err := rows.Scan(&r.Origin, &contact, &protocol, &r.AgentID, &r.AgentName,
			&r.OperatorGroup, &r.MotiveOriginal, &r.MotiveCategory, &r.HandlingSeconds, &r.WaitSeconds,
			&r.TotalSeconds, &r.Status, &r.AreaCode, &r.Locality, &expunged, &r.Supervisor, &recurrence,
			&causingTime, &causingProtocol, &r.Link.CausingAgentID, &causingHandling, &recurrenceType,
			&r.Week, &r.Month); err != nil {
			return nil, err
		}
		if r.ContactTime, err = parseTime(contact); err != nil {
			return nil, err
		}
		if protocol.Valid {
			r.ProtocolID = calls.String(protocol.String)
		}
		if causingProtocol.Valid {
			r.Link.CausingProtocolID = calls.String(causingProtocol.String)
		}
		if r.Link.CausingCallTime, err = scanTime(causingTime); err != nil {
			return nil, err
		}
		if causingHandling.Valid {
			r.Link.CausingHandlingSeconds = calls.Float(causingHandling.Float64)
		}
		r.Expunged = expunged == 1
		r.Link.IsRecurrence = recurrence == 1
		r.Link.Type = calls.RecurrenceType(recurrenceType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListVersions returns the stored versions, newest first.
func (s *Store) ListVersions(ctx context.Context) ([]VersionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, record_count, is_current FROM table_versions ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VersionInfo
	for rows.Next() {
		var (
			vi      VersionInfo
			created string
			current int
		)
		if err := rows.Scan(&vi.ID, &created, &vi.Records, &current); err != nil {
			return nil, err
		}
		if vi.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		vi.Current = current == 1
		out = append(out, vi)
	}
	return out, rows.Err()
}
