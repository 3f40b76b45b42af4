package roster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"recall_pipeline/internal/calls"
	"recall_pipeline/internal/logger"
)

// Repository persists the current interval table and the fingerprint of the
// roster files it was built from.
type Repository interface {
	LoadIntervals(ctx context.Context) ([]Interval, string, error)
	ReplaceIntervals(ctx context.Context, intervals []Interval, fingerprint string, builtAt time.Time) error
}

// Outcome describes what Prepare did.
type Outcome struct {
	Rebuilt     bool
	Reason      string
	Intervals   int
	Verdict     Verdict
	Diagnostics []string
}

// Manager keeps the interval table in sync with the roster directory.
type Manager struct {
	dir    string
	policy Policy
	repo   Repository
	now    func() time.Time
}

// NewManager builds a manager over the snapshot directory dir.
func NewManager(dir string, policy Policy, repo Repository) *Manager {
	return &Manager{dir: dir, policy: policy, repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Prepare returns an index ready to resolve records. The table is rebuilt when force is
// set, the roster files changed or the policy finds it stale. A failed rebuild keeps the
// previous table and is reported in the outcome diagnostics.
func (m *Manager) Prepare(ctx context.Context, records []calls.Record, force bool) (*Index, Outcome, error) {
	current, storedFP, err := m.repo.LoadIntervals(ctx)
	if err != nil {
		return nil, Outcome{}, fmt.Errorf("load intervals: %w", err)
	}
	idx := NewIndex(current)
	out := Outcome{Intervals: idx.Len()}

	fp, fpErr := Fingerprint(m.dir)
	if fpErr != nil {
		out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("roster fingerprint: %v", fpErr))
	}
	out.Verdict = m.policy.Check(idx, records)

	switch {
	case force:
		out.Reason = "forced"
	case fpErr == nil && fp != storedFP:
		out.Reason = "roster files changed"
	case out.Verdict.Stale:
		out.Reason = out.Verdict.Reason
	default:
		return idx, out, nil
	}

	_, horizon, _ := calls.DateRange(records)
	rebuilt, warnings, err := m.rebuild(ctx, fp, horizon)
	out.Diagnostics = append(out.Diagnostics, warnings...)
	if err != nil {
		logger.Warn("roster rebuild failed, keeping previous intervals",
			zap.String("reason", out.Reason), zap.Error(err))
		out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("roster rebuild failed: %v", err))
		return idx, out, nil
	}
	out.Rebuilt = true
	out.Intervals = rebuilt.Len()
	out.Verdict = m.policy.Check(rebuilt, records)
	logger.Info("roster intervals rebuilt",
		zap.String("reason", out.Reason),
		zap.Int("intervals", out.Intervals),
		zap.Float64("unmapped_ratio", out.Verdict.UnmappedRatio))
	return rebuilt, out, nil
}

func (m *Manager) rebuild(ctx context.Context, fp string, horizon time.Time) (*Index, []string, error) {
	if fp == "" {
		return nil, nil, errors.New("roster directory unavailable")
	}
	snaps, warnings, err := LoadSnapshots(m.dir)
	if err != nil {
		return nil, warnings, err
	}
	intervals := BuildIntervals(snaps, horizon)
	if err := m.repo.ReplaceIntervals(ctx, intervals, fp, m.now()); err != nil {
		return nil, warnings, fmt.Errorf("persist intervals: %w", err)
	}
	return NewIndex(intervals), warnings, nil
}

// Fingerprint hashes the names, sizes and modification times of the snapshot files in dir.
func Fingerprint(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var lines []string
	for _, e := range entries {
		if e.IsDir() || !IsSnapshotFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", err
		}
		lines = append(lines, fmt.Sprintf("%s|%d|%d", filepath.Base(e.Name()), info.Size(), info.ModTime().UnixNano()))
	}
	sort.Strings(lines)
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
