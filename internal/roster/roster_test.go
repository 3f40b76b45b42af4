package roster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall_pipeline/internal/calls"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestResolveFallsBackToLatestEnd(t *testing.T) {
	idx := NewIndex([]Interval{
		{AgentID: "2073", Supervisor: "S1", Start: day(2025, 1, 1), End: day(2025, 1, 31)},
		{AgentID: "2073", Supervisor: "S2", Start: day(2025, 2, 1), End: day(2025, 2, 28)},
	})

	assert.Equal(t, "S2", idx.Resolve("2073", day(2025, 3, 15)))
	assert.Equal(t, "S1", idx.Resolve("2073", day(2025, 1, 15)))
	assert.Equal(t, "S2", idx.Resolve("2073", time.Date(2025, 2, 28, 23, 59, 0, 0, time.UTC)))
}

func TestResolveContainingBeatsFallback(t *testing.T) {
	idx := NewIndex([]Interval{
		{AgentID: "7", Supervisor: "Old", Start: day(2025, 1, 1), End: day(2025, 1, 31)},
		{AgentID: "7", Supervisor: "Long", Start: day(2024, 6, 1), End: day(2025, 12, 31)},
	})

	// "Long" contains the date and ends latest; "Old" starts later and also contains it.
	assert.Equal(t, "Old", idx.Resolve("7", day(2025, 1, 10)))
	assert.Equal(t, "Long", idx.Resolve("7", day(2025, 2, 10)))
}

func TestResolveOverlapLatestStartWins(t *testing.T) {
	idx := NewIndex([]Interval{
		{AgentID: "9", Supervisor: "A", Start: day(2025, 1, 1), End: day(2025, 3, 31)},
		{AgentID: "9", Supervisor: "B", Start: day(2025, 2, 1), End: day(2025, 2, 28)},
		{AgentID: "9", Supervisor: "C", Start: day(2025, 1, 15), End: day(2025, 2, 20)},
	})

	assert.Equal(t, "A", idx.Resolve("9", day(2025, 1, 5)))
	assert.Equal(t, "C", idx.Resolve("9", day(2025, 1, 20)))
	assert.Equal(t, "B", idx.Resolve("9", day(2025, 2, 10)))
	assert.Equal(t, "A", idx.Resolve("9", day(2025, 3, 10)))
}

func TestResolveGapBeforeFirstIntervalUsesLatestEnd(t *testing.T) {
	idx := NewIndex([]Interval{
		{AgentID: "1", Supervisor: "First", Start: day(2025, 3, 1), End: day(2025, 3, 31)},
		{AgentID: "1", Supervisor: "Second", Start: day(2025, 5, 1), End: day(2025, 5, 31)},
	})

	assert.Equal(t, "Second", idx.Resolve("1", day(2025, 1, 1)))
	assert.Equal(t, "Second", idx.Resolve("1", day(2025, 4, 15)))
}

func TestResolveUnknownAgentAndNormalization(t *testing.T) {
	idx := NewIndex([]Interval{{AgentID: "2073.0", Supervisor: "S1", Start: day(2025, 1, 1), End: day(2025, 1, 31)}})

	assert.Equal(t, calls.Unmapped, idx.Resolve("999", day(2025, 1, 10)))
	assert.Equal(t, "S1", idx.Resolve(" 2073 ", day(2025, 1, 10)))
	assert.Equal(t, calls.Unmapped, (*Index)(nil).Resolve("2073", day(2025, 1, 10)))
}

func TestBuildIntervalsContiguousAndExtended(t *testing.T) {
	snaps := []Snapshot{
		{Month: day(2025, 1, 1), Rows: []SnapshotRow{{"10", "S1"}, {"20", "S9"}}},
		{Month: day(2025, 2, 1), Rows: []SnapshotRow{{"10", "S2"}}},
		{Month: day(2025, 4, 1), Rows: []SnapshotRow{{"10", "S3"}}},
	}

	got := BuildIntervals(snaps, day(2025, 5, 10))

	require.Len(t, got, 4)
	assert.Equal(t, Interval{AgentID: "10", Supervisor: "S1", Start: day(2025, 1, 1), End: day(2025, 1, 31)}, got[0])
	assert.Equal(t, Interval{AgentID: "10", Supervisor: "S2", Start: day(2025, 2, 1), End: day(2025, 3, 31)}, got[1])
	assert.Equal(t, Interval{AgentID: "10", Supervisor: "S3", Start: day(2025, 4, 1), End: day(2025, 5, 10)}, got[2])
	assert.Equal(t, Interval{AgentID: "20", Supervisor: "S9", Start: day(2025, 1, 1), End: day(2025, 5, 10)}, got[3])
}

func TestBuildIntervalsMergesSameSupervisorAndKeepsMonthEnd(t *testing.T) {
	snaps := []Snapshot{
		{Month: day(2025, 1, 1), Rows: []SnapshotRow{{"10", "S1"}}},
		{Month: day(2025, 2, 1), Rows: []SnapshotRow{{"10", "S1"}}},
	}

	got := BuildIntervals(snaps, day(2025, 2, 3))

	require.Len(t, got, 1)
	assert.Equal(t, day(2025, 1, 1), got[0].Start)
	assert.Equal(t, day(2025, 2, 28), got[0].End)
}

func TestBuildIntervalsDuplicateRowFirstWins(t *testing.T) {
	snaps := []Snapshot{
		{Month: day(2025, 1, 1), Rows: []SnapshotRow{{"10", "S1"}, {"10", "S2"}, {"10", "S3"}}},
	}

	got := BuildIntervals(snaps, day(2025, 1, 15))

	require.Len(t, got, 1)
	assert.Equal(t, Interval{AgentID: "10", Supervisor: "S1", Start: day(2025, 1, 1), End: day(2025, 1, 31)}, got[0])
}

func TestMonthFromName(t *testing.T) {
	tests := []struct {
		name string
		want time.Time
		ok   bool
	}{
		{"MOP (mar) 2025.csv", day(2025, 3, 1), true},
		{"MOP (DEZ) 2024.csv", day(2024, 12, 1), true},
		{"roster-2025-07.yaml", day(2025, 7, 1), true},
		{"MOP (xyz) 2025.csv", time.Time{}, false},
		{"MOP (mar).csv", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MonthFromName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadSnapshotsSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "MOP (fev) 2025.csv", "L5,Nome,Supervisor Atual\n2073.0,Ana,S2\n,Bia,S2\n3000,Caio,nan\n3001,Duda,-\n")
	writeFile(t, dir, "MOP (jan) 2025.csv", "l5,supervisor\n2073,S1\n")
	writeFile(t, dir, "MOP (mar) 2025.csv", "agent,boss\n1,2\n")
	writeFile(t, dir, "roster-2025-04.yaml", "rows:\n  - agent_id: \"2073\"\n    supervisor: S4\n")
	writeFile(t, dir, "notes.txt", "ignored")

	snaps, warnings, err := LoadSnapshots(dir)

	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Len(t, warnings, 1)
	assert.Equal(t, day(2025, 1, 1), snaps[0].Month)
	assert.Equal(t, []SnapshotRow{{"2073", "S2"}}, snaps[1].Rows)
	assert.Equal(t, day(2025, 4, 1), snaps[2].Month)
	assert.Equal(t, []SnapshotRow{{"2073", "S4"}}, snaps[2].Rows)
}

func TestLoadSnapshotsEmptyDir(t *testing.T) {
	_, _, err := LoadSnapshots(t.TempDir())
	assert.ErrorIs(t, err, ErrNoSnapshots)

	_, _, err = LoadSnapshots(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func records(agent string, days ...time.Time) []calls.Record {
	out := make([]calls.Record, 0, len(days))
	for _, d := range days {
		out = append(out, calls.Record{Origin: "1", AgentID: agent, ContactTime: d.Add(9 * time.Hour)})
	}
	return out
}

func TestPolicyCheck(t *testing.T) {
	policy := Policy{MaxLagDays: 2, UnmappedThreshold: 0.3, LookbackDays: 7}
	idx := NewIndex([]Interval{{AgentID: "1", Supervisor: "S", Start: day(2025, 1, 1), End: day(2025, 1, 31)}})

	assert.False(t, policy.Check(idx, nil).Stale)
	assert.False(t, policy.Check(idx, records("1", day(2025, 2, 2))).Stale)
	assert.True(t, policy.Check(idx, records("1", day(2025, 2, 3))).Stale)
	assert.True(t, policy.Check(NewIndex(nil), records("1", day(2025, 1, 3))).Stale)

	mixed := append(records("1", day(2025, 1, 20), day(2025, 1, 21)), records("404", day(2025, 1, 22))...)
	v := policy.Check(idx, mixed)
	assert.True(t, v.Stale)
	assert.InDelta(t, 1.0/3.0, v.UnmappedRatio, 1e-9)

	// old unmapped records fall outside the lookback window
	old := append(records("404", day(2025, 1, 1), day(2025, 1, 2)), records("1", day(2025, 1, 20))...)
	assert.False(t, policy.Check(idx, old).Stale)
}

type memRepo struct {
	intervals   []Interval
	fingerprint string
	replaced    int
	failReplace bool
}

func (m *memRepo) LoadIntervals(context.Context) ([]Interval, string, error) {
	return m.intervals, m.fingerprint, nil
}

func (m *memRepo) ReplaceIntervals(_ context.Context, ivs []Interval, fp string, _ time.Time) error {
	if m.failReplace {
		return errors.New("disk full")
	}
	m.intervals, m.fingerprint = ivs, fp
	m.replaced++
	return nil
}

func TestManagerRebuildsOnChangeOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "MOP (jan) 2025.csv", "l5,supervisor\n1,S1\n")
	repo := &memRepo{}
	mgr := NewManager(dir, Policy{MaxLagDays: 2, UnmappedThreshold: 0.3, LookbackDays: 7}, repo)
	recs := records("1", day(2025, 1, 10))

	idx, out, err := mgr.Prepare(context.Background(), recs, false)
	require.NoError(t, err)
	assert.True(t, out.Rebuilt)
	assert.Equal(t, "S1", idx.Resolve("1", day(2025, 1, 10)))

	_, out, err = mgr.Prepare(context.Background(), recs, false)
	require.NoError(t, err)
	assert.False(t, out.Rebuilt)
	assert.Equal(t, 1, repo.replaced)

	_, out, err = mgr.Prepare(context.Background(), recs, true)
	require.NoError(t, err)
	assert.True(t, out.Rebuilt)
	assert.Equal(t, 2, repo.replaced)
}

func TestManagerRebuildFailureKeepsPreviousTable(t *testing.T) {
	repo := &memRepo{
		intervals:   []Interval{{AgentID: "1", Supervisor: "Prev", Start: day(2025, 1, 1), End: day(2025, 1, 31)}},
		fingerprint: "stale",
	}
	mgr := NewManager(filepath.Join(t.TempDir(), "missing"), Policy{MaxLagDays: 2, UnmappedThreshold: 0.3, LookbackDays: 7}, repo)

	idx, out, err := mgr.Prepare(context.Background(), records("1", day(2025, 3, 1)), false)

	require.NoError(t, err)
	assert.False(t, out.Rebuilt)
	assert.NotEmpty(t, out.Diagnostics)
	assert.Equal(t, "Prev", idx.Resolve("1", day(2025, 3, 1)))
}

func TestManagerPersistFailureIsDiagnostic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "MOP (jan) 2025.csv", "l5,supervisor\n1,S1\n")
	repo := &memRepo{failReplace: true}
	mgr := NewManager(dir, Policy{MaxLagDays: 2, UnmappedThreshold: 0.3, LookbackDays: 7}, repo)

	idx, out, err := mgr.Prepare(context.Background(), records("1", day(2025, 1, 10)), false)

	require.NoError(t, err)
	assert.False(t, out.Rebuilt)
	assert.Equal(t, calls.Unmapped, idx.Resolve("1", day(2025, 1, 10)))
}
