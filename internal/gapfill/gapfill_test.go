package gapfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall_pipeline/internal/calls"
)

func day(m time.Month, d int) time.Time {
	return time.Date(2025, m, d, 0, 0, 0, 0, time.UTC)
}

func onDays(days ...time.Time) []calls.Record {
	var out []calls.Record
	for _, d := range days {
		out = append(out, calls.Record{Origin: "1", ContactTime: d.Add(10 * time.Hour)})
	}
	return out
}

func TestMissingDatesRespectsLimitAndYesterday(t *testing.T) {
	recs := onDays(day(3, 1), day(3, 4), day(3, 10))

	missing, summary := MissingDates(recs, day(3, 8), 3)

	assert.Equal(t, []time.Time{day(3, 2), day(3, 3), day(3, 5)}, missing)
	assert.Equal(t, Summary{ExpectedDays: 7, PresentDays: 2, Missing: 5, Selected: 3}, summary)
}

func TestMissingDatesNothingToDo(t *testing.T) {
	missing, summary := MissingDates(nil, day(3, 8), 3)
	assert.Empty(t, missing)
	assert.Zero(t, summary.ExpectedDays)

	missing, _ = MissingDates(onDays(day(3, 8)), day(3, 8), 3)
	assert.Empty(t, missing)
}

func TestFillAppendsAndSkipsFailures(t *testing.T) {
	recs := onDays(day(3, 1), day(3, 5))
	fetch := func(_ context.Context, d time.Time) ([]calls.Record, error) {
		switch d {
		case day(3, 2):
			return onDays(d, d), nil
		case day(3, 3):
			return nil, errors.New("upstream timeout")
		}
		return nil, nil
	}

	out, summary, err := Fill(context.Background(), recs, day(3, 6), 3, fetch)

	require.NoError(t, err)
	assert.Len(t, out, 4)
	assert.Equal(t, 1, summary.Filled)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.RecordsAdded)
}

func TestPlanWindow(t *testing.T) {
	today := day(3, 10)
	tests := []struct {
		name      string
		history   []calls.Record
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"no history", nil, day(1, 1), day(3, 9)},
		{"leading gap", onDays(day(2, 1), day(3, 9)), day(1, 1), day(1, 31)},
		{"trailing gap", onDays(day(1, 1), day(3, 5)), day(3, 6), day(3, 9)},
		{"up to date", onDays(day(1, 1), day(3, 9)), day(3, 9), day(3, 9)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := PlanWindow(tt.history, today)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}
