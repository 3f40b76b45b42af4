package calls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWeekCalendarLabel(t *testing.T) {
	cal := WeekCalendar{Anchor: time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC), AnchorNumber: 25}

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"anchor day", time.Date(2025, 6, 13, 8, 0, 0, 0, time.UTC), "S25"},
		{"last day of anchor week", time.Date(2025, 6, 19, 23, 59, 0, 0, time.UTC), "S25"},
		{"next week", time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC), "S26"},
		{"day before anchor", time.Date(2025, 6, 12, 12, 0, 0, 0, time.UTC), "S24"},
		{"two weeks before", time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC), "S23"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cal.Label(tt.at))
		})
	}
}

func TestMonthLabel(t *testing.T) {
	assert.Equal(t, "03-2025", MonthLabel(time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)))
}

func TestRecordKeyTreatsNullProtocolAsDistinct(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	withEmpty := Record{Origin: "1", ContactTime: at, ProtocolID: String("")}
	withNull := Record{Origin: "1", ContactTime: at}

	assert.NotEqual(t, withEmpty.Key(), withNull.Key())
	assert.Equal(t, withNull.Key(), Record{Origin: "1", ContactTime: at}.Key())
}

func TestDateRange(t *testing.T) {
	_, _, ok := DateRange(nil)
	assert.False(t, ok)

	recs := []Record{
		{ContactTime: time.Date(2025, 3, 5, 23, 0, 0, 0, time.UTC)},
		{ContactTime: time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC)},
	}
	minDate, maxDate, ok := DateRange(recs)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), minDate)
	assert.Equal(t, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), maxDate)
}
