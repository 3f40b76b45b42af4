package calls

import (
	"fmt"
	"time"
)

// WeekCalendar maps dates to display week labels counted in 7-day steps from an anchor.
type WeekCalendar struct {
	Anchor       time.Time
	AnchorNumber int
}

// Label returns "S<n>" for the week containing t.
func (w WeekCalendar) Label(t time.Time) string {
	days := int(DateOf(t).Sub(DateOf(w.Anchor)).Hours() / 24)
	return fmt.Sprintf("S%d", w.AnchorNumber+floorDiv(days, 7))
}

// MonthLabel returns "MM-YYYY" for t.
func MonthLabel(t time.Time) string {
	return t.Format("01-2006")
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
