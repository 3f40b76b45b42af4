package roster

import (
	"fmt"

	"recall_pipeline/internal/calls"
)

// Policy decides when the interval table is too old for the data it resolves.
type Policy struct {
	MaxLagDays        int
	UnmappedThreshold float64
	LookbackDays      int
}

// Verdict is the outcome of a staleness check.
type Verdict struct {
	Stale         bool
	Reason        string
	UnmappedRatio float64
}

// Check evaluates idx against the records it is about to resolve.
// An empty record set is never stale.
func (p Policy) Check(idx *Index, records []calls.Record) Verdict {
	_, maxDate, ok := calls.DateRange(records)
	if !ok {
		return Verdict{}
	}
	if idx.Len() == 0 {
		return Verdict{Stale: true, Reason: "interval table is empty", UnmappedRatio: 1}
	}
	if limit := idx.MaxEnd().AddDate(0, 0, p.MaxLagDays); maxDate.After(limit) {
		return Verdict{
			Stale:  true,
			Reason: fmt.Sprintf("data reaches %s, intervals end %s", maxDate.Format("2006-01-02"), idx.MaxEnd().Format("2006-01-02")),
		}
	}

	since := maxDate.AddDate(0, 0, -p.LookbackDays)
	var recent, unmapped int
	for _, r := range records {
		d := r.Date()
		if d.Before(since) {
			continue
		}
		recent++
		if idx.Resolve(r.AgentID, d) == calls.Unmapped {
			unmapped++
		}
	}
	if recent == 0 {
		return Verdict{}
	}
	ratio := float64(unmapped) / float64(recent)
	if ratio > p.UnmappedThreshold {
		return Verdict{
			Stale:         true,
			Reason:        fmt.Sprintf("%.0f%% of recent records unmapped", ratio*100),
			UnmappedRatio: ratio,
		}
	}
	return Verdict{UnmappedRatio: ratio}
}
