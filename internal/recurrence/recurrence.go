package recurrence

import (
	"sort"
	"strings"
	"time"

	"recall_pipeline/internal/calls"
)

// DefaultWindow is the maximum gap between a call and the caller's next call for the
// latter to count as a recurrence.
const DefaultWindow = 24 * time.Hour

// Stats counts what Detect and Classify produced.
type Stats struct {
	Records       int
	Recurrences   int
	WithReason    int
	WithoutReason int
}

// order returns record indices sorted by origin then contact time, stable on ingest order.
func order(records []calls.Record) []int {
	idx := make([]int, len(records))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := records[idx[a]], records[idx[b]]
		if ra.Origin != rb.Origin {
			return ra.Origin < rb.Origin
		}
		return ra.ContactTime.Before(rb.ContactTime)
	})
	return idx
}

// Detect links every record to the caller's immediately preceding record when the gap
// is at most window. Records are returned in origin then contact-time order with their
// Link replaced; the input slice is not modified.
func Detect(records []calls.Record, window time.Duration) []calls.Record {
	out := make([]calls.Record, 0, len(records))
	for n, i := range order(records) {
		r := records[i]
		r.Link = calls.Link{Type: calls.NotApplicable}
		if n > 0 {
			prev := out[n-1]
			if prev.Origin == r.Origin && r.ContactTime.Sub(prev.ContactTime) <= window {
				causedAt := prev.ContactTime
				r.Link.IsRecurrence = true
				r.Link.CausingCallTime = &causedAt
				r.Link.CausingProtocolID = prev.ProtocolID
				r.Link.CausingAgentID = prev.AgentID
				r.Link.CausingHandlingSeconds = calls.Float(prev.HandlingSeconds)
			}
		}
		out = append(out, r)
	}
	return out
}

// Classify labels the recurrences in records, which must be in the order Detect returns.
// A recurrence sharing its predecessor's non-empty motive is WithReason; any other
// recurrence is WithoutReason. Everything else is NotApplicable.
func Classify(records []calls.Record) Stats {
	st := Stats{Records: len(records)}
	for i := range records {
		r := &records[i]
		if !r.Link.IsRecurrence || i == 0 {
			r.Link.Type = calls.NotApplicable
			continue
		}
		st.Recurrences++
		cur := strings.TrimSpace(r.MotiveCategory)
		prev := strings.TrimSpace(records[i-1].MotiveCategory)
		if cur != "" && prev != "" && cur == prev {
			r.Link.Type = calls.WithReason
			st.WithReason++
		} else {
			r.Link.Type = calls.WithoutReason
			st.WithoutReason++
		}
	}
	return st
}

// Link runs Detect then Classify.
func Link(records []calls.Record, window time.Duration) ([]calls.Record, Stats) {
	out := Detect(records, window)
	return out, Classify(out)
}
