package report

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"recall_pipeline/internal/calls"
)

// Filters maps a field name to the set of allowed values.
type Filters map[string][]string

// Request selects an inclusive date window and optional categorical filters.
type Request struct {
	Start   time.Time
	End     time.Time
	Filters Filters
}

// AgentRow is one line of the agent performance view.
type AgentRow struct {
	AgentID             string  `json:"agent_id"`
	AgentName           string  `json:"agent_name"`
	Supervisor          string  `json:"supervisor"`
	Calls               int     `json:"calls"`
	MeanHandlingSeconds float64 `json:"mean_handling_seconds"`
	WithReason          int     `json:"with_reason"`
	WithoutReason       int     `json:"without_reason"`
	Recurrences         int     `json:"recurrences"`
	WithReasonRate      float64 `json:"with_reason_rate"`
	WithoutReasonRate   float64 `json:"without_reason_rate"`
	RecurrenceRate      float64 `json:"recurrence_rate"`
}

// DetailRow is one recurrence, attributed to the agent who handled the causing call.
type DetailRow struct {
	AgentID                string               `json:"agent_id"`
	AgentName              string               `json:"agent_name"`
	Supervisor             string               `json:"supervisor"`
	Origin                 string               `json:"origin"`
	AreaCode               string               `json:"area_code"`
	Locality               string               `json:"locality"`
	OperatorGroup          string               `json:"operator_group"`
	Motive                 string               `json:"motive"`
	Type                   calls.RecurrenceType `json:"recurrence_type"`
	Week                   string               `json:"week"`
	CausingHandlingSeconds float64              `json:"causing_handling_seconds"`
	CausingHandling        string               `json:"causing_handling"`
	OriginalTime           *time.Time           `json:"original_time"`
	RecurrenceTime         time.Time            `json:"recurrence_time"`
	Status                 string               `json:"status"`
}

// Result holds both views for one request.
type Result struct {
	Start    time.Time   `json:"start"`
	End      time.Time   `json:"end"`
	Agents   []AgentRow  `json:"agents"`
	Details  []DetailRow `json:"details"`
	Warnings []string    `json:"warnings,omitempty"`
}

// TotalRecurrences sums the recurrence column of the agent view.
func (r Result) TotalRecurrences() int {
	total := 0
	for _, a := range r.Agents {
		total += a.Recurrences
	}
	return total
}

// attributed fields resolve through the directory; the rest read the record itself
const (
	fieldSupervisor = "supervisor"
	fieldAgentID    = "agent_id"
	fieldAgentName  = "agent_name"
)

var recordFields = map[string]func(calls.Record) string{
	"operator_group":  func(r calls.Record) string { return r.OperatorGroup },
	"motive_category": func(r calls.Record) string { return r.MotiveCategory },
	"motive_original": func(r calls.Record) string { return r.MotiveOriginal },
	"locality":        func(r calls.Record) string { return r.Locality },
	"area_code":       func(r calls.Record) string { return r.AreaCode },
	"status":          func(r calls.Record) string { return r.Status },
	"week":            func(r calls.Record) string { return r.Week },
	"month":           func(r calls.Record) string { return r.Month },
	"origin":          func(r calls.Record) string { return r.Origin },
	"recurrence_type": func(r calls.Record) string { return string(r.Link.Type) },
	"expunged":        func(r calls.Record) string { return strconv.FormatBool(r.Expunged) },
}

type matcher struct {
	field   string
	allowed map[string]struct{}
}

func compile(filters Filters) ([]matcher, []string) {
	var (
		out      []matcher
		warnings []string
	)
	fields := make([]string, 0, len(filters))
	for f := range filters {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		values := filters[f]
		if len(values) == 0 {
			continue
		}
		switch f {
		case fieldSupervisor, fieldAgentID, fieldAgentName:
		default:
			if _, ok := recordFields[f]; !ok {
				warnings = append(warnings, fmt.Sprintf("unknown filter field %q ignored", f))
				continue
			}
		}
		m := matcher{field: f, allowed: make(map[string]struct{}, len(values))}
		for _, v := range values {
			m.allowed[v] = struct{}{}
		}
		out = append(out, m)
	}
	return out, warnings
}

// matches applies every matcher to rec, resolving agent fields for agentID.
func matches(ms []matcher, dir *Directory, rec calls.Record, agentID string) bool {
	for _, m := range ms {
		var v string
		switch m.field {
		case fieldSupervisor:
			v = dir.Lookup(agentID).Supervisor
		case fieldAgentID:
			v = agentID
		case fieldAgentName:
			v = dir.Lookup(agentID).Name
		default:
			v = recordFields[m.field](rec)
		}
		if _, ok := m.allowed[v]; !ok {
			return false
		}
	}
	return true
}

// InWindow returns the records dated within [start, end].
func InWindow(records []calls.Record, start, end time.Time) []calls.Record {
	start, end = calls.DateOf(start), calls.DateOf(end)
	var out []calls.Record
	for _, r := range records {
		d := r.Date()
		if d.Before(start) || d.After(end) {
			continue
		}
		out = append(out, r)
	}
	return out
}

type agentAcc struct {
	row      AgentRow
	handling float64
	records  int
}

// Aggregate builds the agent performance and recurrence detail views over a table version.
// Calls count toward the agent who handled them; recurrences count toward the agent of
// the causing call. The recurrence totals of the agent view always equal the number of
// detail rows.
func Aggregate(v *calls.Version, req Request) (Result, error) {
	if v == nil {
		return Result{}, calls.ErrNoData
	}
	return aggregate(v.Records, req), nil
}

func aggregate(records []calls.Record, req Request) Result {
	window := InWindow(records, req.Start, req.End)
	dir := NewDirectory(window, records)
	ms, warnings := compile(req.Filters)

	res := Result{Start: calls.DateOf(req.Start), End: calls.DateOf(req.End), Warnings: warnings}
	accs := make(map[string]*agentAcc)
	acc := func(agentID string) *agentAcc {
		a, ok := accs[agentID]
		if !ok {
			e := dir.Lookup(agentID)
			a = &agentAcc{row: AgentRow{AgentID: agentID, AgentName: e.Name, Supervisor: e.Supervisor}}
			accs[agentID] = a
		}
		return a
	}

	for _, r := range window {
		if matches(ms, dir, r, r.AgentID) {
			a := acc(r.AgentID)
			a.records++
			a.handling += r.HandlingSeconds
			if r.HasProtocol() {
				a.row.Calls++
			}
		}
		if !r.Link.IsRecurrence {
			continue
		}
		causer := r.Link.CausingAgentID
		if !matches(ms, dir, r, causer) {
			continue
		}
		a := acc(causer)
		switch r.Link.Type {
		case calls.WithReason:
			a.row.WithReason++
		default:
			a.row.WithoutReason++
		}
		a.row.Recurrences++
		res.Details = append(res.Details, detail(r, causer, dir.Lookup(causer)))
	}

	for _, a := range accs {
		row := a.row
		if a.records > 0 {
			row.MeanHandlingSeconds = a.handling / float64(a.records)
		}
		if row.Calls > 0 {
			n := float64(row.Calls)
			row.WithReasonRate = float64(row.WithReason) / n
			row.WithoutReasonRate = float64(row.WithoutReason) / n
			row.RecurrenceRate = float64(row.Recurrences) / n
		}
		res.Agents = append(res.Agents, row)
	}
	sort.Slice(res.Agents, func(i, j int) bool {
		if res.Agents[i].Recurrences != res.Agents[j].Recurrences {
			return res.Agents[i].Recurrences > res.Agents[j].Recurrences
		}
		return res.Agents[i].AgentID < res.Agents[j].AgentID
	})
	sort.SliceStable(res.Details, func(i, j int) bool {
		return res.Details[i].RecurrenceTime.After(res.Details[j].RecurrenceTime)
	})
	return res
}

func detail(r calls.Record, causer string, e Entry) DetailRow {
	row := DetailRow{
		AgentID:        causer,
		AgentName:      e.Name,
		Supervisor:     e.Supervisor,
		Origin:         r.Origin,
		AreaCode:       r.AreaCode,
		Locality:       r.Locality,
		OperatorGroup:  r.OperatorGroup,
		Motive:         r.MotiveCategory,
		Type:           r.Link.Type,
		Week:           r.Week,
		OriginalTime:   r.Link.CausingCallTime,
		RecurrenceTime: r.ContactTime,
		Status:         r.Status,
	}
	if r.Link.CausingHandlingSeconds != nil {
		row.CausingHandlingSeconds = *r.Link.CausingHandlingSeconds
	}
	row.CausingHandling = FormatHHMMSS(row.CausingHandlingSeconds)
	return row
}

// FormatHHMMSS renders whole seconds as HH:MM:SS.
func FormatHHMMSS(seconds float64) string {
	s := int(seconds)
	if s < 0 {
		s = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}
