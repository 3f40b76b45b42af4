package report

import (
	"sort"
	"time"

	"recall_pipeline/internal/calls"
)

// DefaultWindow returns the window used when a request names no dates: it ends at the
// earlier of yesterday and the last record date and spans rangeDays more days back.
func DefaultWindow(records []calls.Record, today time.Time, rangeDays int) (time.Time, time.Time) {
	end := calls.DateOf(today).AddDate(0, 0, -1)
	if _, maxDate, ok := calls.DateRange(records); ok && maxDate.Before(end) {
		end = maxDate
	}
	return end.AddDate(0, 0, -rangeDays), end
}

// ProblemAgent is a causer whose recurrences end up Unmapped.
type ProblemAgent struct {
	AgentID         string `json:"agent_id"`
	Recurrences     int    `json:"recurrences"`
	RecordsInWindow int    `json:"records_in_window"`
	InDirectory     bool   `json:"in_directory"`
}

// UnmappedReport explains Unmapped supervisor attributions in a window.
type UnmappedReport struct {
	Start               time.Time      `json:"start"`
	End                 time.Time      `json:"end"`
	TotalRecords        int            `json:"total_records"`
	WindowRecords       int            `json:"window_records"`
	Recurrences         int            `json:"recurrences"`
	MappedAgents        int            `json:"mapped_agents"`
	Supervisors         []string       `json:"supervisors"`
	UnmappedRecurrences int            `json:"unmapped_recurrences"`
	ProblemAgents       []ProblemAgent `json:"problem_agents"`
}

// Unmapped lists the causers whose recurrences are attributed to Unmapped.
func Unmapped(v *calls.Version, start, end time.Time) (UnmappedReport, error) {
	if v == nil {
		return UnmappedReport{}, calls.ErrNoData
	}
	window := InWindow(v.Records, start, end)
	dir := NewDirectory(window, v.Records)
	rep := UnmappedReport{
		Start:         calls.DateOf(start),
		End:           calls.DateOf(end),
		TotalRecords:  len(v.Records),
		WindowRecords: len(window),
		MappedAgents:  dir.Len(),
	}

	perAgent := make(map[string]int)
	inWindow := make(map[string]int)
	supervisors := make(map[string]struct{})
	for _, r := range window {
		inWindow[r.AgentID]++
		if !r.Link.IsRecurrence {
			continue
		}
		rep.Recurrences++
		e := dir.Lookup(r.Link.CausingAgentID)
		supervisors[e.Supervisor] = struct{}{}
		if e.Supervisor == calls.Unmapped {
			rep.UnmappedRecurrences++
			perAgent[r.Link.CausingAgentID]++
		}
	}
	for s := range supervisors {
		rep.Supervisors = append(rep.Supervisors, s)
	}
	sort.Strings(rep.Supervisors)
	for id, n := range perAgent {
		_, known := dir.entries[id]
		rep.ProblemAgents = append(rep.ProblemAgents, ProblemAgent{
			AgentID:         id,
			Recurrences:     n,
			RecordsInWindow: inWindow[id],
			InDirectory:     known,
		})
	}
	sort.Slice(rep.ProblemAgents, func(i, j int) bool {
		if rep.ProblemAgents[i].Recurrences != rep.ProblemAgents[j].Recurrences {
			return rep.ProblemAgents[i].Recurrences > rep.ProblemAgents[j].Recurrences
		}
		return rep.ProblemAgents[i].AgentID < rep.ProblemAgents[j].AgentID
	})
	return rep, nil
}

// AgentCount is one line of the top-agents list.
type AgentCount struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Calls     int    `json:"calls"`
	Records   int    `json:"records"`
}

// Validation summarises counts in a window so they can be checked against the source system.
type Validation struct {
	Start           time.Time      `json:"start"`
	End             time.Time      `json:"end"`
	TotalRecords    int            `json:"total_records"`
	WindowRecords   int            `json:"window_records"`
	Calls           int            `json:"calls"`
	WithoutProtocol int            `json:"without_protocol"`
	Recurrences     int            `json:"recurrences"`
	ByGroup         map[string]int `json:"by_group"`
	ByStatus        map[string]int `json:"by_status"`
	TopAgents       []AgentCount   `json:"top_agents"`
}

const topAgents = 10

// Validate counts the records of a window by protocol presence, group, status and agent.
func Validate(v *calls.Version, start, end time.Time) (Validation, error) {
	if v == nil {
		return Validation{}, calls.ErrNoData
	}
	window := InWindow(v.Records, start, end)
	dir := NewDirectory(window, v.Records)
	val := Validation{
		Start:         calls.DateOf(start),
		End:           calls.DateOf(end),
		TotalRecords:  len(v.Records),
		WindowRecords: len(window),
		ByGroup:       make(map[string]int),
		ByStatus:      make(map[string]int),
	}
	agents := make(map[string]*AgentCount)
	for _, r := range window {
		a, ok := agents[r.AgentID]
		if !ok {
			a = &AgentCount{AgentID: r.AgentID, AgentName: dir.Lookup(r.AgentID).Name}
			agents[r.AgentID] = a
		}
		a.Records++
		if r.HasProtocol() {
			val.Calls++
			a.Calls++
		} else {
			val.WithoutProtocol++
		}
		if r.Link.IsRecurrence {
			val.Recurrences++
		}
		val.ByGroup[r.OperatorGroup]++
		val.ByStatus[r.Status]++
	}
	for _, a := range agents {
		val.TopAgents = append(val.TopAgents, *a)
	}
	sort.Slice(val.TopAgents, func(i, j int) bool {
		if val.TopAgents[i].Calls != val.TopAgents[j].Calls {
			return val.TopAgents[i].Calls > val.TopAgents[j].Calls
		}
		return val.TopAgents[i].AgentID < val.TopAgents[j].AgentID
	})
	if len(val.TopAgents) > topAgents {
		val.TopAgents = val.TopAgents[:topAgents]
	}
	return val, nil
}
