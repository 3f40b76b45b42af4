package report

import "recall_pipeline/internal/calls"

// UnknownAgent names a causer that never appears as a handling agent in the table.
const UnknownAgent = "Unknown agent"

// Entry is the single name and supervisor label an agent carries in a report.
type Entry struct {
	Name       string
	Supervisor string
}

// Directory attributes agents to one name and one supervisor for a whole report.
// Both report views and every agent-based filter read from the same directory.
type Directory struct {
	entries  map[string]Entry
	fallback map[string]Entry
}

// NewDirectory builds the directory from the report window population. Agents absent from
// the window are looked up in all, the full table, so causers of early-window recurrences
// still get a label.
func NewDirectory(window, all []calls.Record) *Directory {
	return &Directory{entries: summarize(window), fallback: summarize(all)}
}

// Lookup returns the entry of agentID.
func (d *Directory) Lookup(agentID string) Entry {
	if e, ok := d.entries[agentID]; ok {
		return e
	}
	if e, ok := d.fallback[agentID]; ok {
		return e
	}
	return Entry{Name: UnknownAgent, Supervisor: calls.Unmapped}
}

// Len returns the number of agents seen in the window.
func (d *Directory) Len() int { return len(d.entries) }

type tally struct {
	name   string
	counts map[string]int
	order  []string
}

// summarize keeps the first non-empty name of each agent and the most frequent supervisor,
// ties going to the supervisor seen first.
func summarize(records []calls.Record) map[string]Entry {
	tallies := make(map[string]*tally)
	for _, r := range records {
		t, ok := tallies[r.AgentID]
		if !ok {
			t = &tally{counts: make(map[string]int)}
			tallies[r.AgentID] = t
		}
		if t.name == "" && r.AgentName != "" {
			t.name = r.AgentName
		}
		sup := r.Supervisor
		if sup == "" {
			sup = calls.Unmapped
		}
		if _, seen := t.counts[sup]; !seen {
			t.order = append(t.order, sup)
		}
		t.counts[sup]++
	}

	out := make(map[string]Entry, len(tallies))
	for id, t := range tallies {
		best, bestN := calls.Unmapped, 0
		for _, sup := range t.order {
			if n := t.counts[sup]; n > bestN {
				best, bestN = sup, n
			}
		}
		name := t.name
		if name == "" {
			name = UnknownAgent
		}
		out[id] = Entry{Name: name, Supervisor: best}
	}
	return out
}
