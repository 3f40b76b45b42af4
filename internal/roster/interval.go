package roster

import (
	"sort"
	"time"
)

// Interval states that an agent was supervised by Supervisor from Start to End, both inclusive.
type Interval struct {
	AgentID    string    `json:"agent_id"`
	Supervisor string    `json:"supervisor"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// Contains reports whether day falls inside the interval.
func (iv Interval) Contains(day time.Time) bool {
	return !day.Before(iv.Start) && !day.After(iv.End)
}

type monthAssignment struct {
	month      time.Time
	supervisor string
}

// BuildIntervals turns monthly snapshots into contiguous per-agent intervals.
// Each assignment runs until the day before the agent's next assignment; the last one
// runs to the end of its month or to horizon, whichever is later. Consecutive months
// with the same supervisor are merged. Snapshots must be ordered by month; when an
// agent appears more than once for a month the first row wins.
func BuildIntervals(snaps []Snapshot, horizon time.Time) []Interval {
	byAgent := make(map[string][]monthAssignment)
	var agents []string
	for _, snap := range snaps {
		for _, row := range snap.Rows {
			list, seen := byAgent[row.AgentID]
			if !seen {
				agents = append(agents, row.AgentID)
			}
			if n := len(list); n > 0 && list[n-1].month.Equal(snap.Month) {
				continue
			}
			byAgent[row.AgentID] = append(list, monthAssignment{month: snap.Month, supervisor: row.Supervisor})
		}
	}
	sort.Strings(agents)

	var out []Interval
	for _, agent := range agents {
		list := byAgent[agent]
		sort.SliceStable(list, func(i, j int) bool { return list[i].month.Before(list[j].month) })
		var current *Interval
		for i, a := range list {
			var end time.Time
			if i+1 < len(list) {
				end = list[i+1].month.AddDate(0, 0, -1)
			} else {
				end = a.month.AddDate(0, 1, -1)
				if horizon.After(end) {
					end = horizon
				}
			}
			if current != nil && current.Supervisor == a.supervisor {
				current.End = end
				continue
			}
			if current != nil {
				out = append(out, *current)
			}
			current = &Interval{AgentID: agent, Supervisor: a.supervisor, Start: a.month, End: end}
		}
		if current != nil {
			out = append(out, *current)
		}
	}
	return out
}
