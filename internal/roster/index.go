package roster

import (
	"sort"
	"time"

	"recall_pipeline/internal/calls"
)

// Index answers point-in-time supervisor lookups. It is immutable once built.
type Index struct {
	byAgent map[string][]Interval
	latest  map[string]Interval
	maxEnd  time.Time
	size    int
}

// NewIndex groups intervals by agent, sorted by start date. Intervals with equal
// start keep their input order.
func NewIndex(intervals []Interval) *Index {
	idx := &Index{
		byAgent: make(map[string][]Interval),
		latest:  make(map[string]Interval),
		size:    len(intervals),
	}
	for _, iv := range intervals {
		iv.AgentID = calls.NormalizeAgentID(iv.AgentID)
		idx.byAgent[iv.AgentID] = append(idx.byAgent[iv.AgentID], iv)
		if iv.End.After(idx.maxEnd) {
			idx.maxEnd = iv.End
		}
	}
	for agent, list := range idx.byAgent {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Start.Before(list[j].Start) })
		best := list[0]
		for _, iv := range list[1:] {
			if iv.End.After(best.End) || (iv.End.Equal(best.End) && iv.Start.After(best.Start)) {
				best = iv
			}
		}
		idx.latest[agent] = best
	}
	return idx
}

// Resolve returns the supervisor of agentID on day.
// An interval containing day wins, the latest start breaking overlaps. With no containing
// interval the agent's latest-ending interval is used. Unknown agents are Unmapped.
func (idx *Index) Resolve(agentID string, day time.Time) string {
	if idx == nil {
		return calls.Unmapped
	}
	agentID = calls.NormalizeAgentID(agentID)
	list := idx.byAgent[agentID]
	if len(list) == 0 {
		return calls.Unmapped
	}
	day = calls.DateOf(day)
	// first interval starting after day; everything before it may contain day
	n := sort.Search(len(list), func(i int) bool { return list[i].Start.After(day) })
	for i := n - 1; i >= 0; i-- {
		if !list[i].End.Before(day) {
			return list[i].Supervisor
		}
	}
	return idx.latest[agentID].Supervisor
}

// MaxEnd returns the latest end date across all intervals.
func (idx *Index) MaxEnd() time.Time {
	if idx == nil {
		return time.Time{}
	}
	return idx.maxEnd
}

// Len returns the number of intervals.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return idx.size
}

// Intervals returns the intervals of one agent ordered by start.
func (idx *Index) Intervals(agentID string) []Interval {
	if idx == nil {
		return nil
	}
	return append([]Interval(nil), idx.byAgent[calls.NormalizeAgentID(agentID)]...)
}
