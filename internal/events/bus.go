package events

import (
	"sync"
	"time"
)

// VersionPublished is emitted after a pipeline run switches the current table version.
type VersionPublished struct {
	VersionID string    `json:"version_id"`
	Records   int       `json:"records"`
	At        time.Time `json:"at"`
}

// RosterRebuilt is emitted after the interval table is rebuilt outside a pipeline run.
type RosterRebuilt struct {
	Intervals int       `json:"intervals"`
	At        time.Time `json:"at"`
}

// RunFailed is emitted when a pipeline run ends in error.
type RunFailed struct {
	RunID string    `json:"run_id"`
	Err   string    `json:"error"`
	At    time.Time `json:"at"`
}

// Bus provides in-process pub/sub. Slow subscribers miss events rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs []chan any
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe() <-chan any {
	ch := make(chan any, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(ev any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
