package calls

import (
	"errors"
	"strings"
	"time"
)

// Unmapped is the supervisor assigned when no roster interval exists for an agent.
const Unmapped = "Unmapped"

// ErrNoData is returned to readers when no usable table version exists.
var ErrNoData = errors.New("no data available")

// RecurrenceType labels a recurrence by whether it shares its predecessor's motive.
type RecurrenceType string

const (
	WithReason    RecurrenceType = "WithReason"
	WithoutReason RecurrenceType = "WithoutReason"
	NotApplicable RecurrenceType = "NotApplicable"
)

// Record is one contact event after ingest normalization, plus derived fields.
type Record struct {
	Origin          string    `json:"origin"`
	ContactTime     time.Time `json:"contact_time"`
	ProtocolID      *string   `json:"protocol_id"`
	AgentID         string    `json:"agent_id"`
	AgentName       string    `json:"agent_name"`
	OperatorGroup   string    `json:"operator_group"`
	MotiveOriginal  string    `json:"motive_original"`
	MotiveCategory  string    `json:"motive_category"`
	HandlingSeconds float64   `json:"handling_seconds"`
	WaitSeconds     float64   `json:"wait_seconds"`
	TotalSeconds    float64   `json:"total_seconds"`
	Status          string    `json:"status"`
	AreaCode        string    `json:"area_code"`
	Locality        string    `json:"locality"`
	Expunged        bool      `json:"expunged"`

	Supervisor string `json:"supervisor"`
	Link       Link   `json:"link"`
	Week       string `json:"week"`
	Month      string `json:"month"`
}

// Link carries the recurrence attributes set by chain detection and classification.
type Link struct {
	IsRecurrence           bool           `json:"is_recurrence"`
	CausingCallTime        *time.Time     `json:"causing_call_time"`
	CausingProtocolID      *string        `json:"causing_protocol_id"`
	CausingAgentID         string         `json:"causing_agent_id"`
	CausingHandlingSeconds *float64       `json:"causing_handling_seconds"`
	Type                   RecurrenceType `json:"recurrence_type"`
}

// Date returns the calendar date of the contact as midnight UTC.
func (r Record) Date() time.Time {
	return DateOf(r.ContactTime)
}

// HasProtocol reports whether the record carries a protocol id.
func (r Record) HasProtocol() bool {
	return r.ProtocolID != nil
}

// Key returns the deduplication key of the record.
func (r Record) Key() Key {
	k := Key{Time: r.ContactTime.UnixNano(), Origin: r.Origin}
	if r.ProtocolID != nil {
		k.Protocol = *r.ProtocolID
		k.HasProtocol = true
	}
	return k
}

// Key identifies a contact: time, protocol and origin. A null protocol is its own value.
type Key struct {
	Time        int64
	Protocol    string
	HasProtocol bool
	Origin      string
}

// Version is an immutable snapshot of the enriched table.
type Version struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Records   []Record  `json:"-"`
}

// DateOf truncates t to its wall-clock date at midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// String returns a pointer to s.
func String(s string) *string { return &s }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// DateRange returns the min and max record dates; ok is false for an empty slice.
func DateRange(records []Record) (minDate, maxDate time.Time, ok bool) {
	for i, r := range records {
		d := r.Date()
		if i == 0 || d.Before(minDate) {
			minDate = d
		}
		if i == 0 || d.After(maxDate) {
			maxDate = d
		}
	}
	return minDate, maxDate, len(records) > 0
}

// NormalizeAgentID trims whitespace and a trailing ".0" left by numeric exports.
func NormalizeAgentID(id string) string {
	return strings.TrimSuffix(strings.TrimSpace(id), ".0")
}
