package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"recall_pipeline/internal/calls"
	"recall_pipeline/internal/config"
	"recall_pipeline/internal/logger"
)

// ErrMissingColumn is returned when a required column is absent from every row of a batch.
var ErrMissingColumn = errors.New("required column missing")

const (
	// UnidentifiedGroup labels rows whose operator group matches no mapping.
	UnidentifiedGroup = "Unidentified"
	// UnknownLocality labels area codes absent from the reference table.
	UnknownLocality = "Not identified"
)

// RawRow is one record as delivered by the extraction source, keyed by API field name.
type RawRow map[string]any

// column names after lower-casing, mapped to their normalized meaning
const (
	colDate     = "date"
	colProtocol = "protocol"
	colOrigin   = "origin"
	colGroup    = "callcentergroup"
	colMotive   = "identification"
	colAgent    = "agent"
	colName     = "nameagent"
	colWait     = "waitingtime"
	colService  = "servicetime"
	colCall     = "calltime"
	colStatus   = "status"
)

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02",
}

// Stats counts rows through normalization.
type Stats struct {
	Input    int
	Filtered int
	Dropped  int
	Output   int
}

// Normalizer turns raw rows into call records.
type Normalizer struct {
	cfg      config.IngestConfig
	ref      Reference
	valid    map[string]struct{}
	excluded map[string]struct{}
	prefixes []string
}

// NewNormalizer builds a normalizer from the ingest mappings and reference tables.
func NewNormalizer(cfg config.IngestConfig, ref Reference) *Normalizer {
	n := &Normalizer{cfg: cfg, ref: ref, valid: set(cfg.ValidGroups), excluded: set(cfg.ExcludedQueues)}
	for prefix := range cfg.GroupPrefixes {
		if strings.HasSuffix(prefix, "_") {
			n.prefixes = append(n.prefixes, prefix)
		}
	}
	// longest prefix first so "OpA_Pre_" wins over "OpA_"
	sort.Slice(n.prefixes, func(i, j int) bool {
		if len(n.prefixes[i]) != len(n.prefixes[j]) {
			return len(n.prefixes[i]) > len(n.prefixes[j])
		}
		return n.prefixes[i] < n.prefixes[j]
	})
	return n
}

func set(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[strings.TrimSpace(v)] = struct{}{}
	}
	return out
}

// Normalize converts rows, dropping those without a parseable contact time or origin and
// filtering out operator groups that are not served. An empty batch is not an error.
func (n *Normalizer) Normalize(rows []RawRow) ([]calls.Record, Stats, error) {
	st := Stats{Input: len(rows)}
	if len(rows) == 0 {
		return nil, st, nil
	}
	lowered := make([]map[string]any, len(rows))
	for i, row := range rows {
		lowered[i] = lowerKeys(row)
	}
	for _, col := range []string{colDate, colOrigin} {
		if !anyHas(lowered, col) {
			return nil, st, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	out := make([]calls.Record, 0, len(rows))
	for _, row := range lowered {
		rawGroup := text(row[colGroup])
		motive := text(row[colMotive])
		if n.filtered(rawGroup, motive) {
			st.Filtered++
			continue
		}
		when, ok := parseTime(row[colDate])
		origin := text(row[colOrigin])
		if !ok || origin == "" {
			st.Dropped++
			continue
		}
		if rawGroup == "" {
			st.Filtered++
			continue
		}
		group, motive := n.resolveGroup(rawGroup, motive)

		rec := calls.Record{
			Origin:          origin,
			ContactTime:     when,
			ProtocolID:      nullable(row[colProtocol]),
			AgentID:         calls.NormalizeAgentID(text(row[colAgent])),
			AgentName:       text(row[colName]),
			OperatorGroup:   group,
			MotiveOriginal:  motive,
			MotiveCategory:  n.category(motive),
			WaitSeconds:     parseDuration(row[colWait]),
			HandlingSeconds: parseDuration(row[colService]),
			TotalSeconds:    parseDuration(row[colCall]),
			Status:          text(row[colStatus]),
			AreaCode:        areaCode(origin),
			Expunged:        n.ref.IsExpunged(origin),
		}
		rec.Locality = n.ref.Locality(rec.AreaCode)
		out = append(out, rec)
	}
	st.Output = len(out)
	logger.Debug("ingest normalized",
		zap.Int("input", st.Input),
		zap.Int("filtered", st.Filtered),
		zap.Int("dropped", st.Dropped),
		zap.Int("output", st.Output))
	return out, st, nil
}

// filtered applies the allowed-group list and the excluded queues. Excluded queues match
// the group exactly and the motive by prefix.
func (n *Normalizer) filtered(group, motive string) bool {
	if len(n.valid) > 0 {
		if _, ok := n.valid[group]; !ok {
			return true
		}
	}
	if _, ok := n.excluded[group]; ok {
		return true
	}
	for q := range n.excluded {
		if q != "" && strings.HasPrefix(motive, q) {
			return true
		}
	}
	return false
}

// resolveGroup maps a raw group through the prefix table. A prefix ending in "_" matches
// by prefix and the remainder becomes the motive when the row has none.
func (n *Normalizer) resolveGroup(group, motive string) (string, string) {
	if mapped, ok := n.cfg.GroupPrefixes[group]; ok {
		return mapped, motive
	}
	if _, ok := n.valid[group]; ok {
		return group, motive
	}
	for _, prefix := range n.prefixes {
		if strings.HasPrefix(group, prefix) {
			if motive == "" || motive == "-" {
				motive = strings.TrimPrefix(group, prefix)
			}
			return n.cfg.GroupPrefixes[prefix], motive
		}
	}
	if motive != "" {
		if mapped, ok := n.cfg.GroupPrefixes[motive]; ok {
			return mapped, motive
		}
		for _, prefix := range n.prefixes {
			if strings.HasPrefix(motive, prefix) {
				return n.cfg.GroupPrefixes[prefix], motive
			}
		}
	}
	return UnidentifiedGroup, motive
}

func (n *Normalizer) category(motive string) string {
	if mapped, ok := n.cfg.Motives[motive]; ok {
		return mapped
	}
	return motive
}

func lowerKeys(row RawRow) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func anyHas(rows []map[string]any, col string) bool {
	for _, r := range rows {
		if _, ok := r[col]; ok {
			return true
		}
	}
	return false
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func nullable(v any) *string {
	s := text(v)
	switch strings.ToLower(s) {
	case "", "nan", "none", "null":
		return nil
	}
	return &s
}

// parseTime reads a timestamp as naive wall-clock time; any offset is discarded.
func parseTime(v any) (time.Time, bool) {
	s := text(v)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), true
		}
	}
	return time.Time{}, false
}

// parseDuration accepts "HH:MM:SS", "MM:SS" or a number of seconds. Anything else is 0.
func parseDuration(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	s := text(v)
	if s == "" {
		return 0
	}
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return 0
		}
		total := 0
		for _, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return 0
			}
			total = total*60 + n
		}
		return float64(total)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func areaCode(origin string) string {
	if len(origin) < 2 {
		return origin
	}
	return origin[:2]
}
