package roster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	"recall_pipeline/internal/calls"
)

// ErrNoSnapshots is returned when the roster directory holds no usable snapshot.
var ErrNoSnapshots = errors.New("no roster snapshots")

// Snapshot is one monthly roster listing.
type Snapshot struct {
	Month  time.Time
	Rows   []SnapshotRow
	Source string
}

// SnapshotRow assigns an agent to a supervisor for the snapshot month.
type SnapshotRow struct {
	AgentID    string `yaml:"agent_id"`
	Supervisor string `yaml:"supervisor"`
}

type yamlSnapshot struct {
	Month string        `yaml:"month"`
	Rows  []SnapshotRow `yaml:"rows"`
}

var monthAbbrev = map[string]time.Month{
	"jan": time.January, "fev": time.February, "mar": time.March, "abr": time.April,
	"mai": time.May, "jun": time.June, "jul": time.July, "ago": time.August,
	"set": time.September, "out": time.October, "nov": time.November, "dez": time.December,
}

var (
	abbrevPattern = regexp.MustCompile(`\((\p{L}{3})\)`)
	yearPattern   = regexp.MustCompile(`(\d{4})`)
	isoPattern    = regexp.MustCompile(`(\d{4})-(\d{2})`)
)

// foldName case-folds a header or month token. Casers are stateful, so one is built per call.
func foldName(s string) string {
	return cases.Fold().String(s)
}

// IsSnapshotFile reports whether path has a roster snapshot extension.
func IsSnapshotFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".yaml", ".yml":
		return true
	}
	return false
}

// MonthFromName extracts the snapshot month from a file name such as
// "MOP (mar) 2025.csv" or "roster-2025-03.yaml".
func MonthFromName(name string) (time.Time, bool) {
	base := filepath.Base(name)
	if m := isoPattern.FindStringSubmatch(base); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month >= 1 && month <= 12 {
			return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), true
		}
	}
	abbr := abbrevPattern.FindStringSubmatch(base)
	year := yearPattern.FindStringSubmatch(base)
	if abbr == nil || year == nil {
		return time.Time{}, false
	}
	month, ok := monthAbbrev[foldName(abbr[1])]
	if !ok {
		return time.Time{}, false
	}
	y, _ := strconv.Atoi(year[1])
	return time.Date(y, month, 1, 0, 0, 0, 0, time.UTC), true
}

// LoadSnapshots reads every snapshot file in dir, ordered by month then file name.
// Files that cannot be parsed or dated are skipped and reported as warnings.
func LoadSnapshots(dir string) ([]Snapshot, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read roster dir: %w", err)
	}
	var (
		snaps    []Snapshot
		warnings []string
	)
	for _, e := range entries {
		if e.IsDir() || !IsSnapshotFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		snap, err := loadSnapshot(path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}
		snaps = append(snaps, snap)
	}
	if len(snaps) == 0 {
		return nil, warnings, ErrNoSnapshots
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		if !snaps[i].Month.Equal(snaps[j].Month) {
			return snaps[i].Month.Before(snaps[j].Month)
		}
		return snaps[i].Source < snaps[j].Source
	})
	return snaps, warnings, nil
}

func loadSnapshot(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, err
	}
	defer f.Close()

	var snap Snapshot
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		snap, err = parseYAML(f)
	default:
		snap, err = parseCSV(f)
	}
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Month.IsZero() {
		month, ok := MonthFromName(path)
		if !ok {
			return Snapshot{}, errors.New("cannot determine snapshot month")
		}
		snap.Month = month
	}
	snap.Source = filepath.Base(path)
	return snap, nil
}

func parseYAML(r io.Reader) (Snapshot, error) {
	var raw yamlSnapshot
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if strings.TrimSpace(raw.Month) != "" {
		month, err := time.Parse("2006-01", strings.TrimSpace(raw.Month))
		if err != nil {
			return Snapshot{}, fmt.Errorf("invalid month %q: %w", raw.Month, err)
		}
		snap.Month = month
	}
	for _, row := range raw.Rows {
		if clean, ok := cleanRow(row.AgentID, row.Supervisor); ok {
			snap.Rows = append(snap.Rows, clean)
		}
	}
	return snap, nil
}

// parseCSV expects an agent column named "l5" or "agent_id" and any column whose
// name contains "supervisor".
func parseCSV(r io.Reader) (Snapshot, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read header: %w", err)
	}
	agentCol, supCol := -1, -1
	for i, name := range header {
		n := foldName(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		switch {
		case n == "l5" || n == "agent_id":
			agentCol = i
		case supCol < 0 && strings.Contains(n, "supervisor"):
			supCol = i
		}
	}
	if agentCol < 0 || supCol < 0 {
		return Snapshot{}, errors.New("missing agent or supervisor column")
	}

	var snap Snapshot
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Snapshot{}, err
		}
		if agentCol >= len(rec) || supCol >= len(rec) {
			continue
		}
		if clean, ok := cleanRow(rec[agentCol], rec[supCol]); ok {
			snap.Rows = append(snap.Rows, clean)
		}
	}
	return snap, nil
}

func cleanRow(agentID, supervisor string) (SnapshotRow, bool) {
	agentID = calls.NormalizeAgentID(agentID)
	supervisor = strings.TrimSpace(supervisor)
	if isPlaceholder(agentID) || isPlaceholder(supervisor) {
		return SnapshotRow{}, false
	}
	return SnapshotRow{AgentID: agentID, Supervisor: supervisor}, true
}

func isPlaceholder(v string) bool {
	switch strings.ToLower(v) {
	case "", "nan", "-", "none", "null":
		return true
	}
	return false
}
