package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	areaCodeFile = "area_codes.csv"
	expungedFile = "expunged.csv"
)

// Reference holds the lookup tables used to enrich records.
type Reference struct {
	areas    map[string]string
	expunged map[string]struct{}
}

// NewReference builds reference tables from in-memory maps.
func NewReference(areas map[string]string, expunged []string) Reference {
	ref := Reference{areas: make(map[string]string, len(areas)), expunged: make(map[string]struct{}, len(expunged))}
	for code, loc := range areas {
		ref.areas[strings.TrimSpace(code)] = strings.TrimSpace(loc)
	}
	for _, origin := range expunged {
		ref.expunged[strings.TrimSpace(origin)] = struct{}{}
	}
	return ref
}

// Locality returns the locality of an area code.
func (r Reference) Locality(code string) string {
	if loc, ok := r.areas[code]; ok && loc != "" {
		return loc
	}
	return UnknownLocality
}

// IsExpunged reports whether origin is on the expunged list.
func (r Reference) IsExpunged(origin string) bool {
	_, ok := r.expunged[origin]
	return ok
}

// LoadReference reads area_codes.csv (area code, locality) and expunged.csv (one origin
// per row) from dir. Missing files yield empty tables and a warning.
func LoadReference(dir string) (Reference, []string, error) {
	var warnings []string
	areaRows, err := readCSV(filepath.Join(dir, areaCodeFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		warnings = append(warnings, fmt.Sprintf("%s not found, localities will be %q", areaCodeFile, UnknownLocality))
	case err != nil:
		return Reference{}, warnings, fmt.Errorf("read %s: %w", areaCodeFile, err)
	}
	expRows, err := readCSV(filepath.Join(dir, expungedFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		warnings = append(warnings, fmt.Sprintf("%s not found, no origin is expunged", expungedFile))
	case err != nil:
		return Reference{}, warnings, fmt.Errorf("read %s: %w", expungedFile, err)
	}

	areas := make(map[string]string)
	for i, row := range areaRows {
		if len(row) < 2 || (i == 0 && isHeader(row[0])) {
			continue
		}
		areas[row[0]] = row[1]
	}
	var expunged []string
	for i, row := range expRows {
		if len(row) == 0 || row[0] == "" || (i == 0 && isHeader(row[0])) {
			continue
		}
		expunged = append(expunged, row[0])
	}
	return NewReference(areas, expunged), warnings, nil
}

func isHeader(cell string) bool {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "ddd", "area_code", "origin", "origem":
		return true
	}
	return false
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, rec)
	}
}
