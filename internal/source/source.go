package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"recall_pipeline/internal/ingest"
	"recall_pipeline/internal/logger"
)

const dayLayout = "2006-01-02"

// Extractor delivers raw rows for an inclusive date range.
type Extractor interface {
	Extract(ctx context.Context, start, end time.Time) ([]ingest.RawRow, error)
}

// DirSource reads one JSON file per day, named YYYY-MM-DD.json, from a directory.
// Each file holds either an array of rows or an object with a "result" array.
type DirSource struct {
	dir string
}

// NewDirSource returns an extractor over dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

type envelope struct {
	Result []ingest.RawRow `json:"result"`
	Data   *struct {
		Result []ingest.RawRow `json:"result"`
	} `json:"data"`
}

// Extract concatenates the rows of every day in [start, end]. Missing days are empty.
func (s *DirSource) Extract(ctx context.Context, start, end time.Time) ([]ingest.RawRow, error) {
	var rows []ingest.RawRow
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(s.dir, d.Format(dayLayout)+".json")
		day, err := readDay(path)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("no raw file for day", zap.String("day", d.Format(dayLayout)))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", d.Format(dayLayout), err)
		}
		rows = append(rows, day...)
	}
	return rows, nil
}

func readDay(path string) ([]ingest.RawRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var rows []ingest.RawRow
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Data != nil && len(env.Data.Result) > 0 {
		return env.Data.Result, nil
	}
	return env.Result, nil
}
