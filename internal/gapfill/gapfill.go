package gapfill

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"recall_pipeline/internal/calls"
	"recall_pipeline/internal/logger"
)

// Summary captures gap-fill execution metrics.
type Summary struct {
	ExpectedDays int `json:"expected_days"`
	PresentDays  int `json:"present_days"`
	Missing      int `json:"missing"`
	Selected     int `json:"selected"`
	Filled       int `json:"filled"`
	Failed       int `json:"failed"`
	RecordsAdded int `json:"records_added"`
}

// FetchFunc extracts and normalizes the records of a single day.
type FetchFunc func(ctx context.Context, day time.Time) ([]calls.Record, error)

// MissingDates returns up to limit dates, earliest first, that have no records between the
// first record date and the earlier of the last record date and yesterday.
func MissingDates(records []calls.Record, today time.Time, limit int) ([]time.Time, Summary) {
	var summary Summary
	minDate, maxDate, ok := calls.DateRange(records)
	if !ok {
		return nil, summary
	}
	if yesterday := calls.DateOf(today).AddDate(0, 0, -1); yesterday.Before(maxDate) {
		maxDate = yesterday
	}
	if maxDate.Before(minDate) {
		return nil, summary
	}

	present := make(map[time.Time]struct{})
	for _, r := range records {
		present[r.Date()] = struct{}{}
	}
	var missing []time.Time
	for d := minDate; !d.After(maxDate); d = d.AddDate(0, 0, 1) {
		summary.ExpectedDays++
		if _, ok := present[d]; ok {
			summary.PresentDays++
			continue
		}
		missing = append(missing, d)
	}
	summary.Missing = len(missing)
	if limit >= 0 && limit < len(missing) {
		missing = missing[:limit]
	}
	summary.Selected = len(missing)
	return missing, summary
}

// workers bounds how many missing dates are fetched at once.
const workers = 4

// Fill fetches the missing dates on a bounded pool and appends what it finds to records in
// date order. A failing date is logged and skipped.
func Fill(ctx context.Context, records []calls.Record, today time.Time, limit int, fetch FetchFunc) ([]calls.Record, Summary, error) {
	missing, summary := MissingDates(records, today, limit)
	if summary.Missing > summary.Selected {
		logger.Warn("too many missing dates, filling the earliest only",
			zap.Int("missing", summary.Missing), zap.Int("limit", limit))
	}
	if len(missing) == 0 {
		return records, summary, nil
	}

	pool := pond.NewResultPool[[]calls.Record](workers, pond.WithContext(ctx))
	defer pool.StopAndWait()
	tasks := make([]pond.Result[[]calls.Record], len(missing))
	for i, day := range missing {
		day := day // per-iteration copy; module targets go 1.21 loop semantics
		tasks[i] = pool.SubmitErr(func() ([]calls.Record, error) {
			return fetch(ctx, day)
		})
	}
	for i, task := range tasks {
		found, err := task.Wait()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return records, summary, ctxErr
		}
		if err != nil {
			summary.Failed++
			logger.Warn("gap fill failed for day", zap.String("day", missing[i].Format("2006-01-02")), zap.Error(err))
			continue
		}
		if len(found) > 0 {
			summary.Filled++
			summary.RecordsAdded += len(found)
			records = append(records, found...)
		}
	}
	logger.Info("gap fill summary",
		zap.Int("expected_days", summary.ExpectedDays),
		zap.Int("missing", summary.Missing),
		zap.Int("selected", summary.Selected),
		zap.Int("filled", summary.Filled),
		zap.Int("records_added", summary.RecordsAdded))
	return records, summary, nil
}

// PlanWindow picks the extraction window for a run with no explicit dates.
// Without history it covers January 1st of the current year to yesterday. Otherwise it
// covers the leading gap before the first stored date, then the trailing gap after the
// last one, and falls back to yesterday alone.
func PlanWindow(history []calls.Record, today time.Time) (time.Time, time.Time) {
	today = calls.DateOf(today)
	yesterday := today.AddDate(0, 0, -1)
	yearStart := time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)

	first, last, ok := calls.DateRange(history)
	switch {
	case !ok:
		if yearStart.After(yesterday) {
			return yesterday, yesterday
		}
		return yearStart, yesterday
	case first.After(yearStart):
		return yearStart, first.AddDate(0, 0, -1)
	case last.Before(yesterday):
		return last.AddDate(0, 0, 1), yesterday
	default:
		return yesterday, yesterday
	}
}
