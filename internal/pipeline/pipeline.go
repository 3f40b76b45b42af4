package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"recall_pipeline/internal/calls"
	"recall_pipeline/internal/config"
	"recall_pipeline/internal/dedup"
	"recall_pipeline/internal/events"
	"recall_pipeline/internal/gapfill"
	"recall_pipeline/internal/ingest"
	"recall_pipeline/internal/logger"
	"recall_pipeline/internal/metrics"
	"recall_pipeline/internal/recurrence"
	"recall_pipeline/internal/roster"
	"recall_pipeline/internal/source"
	"recall_pipeline/internal/store"
)

const dayLayout = "2006-01-02"

// Diagnostic is a non-fatal degradation recorded on the run.
type Diagnostic struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Options selects the extraction window and who asked for the run. A nil bound is
// planned from the stored history.
type Options struct {
	Start       *time.Time
	End         *time.Time
	Trigger     string
	ForceRoster bool
}

// Result summarises a finished run.
type Result struct {
	RunID       string         `json:"run_id"`
	VersionID   string         `json:"version_id,omitempty"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	Counts      map[string]int `json:"counts"`
	Diagnostics []Diagnostic   `json:"diagnostics"`
}

// Pipeline rebuilds the enriched table: extract, normalize, merge with history, dedup,
// fill gaps, attribute supervisors, link recurrences and publish a new version.
type Pipeline struct {
	cfg    config.Config
	store  *store.Store
	src    source.Extractor
	roster *roster.Manager
	bus    *events.Bus
	now    func() time.Time
}

// New wires a pipeline over st and src. bus may be nil.
func New(cfg config.Config, st *store.Store, src source.Extractor, bus *events.Bus) *Pipeline {
	policy := roster.Policy{
		MaxLagDays:        cfg.Roster.MaxLagDays,
		UnmappedThreshold: cfg.Roster.UnmappedThreshold,
		LookbackDays:      cfg.Roster.LookbackDays,
	}
	return &Pipeline{
		cfg:    cfg,
		store:  st,
		src:    src,
		roster: roster.NewManager(cfg.RosterDir, policy, st),
		bus:    bus,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// run collects counts and diagnostics; gap-fill fetches update it concurrently.
type run struct {
	mu     sync.Mutex
	counts map[string]int
	diags  []Diagnostic
}

func (r *run) diag(kind, format string, args ...any) {
	r.mu.Lock()
	r.diags = append(r.diags, Diagnostic{Kind: kind, Message: fmt.Sprintf(format, args...)})
	r.mu.Unlock()
}

func (r *run) add(key string, n int) {
	r.mu.Lock()
	r.counts[key] += n
	r.mu.Unlock()
}

// Run executes one batch under the run lock. A failed run persists nothing but its history
// row; the current version stays as it was.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Result, error) {
	owner, err := p.store.AcquireRunLock(ctx, store.PipelineLock, p.cfg.RunLockTTL)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := p.store.ReleaseRunLock(context.WithoutCancel(ctx), store.PipelineLock, owner); err != nil {
			logger.Error(err, zap.String("op", "release run lock"))
		}
	}()

	started := time.Now()
	rec := &store.Run{ID: uuid.NewString(), Trigger: opts.Trigger}
	if err := p.store.StartRun(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("start run: %w", err)
	}
	log := logger.With(zap.String("run", rec.ID), zap.String("trigger", opts.Trigger))
	log.Info("pipeline run started")

	res, runErr := p.execute(ctx, log, opts)
	res.RunID = rec.ID

	rec.Status = store.RunSucceeded
	if runErr != nil {
		rec.Status = store.RunFailed
		rec.Error = runErr.Error()
	}
	if !res.WindowStart.IsZero() {
		rec.WindowStart, rec.WindowEnd = res.WindowStart.Format(dayLayout), res.WindowEnd.Format(dayLayout)
	}
	rec.VersionID = res.VersionID
	rec.Counts = res.Counts
	if rec.Diagnostics, err = json.Marshal(res.Diagnostics); err != nil {
		return res, err
	}
	if ferr := p.store.FinishRun(context.WithoutCancel(ctx), rec); ferr != nil {
		log.Error("record run", zap.Error(ferr))
	}

	metrics.RunsTotal.WithLabelValues(rec.Status).Inc()
	metrics.RunDurationSeconds.Observe(time.Since(started).Seconds())
	if rec.Status == store.RunFailed {
		log.Error("pipeline run failed", zap.String("error", rec.Error))
		p.bus.Publish(events.RunFailed{RunID: rec.ID, Err: rec.Error, At: p.now()})
		return res, runErr
	}
	log.Info("pipeline run finished",
		zap.String("version", res.VersionID),
		zap.Int("records", res.Counts["records"]),
		zap.Int("recurrences", res.Counts["recurrences"]),
		zap.Int("diagnostics", len(res.Diagnostics)),
		zap.Duration("took", time.Since(started)))
	return res, nil
}

func (p *Pipeline) execute(ctx context.Context, log *zap.Logger, opts Options) (Result, error) {
	r := &run{counts: make(map[string]int)}
	res := Result{Counts: r.counts}
	finish := func(err error) (Result, error) {
		res.Diagnostics = append([]Diagnostic{}, r.diags...)
		return res, err
	}

	var history []calls.Record
	current, err := p.store.CurrentVersion(ctx)
	switch {
	case errors.Is(err, calls.ErrNoData):
	case err != nil:
		return finish(fmt.Errorf("load current version: %w", err))
	default:
		history = current.Records
	}
	r.counts["history"] = len(history)

	today := p.now()
	res.WindowStart, res.WindowEnd = p.window(history, today, opts)
	log.Info("extraction window",
		zap.String("start", res.WindowStart.Format(dayLayout)),
		zap.String("end", res.WindowEnd.Format(dayLayout)))

	ref, warnings, err := ingest.LoadReference(p.cfg.ReferenceDir)
	if err != nil {
		return finish(fmt.Errorf("load reference: %w", err))
	}
	for _, w := range warnings {
		r.diag("reference", "%s", w)
	}
	normalizer := ingest.NewNormalizer(p.cfg.Ingest, ref)

	fresh, err := p.extract(ctx, normalizer, res.WindowStart, res.WindowEnd, r)
	if err != nil {
		return finish(err)
	}

	merged := make([]calls.Record, 0, len(history)+len(fresh))
	merged = append(merged, history...)
	merged = append(merged, fresh...)
	merged, st := dedup.Records(merged)
	r.counts["dedup_removed"] = st.Removed
	metrics.DuplicatesRemoved.Add(float64(st.Removed))
	log.Info("dedup", zap.Int("before", st.Before), zap.Int("after", st.After), zap.Int("removed", st.Removed))

	fetch := func(ctx context.Context, day time.Time) ([]calls.Record, error) {
		return p.extract(ctx, normalizer, day, day, r)
	}
	merged, gaps, err := gapfill.Fill(ctx, merged, today, p.cfg.GapFill.MaxGaps, fetch)
	if err != nil {
		return finish(fmt.Errorf("gap fill: %w", err))
	}
	r.counts["gap_days_missing"] = gaps.Missing
	r.counts["gap_days_filled"] = gaps.Filled
	r.counts["gap_records"] = gaps.RecordsAdded
	metrics.GapDaysFilled.Add(float64(gaps.Filled))
	if gaps.Missing > gaps.Selected {
		r.diag("gapfill", "%d missing days, only the earliest %d were fetched", gaps.Missing, gaps.Selected)
	}
	if gaps.Failed > 0 {
		r.diag("gapfill", "%d missing days could not be fetched", gaps.Failed)
	}
	if gaps.RecordsAdded > 0 {
		merged, st = dedup.Records(merged)
		r.counts["dedup_removed"] += st.Removed
		metrics.DuplicatesRemoved.Add(float64(st.Removed))
	}

	if len(merged) == 0 {
		r.diag("ingest", "no records in history or extraction window, nothing published")
		return finish(nil)
	}

	idx, outcome, err := p.roster.Prepare(ctx, merged, opts.ForceRoster)
	if err != nil {
		return finish(fmt.Errorf("prepare roster: %w", err))
	}
	p.noteRoster(outcome, r)

	week := calls.WeekCalendar{Anchor: p.cfg.Report.WeekAnchor, AnchorNumber: p.cfg.Report.WeekAnchorNumber}
	unmapped := 0
	for i := range merged {
		rec := &merged[i]
		rec.Supervisor = idx.Resolve(rec.AgentID, rec.Date())
		if rec.Supervisor == calls.Unmapped {
			unmapped++
		}
		rec.Week = week.Label(rec.ContactTime)
		rec.Month = calls.MonthLabel(rec.ContactTime)
	}
	r.counts["unmapped_records"] = unmapped

	linked, rst := recurrence.Link(merged, p.cfg.Recurrence.Window())
	r.counts["records"] = rst.Records
	r.counts["recurrences"] = rst.Recurrences
	r.counts["with_reason"] = rst.WithReason
	r.counts["without_reason"] = rst.WithoutReason
	log.Info("recurrences linked",
		zap.Int("records", rst.Records),
		zap.Int("recurrences", rst.Recurrences),
		zap.Int("with_reason", rst.WithReason),
		zap.Int("without_reason", rst.WithoutReason),
		zap.Int("unmapped", unmapped))

	v, err := p.store.SaveVersion(ctx, linked, p.cfg.VersionsRetained)
	if err != nil {
		return finish(fmt.Errorf("save version: %w", err))
	}
	res.VersionID = v.ID
	metrics.TableRecords.Set(float64(rst.Records))
	metrics.TableRecurrences.WithLabelValues(string(calls.WithReason)).Set(float64(rst.WithReason))
	metrics.TableRecurrences.WithLabelValues(string(calls.WithoutReason)).Set(float64(rst.WithoutReason))
	p.bus.Publish(events.VersionPublished{VersionID: v.ID, Records: len(linked), At: v.CreatedAt})
	return finish(nil)
}

// window resolves the extraction window; missing bounds come from the planned window.
func (p *Pipeline) window(history []calls.Record, today time.Time, opts Options) (time.Time, time.Time) {
	start, end := gapfill.PlanWindow(history, today)
	if opts.Start != nil {
		start = calls.DateOf(*opts.Start)
		if opts.End == nil && end.Before(start) {
			end = start
		}
	}
	if opts.End != nil {
		end = calls.DateOf(*opts.End)
		if opts.Start == nil && start.After(end) {
			start = end
		}
	}
	return start, end
}

func (p *Pipeline) extract(ctx context.Context, n *ingest.Normalizer, start, end time.Time, r *run) ([]calls.Record, error) {
	raw, err := p.src.Extract(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("extract %s..%s: %w", start.Format(dayLayout), end.Format(dayLayout), err)
	}
	recs, st, err := n.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize %s..%s: %w", start.Format(dayLayout), end.Format(dayLayout), err)
	}
	r.add("raw_rows", st.Input)
	r.add("filtered_rows", st.Filtered)
	r.add("dropped_rows", st.Dropped)
	r.add("extracted", st.Output)
	metrics.RowsDropped.WithLabelValues("filtered").Add(float64(st.Filtered))
	metrics.RowsDropped.WithLabelValues("malformed").Add(float64(st.Dropped))
	if st.Dropped > 0 {
		r.diag("ingest", "%d malformed rows dropped for %s..%s", st.Dropped, start.Format(dayLayout), end.Format(dayLayout))
	}
	return recs, nil
}

func (p *Pipeline) noteRoster(out roster.Outcome, r *run) {
	r.counts["intervals"] = out.Intervals
	metrics.UnmappedRatio.Set(out.Verdict.UnmappedRatio)
	for _, d := range out.Diagnostics {
		r.diag("roster", "%s", d)
	}
	switch {
	case out.Rebuilt:
		metrics.RosterRebuilds.WithLabelValues("rebuilt").Inc()
	case out.Reason != "":
		metrics.RosterRebuilds.WithLabelValues("failed").Inc()
	}
	if out.Verdict.Stale {
		r.diag("roster", "interval table stale: %s", out.Verdict.Reason)
	}
}

// RebuildRoster forces an interval rebuild against the current table version.
func (p *Pipeline) RebuildRoster(ctx context.Context) (roster.Outcome, error) {
	var records []calls.Record
	current, err := p.store.CurrentVersion(ctx)
	switch {
	case errors.Is(err, calls.ErrNoData):
	case err != nil:
		return roster.Outcome{}, err
	default:
		records = current.Records
	}
	_, out, err := p.roster.Prepare(ctx, records, true)
	if err != nil {
		return out, err
	}
	r := &run{counts: make(map[string]int)}
	p.noteRoster(out, r)
	if !out.Rebuilt {
		return out, fmt.Errorf("roster rebuild failed: %v", out.Diagnostics)
	}
	p.bus.Publish(events.RosterRebuilt{Intervals: out.Intervals, At: p.now()})
	return out, nil
}
