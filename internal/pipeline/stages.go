package pipeline

import (
	"context"
	"fmt"
	"time"

	"recall_pipeline/internal/jobs"
)

// BuildRegistry exposes the pipeline run and the roster rebuild as jobs.
func BuildRegistry(p *Pipeline) jobs.Registry {
	return jobs.Registry{
		jobs.StageRunPipeline:   runStage(p),
		jobs.StageRebuildRoster: rosterStage(p),
	}
}

func runStage(p *Pipeline) jobs.StageFunc {
	return func(ctx context.Context, exec jobs.ExecutionContext, params map[string]any) error {
		start, err := paramsDate(params, "start_date")
		if err != nil {
			return err
		}
		end, err := paramsDate(params, "end_date")
		if err != nil {
			return err
		}
		trigger := paramsString(params, "trigger")
		if trigger == "" {
			trigger = "job"
		}
		res, err := p.Run(ctx, Options{Start: start, End: end, Trigger: trigger, ForceRoster: paramsBool(params, "force_roster")})
		if err != nil {
			return err
		}
		exec.Logf(exec.JobID, fmt.Sprintf("run %s published %s with %d records", res.RunID, res.VersionID, res.Counts["records"]))
		for _, d := range res.Diagnostics {
			exec.Logf(exec.JobID, d.Kind+": "+d.Message)
		}
		return nil
	}
}

func rosterStage(p *Pipeline) jobs.StageFunc {
	return func(ctx context.Context, exec jobs.ExecutionContext, params map[string]any) error {
		out, err := p.RebuildRoster(ctx)
		if err != nil {
			return err
		}
		exec.Logf(exec.JobID, fmt.Sprintf("roster rebuilt with %d intervals", out.Intervals))
		return nil
	}
}

func paramsDate(m map[string]any, key string) (*time.Time, error) {
	raw := paramsString(m, key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dayLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return &t, nil
}

func paramsString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func paramsBool(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}
