package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall_pipeline/internal/config"
	"recall_pipeline/internal/store"
)

func setup(t *testing.T, queue int, reg Registry) (*Runner, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cfg := config.Config{JobQueueSize: queue, JobTimeoutSec: 5}
	return NewRunner(cfg, st, reg), st
}

func noop(context.Context, ExecutionContext, map[string]any) error { return nil }

func TestIdempotentEnqueue(t *testing.T) {
	runner, _ := setup(t, 2, Registry{StageRunPipeline: noop})
	ctx := context.Background()

	j1, err := runner.Enqueue(ctx, StageRunPipeline, map[string]any{"start": "2025-03-01"})
	require.NoError(t, err)
	j2, err := runner.Enqueue(ctx, StageRunPipeline, map[string]any{"start": "2025-03-01"})
	require.NoError(t, err)
	assert.Equal(t, j1.ID, j2.ID)

	j3, err := runner.Enqueue(ctx, StageRunPipeline, map[string]any{"start": "2025-03-02"})
	require.NoError(t, err)
	assert.NotEqual(t, j1.ID, j3.ID)
}

func TestEnqueueUnknownStage(t *testing.T) {
	runner, _ := setup(t, 2, Registry{})
	_, err := runner.Enqueue(context.Background(), StageRebuildRoster, nil)
	assert.Error(t, err)
}

func TestQueueFull(t *testing.T) {
	runner, st := setup(t, 1, Registry{StageRunPipeline: noop})
	ctx := context.Background()

	_, err := runner.Enqueue(ctx, StageRunPipeline, map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = runner.Enqueue(ctx, StageRunPipeline, map[string]any{"n": 2})
	assert.ErrorIs(t, err, ErrQueueFull)

	jobs, err := st.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, StatusCancelled, jobs[0].Status)
}

func TestWorkerRunsJobs(t *testing.T) {
	var ran atomic.Int32
	reg := Registry{
		StageRunPipeline: func(ctx context.Context, exec ExecutionContext, params map[string]any) error {
			ran.Add(1)
			exec.Logf(exec.JobID, "pipeline ran")
			return nil
		},
		StageRebuildRoster: func(context.Context, ExecutionContext, map[string]any) error {
			return errors.New("roster dir missing")
		},
	}
	runner, st := setup(t, 4, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)
	defer runner.Stop()

	ok, err := runner.Enqueue(ctx, StageRunPipeline, nil)
	require.NoError(t, err)
	bad, err := runner.Enqueue(ctx, StageRebuildRoster, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := st.GetJob(ctx, bad.ID)
		return err == nil && j.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	j, err := st.GetJob(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, j.Status)
	assert.Equal(t, int32(1), ran.Load())
	assert.Len(t, runner.Logs(ok.ID), 1)

	failed, err := st.GetJob(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, "roster dir missing", failed.Error)
}
