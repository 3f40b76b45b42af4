package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"recall_pipeline/internal/config"
	"recall_pipeline/internal/logger"
	"recall_pipeline/internal/metrics"
	"recall_pipeline/internal/store"
)

// Status values for jobs.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Stage names a kind of job.
type Stage string

const (
	StageRunPipeline   Stage = "RUN_PIPELINE"
	StageRebuildRoster Stage = "REBUILD_ROSTER"
)

// ExecutionContext bundles dependencies for stage execution.
type ExecutionContext struct {
	Cfg   config.Config
	Store *store.Store
	JobID int64
	Logf  func(jobID int64, msg string)
}

// StageFunc runs one job.
type StageFunc func(ctx context.Context, exec ExecutionContext, params map[string]any) error

// Registry maps stages to implementations.
type Registry map[Stage]StageFunc

// ErrQueueFull is returned when the in-memory queue cannot take another job.
var ErrQueueFull = errors.New("queue full")

// Runner executes jobs one at a time, so pipeline runs and roster rebuilds never overlap.
type Runner struct {
	cfg       config.Config
	store     *store.Store
	reg       Registry
	queue     chan *store.Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	logMu     sync.Mutex
	logBuffer map[int64][]string
}

// NewRunner constructs a runner.
func NewRunner(cfg config.Config, st *store.Store, reg Registry) *Runner {
	size := cfg.JobQueueSize
	if size <= 0 {
		size = 1
	}
	return &Runner{
		cfg:       cfg,
		store:     st,
		reg:       reg,
		queue:     make(chan *store.Job, size),
		logBuffer: make(map[int64][]string),
	}
}

// Start cancels jobs a previous process left behind and starts the worker.
func (r *Runner) Start(ctx context.Context) {
	if n, err := r.store.CancelActiveJobs(ctx, config.Now()); err != nil {
		logger.Error(err, zap.String("op", "cancel stale jobs"))
	} else if n > 0 {
		logger.Warn("cancelled jobs left by previous process", zap.Int64("jobs", n))
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.worker(ctx)
}

// Stop waits for the worker to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Enqueue inserts a job respecting idempotency: an equivalent queued or running job is
// returned instead of a new one.
func (r *Runner) Enqueue(ctx context.Context, stage Stage, params map[string]any) (*store.Job, error) {
	if _, ok := r.reg[stage]; !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	now := config.Now()
	job := &store.Job{
		Stage:          string(stage),
		Status:         StatusQueued,
		ParamsJSON:     string(payload),
		IdempotencyKey: idempotencyKey(stage, payload),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	j, err := r.store.InsertJobIdempotent(ctx, job)
	if errors.Is(err, store.ErrConflict) {
		return j, nil
	}
	if err != nil {
		return nil, err
	}
	select {
	case r.queue <- j:
		logger.Info("job queued", zap.Int64("job", j.ID), zap.String("stage", j.Stage))
		return j, nil
	default:
		_ = r.store.MarkJobFinished(ctx, j.ID, StatusCancelled, ErrQueueFull.Error(), config.Now())
		return nil, ErrQueueFull
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.queue:
			r.execute(ctx, job)
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *store.Job) {
	stage := Stage(job.Stage)
	log := logger.With(zap.Int64("job", job.ID), zap.String("stage", job.Stage))
	fn, ok := r.reg[stage]
	if !ok {
		r.finish(ctx, job, StatusFailed, "no handler for stage")
		return
	}
	_ = r.store.MarkJobStarted(ctx, job.ID, config.Now())
	log.Info("job started")

	timeout := time.Duration(r.cfg.JobTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exec := ExecutionContext{Cfg: r.cfg, Store: r.store, JobID: job.ID, Logf: r.appendLog}
	params := map[string]any{}
	_ = json.Unmarshal([]byte(job.ParamsJSON), &params)
	started := time.Now()
	if err := fn(jobCtx, exec, params); err != nil {
		log.Error("job failed", zap.Error(err), zap.Duration("took", time.Since(started)))
		r.finish(ctx, job, StatusFailed, err.Error())
		return
	}
	log.Info("job succeeded", zap.Duration("took", time.Since(started)))
	r.finish(ctx, job, StatusSucceeded, "")
}

func (r *Runner) finish(ctx context.Context, job *store.Job, status, errMsg string) {
	if errMsg != "" {
		r.appendLog(job.ID, "error: "+errMsg)
	}
	// the job record must be closed even when the runner is shutting down
	if err := r.store.MarkJobFinished(context.WithoutCancel(ctx), job.ID, status, errMsg, config.Now()); err != nil {
		logger.Error(err, zap.Int64("job", job.ID))
	}
	metrics.JobsTotal.WithLabelValues(job.Stage, status).Inc()
}

func (r *Runner) appendLog(jobID int64, msg string) {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	ts := config.Now()
	_ = r.store.AppendJobLog(context.Background(), jobID, msg, ts)
	r.logBuffer[jobID] = append(r.logBuffer[jobID], fmt.Sprintf("%s %s", ts.Format(time.RFC3339), msg))
	if len(r.logBuffer[jobID]) > 200 {
		r.logBuffer[jobID] = r.logBuffer[jobID][len(r.logBuffer[jobID])-200:]
	}
}

// Logs returns the in-memory log tail of a job.
func (r *Runner) Logs(jobID int64) []string {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	return append([]string(nil), r.logBuffer[jobID]...)
}

func idempotencyKey(stage Stage, payload []byte) string {
	h := sha256.Sum256(append([]byte(string(stage)+"|"), payload...))
	return hex.EncodeToString(h[:])
}
