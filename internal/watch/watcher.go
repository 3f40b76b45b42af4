package watch

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"recall_pipeline/internal/config"
	"recall_pipeline/internal/jobs"
	"recall_pipeline/internal/logger"
	"recall_pipeline/internal/roster"
	"recall_pipeline/internal/store"
)

// Enqueuer accepts jobs; *jobs.Runner satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, stage jobs.Stage, params map[string]any) (*store.Job, error)
}

// debounce collapses the burst of events a spreadsheet export produces into one rebuild.
const debounce = 2 * time.Second

// Watcher monitors the roster directory and enqueues a roster rebuild when a snapshot
// file is created, rewritten, renamed or removed.
type Watcher struct {
	cfg    config.Config
	runner Enqueuer
	delay  time.Duration
}

func New(cfg config.Config, runner Enqueuer) *Watcher {
	return &Watcher{cfg: cfg, runner: runner, delay: debounce}
}

func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.EnableWatcher {
		logger.Info("roster watcher disabled")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.cfg.RosterDir); err != nil {
		watcher.Close()
		return err
	}
	logger.Info("watching roster directory", zap.String("dir", w.cfg.RosterDir))
	go w.loop(ctx, watcher)
	return nil
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	timer := time.NewTimer(w.delay)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 || !roster.IsSnapshotFile(evt.Name) {
				continue
			}
			logger.Debug("roster file changed", zap.String("file", evt.Name), zap.String("op", evt.Op.String()))
			timer.Reset(w.delay)
		case <-timer.C:
			if _, err := w.runner.Enqueue(ctx, jobs.StageRebuildRoster, map[string]any{"trigger": "watch"}); err != nil {
				logger.Error(err, zap.String("op", "enqueue roster rebuild"))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error", zap.Error(err))
		}
	}
}
