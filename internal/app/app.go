package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"recall_pipeline/internal/config"
	"recall_pipeline/internal/events"
	"recall_pipeline/internal/httpapi"
	"recall_pipeline/internal/jobs"
	"recall_pipeline/internal/logger"
	"recall_pipeline/internal/notify"
	"recall_pipeline/internal/pipeline"
	"recall_pipeline/internal/report"
	"recall_pipeline/internal/roster"
	"recall_pipeline/internal/source"
	"recall_pipeline/internal/store"
	"recall_pipeline/internal/watch"
)

const shutdownTimeout = 10 * time.Second

// App wires the pipeline, the job runner and the HTTP surface together.
type App struct {
	cfg      config.Config
	store    *store.Store
	bus      *events.Bus
	pipeline *pipeline.Pipeline
	runner   *jobs.Runner
	watcher  *watch.Watcher
	reports  *report.Service
	notifier *notify.Webhook
	nats     *notify.Publisher
	mux      *http.ServeMux
}

func New(cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	bus := events.NewBus()
	p := pipeline.New(cfg, st, source.NewDirSource(cfg.RawDir), bus)
	runner := jobs.NewRunner(cfg, st, pipeline.BuildRegistry(p))
	reports := report.NewService(st, cfg.Report.DefaultRangeDays)
	publisher, err := notify.ConnectPublisher(cfg.NatsURL)
	if err != nil {
		logger.Warn("nats unavailable, events stay in process", zap.Error(err))
	}
	mux := http.NewServeMux()
	httpapi.NewRouter(st, reports, runner).Register(mux)
	return &App{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		pipeline: p,
		runner:   runner,
		watcher:  watch.New(cfg, runner),
		reports:  reports,
		notifier: notify.NewWebhook(cfg.NotifyURL),
		nats:     publisher,
		mux:      mux,
	}, nil
}

// Serve starts the runner, watcher, scheduler and HTTP server, and blocks until ctx is done
// or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	a.reports.Watch(ctx, a.bus)
	a.notifier.Watch(ctx, a.bus)
	a.nats.Watch(ctx, a.bus)
	a.runner.Start(ctx)
	defer a.runner.Stop()
	if err := a.watcher.Start(ctx); err != nil {
		return err
	}

	if a.cfg.RunSchedule != "" {
		sched := cron.New()
		if err := sched.AddFunc(a.cfg.RunSchedule, func() { a.scheduledRun(ctx) }); err != nil {
			return err
		}
		sched.Start()
		logger.Info("daily run scheduled", zap.String("spec", a.cfg.RunSchedule))
		g.Go(func() error {
			<-ctx.Done()
			sched.Stop()
			return nil
		})
	}

	srv := &http.Server{Addr: a.cfg.HTTPPort, Handler: a.mux, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		logger.Info("http listening", zap.String("port", a.cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) scheduledRun(ctx context.Context) {
	job, err := a.runner.Enqueue(ctx, jobs.StageRunPipeline, map[string]any{"trigger": "schedule"})
	if err != nil {
		logger.Error(err, zap.String("op", "scheduled run"))
		return
	}
	logger.Info("scheduled run queued", zap.Int64("job", job.ID))
}

// RunOnce executes one pipeline run in the foreground.
func (a *App) RunOnce(ctx context.Context, opts pipeline.Options) (pipeline.Result, error) {
	return a.pipeline.Run(ctx, opts)
}

// RebuildRoster rebuilds the supervisor intervals in the foreground.
func (a *App) RebuildRoster(ctx context.Context) (roster.Outcome, error) {
	return a.pipeline.RebuildRoster(ctx)
}

func (a *App) Close() error { return a.store.Close() }

func (a *App) Store() *store.Store { return a.store }
func (a *App) Mux() *http.ServeMux { return a.mux }
