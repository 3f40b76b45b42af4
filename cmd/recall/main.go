package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"recall_pipeline/internal/app"
	"recall_pipeline/internal/config"
	"recall_pipeline/internal/logger"
	"recall_pipeline/internal/pipeline"
)

const dayLayout = "2006-01-02"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "recall:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config.Config
	root := &cobra.Command{
		Use:           "recall",
		Short:         "Call recurrence reconciliation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if err := logger.Initialize(logger.Config{Debug: loaded.Debug}); err != nil {
				return err
			}
			for _, w := range loaded.Warnings {
				logger.Warn("config", zap.String("warning", w))
			}
			if err := os.MkdirAll(loaded.DataDir, 0o755); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) { logger.Sync() },
	}
	open := func() (*app.App, error) { return app.New(cfg) }
	root.AddCommand(newRunCmd(open), newRosterCmd(open), newServeCmd(open))
	return root
}

func newRunCmd(open func() (*app.App, error)) *cobra.Command {
	var startDate, endDate string
	var forceRoster bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one extraction and publish a new table version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := pipeline.Options{Trigger: "cli", ForceRoster: forceRoster}
			var err error
			if opts.Start, err = parseDate(startDate); err != nil {
				return fmt.Errorf("--start-date: %w", err)
			}
			if opts.End, err = parseDate(endDate); err != nil {
				return fmt.Errorf("--end-date: %w", err)
			}
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.RunOnce(cmd.Context(), opts)
			if err != nil {
				logger.Error(err, zap.String("run", res.RunID))
				return err
			}
			for _, d := range res.Diagnostics {
				logger.Warn("run diagnostic", zap.String("kind", d.Kind), zap.String("message", d.Message))
			}
			logger.Info("run complete",
				zap.String("run", res.RunID),
				zap.String("version", res.VersionID),
				zap.Int("records", res.Counts["records"]),
				zap.Int("recurrences", res.Counts["recurrences"]))
			return nil
		},
	}
	cmd.Flags().StringVar(&startDate, "start-date", "", "first day to extract (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "last day to extract (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&forceRoster, "force-roster", false, "rebuild supervisor intervals before resolving")
	return cmd
}

func newRosterCmd(open func() (*app.App, error)) *cobra.Command {
	roster := &cobra.Command{Use: "roster", Short: "Supervisor roster maintenance"}
	roster.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild supervisor intervals from the roster snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()
			out, err := a.RebuildRoster(cmd.Context())
			if err != nil {
				logger.Error(err, zap.String("op", "roster rebuild"))
				return err
			}
			for _, d := range out.Diagnostics {
				logger.Warn("roster diagnostic", zap.String("message", d))
			}
			logger.Info("roster rebuilt", zap.Int("intervals", out.Intervals))
			return nil
		},
	})
	return roster
}

func newServeCmd(open func() (*app.App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the report API and run scheduled and queued jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Serve(cmd.Context()); err != nil {
				logger.Error(err, zap.String("op", "serve"))
				return err
			}
			return nil
		},
	}
}

func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dayLayout, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
