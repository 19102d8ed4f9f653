package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonesrussell/north-cloud/grader/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
)

type roles struct {
	api    bool
	worker bool
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the grading workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), roles{api: true, worker: true})
		},
	}
}

func newAPICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run only the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), roles{api: true})
		},
	}
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the grading workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), roles{worker: true})
		},
	}
}

// run starts the selected roles and returns once ctx is cancelled and they
// have stopped, or as soon as one of them fails.
func run(ctx context.Context, r roles) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer func() {
		if closeErr := app.Close(context.WithoutCancel(ctx)); closeErr != nil {
			log.Warn("Shutdown cleanup failed", logger.Error(closeErr))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if r.worker {
		w, werr := app.NewWorker(gctx)
		if werr != nil {
			return werr
		}
		maint, merr := app.NewMaintenance()
		if merr != nil {
			return merr
		}
		if merr = maint.Start(gctx); merr != nil {
			return merr
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	if r.api {
		srv := app.NewServer()
		g.Go(func() error { return srv.Run(gctx) })
	} else {
		// workers still expose /metrics and /health without the API
		metricsSrv := app.NewMetricsServer()
		g.Go(func() error { return metricsSrv.Run(gctx) })
	}

	log.Info("Grader started",
		logger.String("version", cfg.Service.Version),
		logger.Bool("api", r.api),
		logger.Bool("worker", r.worker),
		logger.Int("api_keys", app.Keys.Len()),
		logger.Bool("key_rotation", app.Keys.RotationEnabled()),
	)

	if err = g.Wait(); err != nil {
		log.Error("Grader stopped with error", logger.Error(err))
		return err
	}
	log.Info("Grader stopped")
	return nil
}
