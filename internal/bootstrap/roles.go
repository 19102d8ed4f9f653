package bootstrap

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/grader/internal/agent"
	"github.com/jonesrussell/north-cloud/grader/internal/api"
	"github.com/jonesrussell/north-cloud/grader/internal/archive"
	"github.com/jonesrussell/north-cloud/grader/internal/database"
	"github.com/jonesrussell/north-cloud/grader/internal/maintenance"
	"github.com/jonesrussell/north-cloud/grader/internal/provider"
	"github.com/jonesrussell/north-cloud/grader/internal/queue"
	"github.com/jonesrussell/north-cloud/grader/internal/retry"
	"github.com/jonesrussell/north-cloud/grader/internal/server"
	"github.com/jonesrussell/north-cloud/grader/internal/worker"
)

// NewServer builds the HTTP API server.
func (a *App) NewServer() *server.Server {
	cfg := a.Config
	server.SetMode(cfg.Logging.Development)

	handler := api.NewHandler(a.Sessions, a.Progress, a.Keys, a.Inspector, api.Config{
		JWTSecret:    cfg.Auth.JWTSecret,
		OperatorRole: cfg.Auth.OperatorRole,
		Heartbeat:    cfg.Progress.HeartbeatInterval,
	}, a.Log,
		api.WithMetrics(a.Metrics),
		api.WithAttempts(database.NewAttemptRepository(a.DB)),
	)

	return server.New(cfg.Server, a.serverOptions(), a.Log, func(r *gin.Engine) { handler.Register(r) })
}

// NewMetricsServer builds the listener a worker-only process serves /health
// and /metrics on.
func (a *App) NewMetricsServer() *server.Server {
	server.SetMode(a.Config.Logging.Development)

	cfg := a.Config.Server
	cfg.Port = a.Config.Worker.MetricsPort
	cfg.CORSOrigins = nil
	return server.New(cfg, a.serverOptions(), a.Log, nil)
}

func (a *App) serverOptions() server.Options {
	checks := map[string]server.HealthChecker{}
	if a.Redis != nil {
		checks["redis"] = server.PingChecker("Redis", server.HealthStatusUnhealthy, func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		})
	}
	if a.DB != nil {
		checks["postgres"] = server.PingChecker("Postgres", server.HealthStatusUnhealthy, a.DB.PingContext)
	}
	return server.Options{
		ServiceName:    a.Config.Service.Name,
		ServiceVersion: a.Config.Service.Version,
		Checks:         checks,
		Gatherer:       a.Registry,
	}
}

// NewWorker builds the grading worker: consumer, executor, persistence and
// the throughput window.
func (a *App) NewWorker(ctx context.Context) (*worker.Worker, error) {
	cfg := a.Config

	consumer, err := queue.NewConsumer(a.Streams, queue.ConsumerConfig{
		ConsumerID:        cfg.Worker.ConsumerName,
		BlockTimeout:      cfg.Queue.BlockTimeout,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxDeliveries:     cfg.Queue.MaxDeliveries,
		OnRemoved:         a.Sessions.JobRemoved,
	}, a.Log)
	if err != nil {
		return nil, err
	}
	if err = consumer.Initialize(ctx); err != nil {
		return nil, err
	}

	backend := provider.NewAnthropicBackend(provider.AnthropicConfig{
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Provider.MaxTokens,
		BaseURL:   cfg.Provider.BaseURL,
	})
	caller := provider.NewCaller(a.Keys, backend, a.Log,
		provider.WithTimeout(cfg.Provider.RequestTimeout),
		provider.WithMetrics(a.Metrics),
		provider.WithTracer(a.Tracer),
	)
	executor := agent.New(caller, agent.Config{
		MaxSteps:            cfg.Agent.MaxSteps,
		StepRetries:         cfg.Agent.StepRetries,
		StepRetryDelay:      cfg.Agent.StepRetryDelay,
		ConfidenceThreshold: cfg.Agent.ConfidenceThreshold,
		SimilarityThreshold: cfg.Agent.SimilarityThreshold,
		SimilaritySample:    cfg.Agent.SimilaritySample,
		ReferenceTopK:       cfg.Agent.ReferenceTopK,
		MaxTokens:           cfg.Provider.MaxTokens,
	}, a.Log, agent.WithMetrics(a.Metrics))

	archiver, err := archive.New(cfg.Archive, a.Log)
	if err != nil {
		return nil, err
	}
	if err = archiver.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	wcfg := worker.Config{
		Concurrency:     cfg.Worker.Concurrency,
		JobTimeout:      cfg.Worker.JobTimeout,
		DrainTimeout:    cfg.Worker.DrainTimeout,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		PromoteInterval: cfg.Queue.PromoteInterval,
		Backoff: retry.Config{
			InitialDelay: cfg.Queue.BackoffBase,
			MaxDelay:     cfg.Queue.BackoffMax,
			Multiplier:   cfg.Queue.BackoffMultiplier,
		},
	}
	deps := worker.Deps{
		Queue:     consumer,
		Sessions:  a.Sessions,
		Bundles:   database.NewBundleRepository(a.DB, cfg.Agent.SimilaritySample),
		Grader:    executor,
		Results:   database.NewResultRepository(a.DB),
		Attempts:  database.NewAttemptRepository(a.DB),
		Publisher: a.Progress,
	}
	if archiver.Enabled() {
		deps.Transcripts = archiver
	}
	handler := worker.NewHandler(deps, wcfg, a.Log, worker.WithHandlerMetrics(a.Metrics))
	limiter := worker.NewThroughput(a.Redis, cfg.Worker.MaxJobsPerWindow, cfg.Worker.Window, a.Log)

	w, err := worker.New(wcfg, consumer, handler, a.Producer, limiter, a.Log)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	return w, nil
}

// NewMaintenance builds the scheduled queue housekeeping.
func (a *App) NewMaintenance() (*maintenance.Runner, error) {
	return maintenance.New(a.Config.Maintenance.Schedule, a.Inspector, a.Config.Queue.DeadLetterMaxLen, a.Log,
		maintenance.WithKeyGauges(a.Keys, a.Metrics),
	)
}
