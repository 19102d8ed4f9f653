// Package bootstrap wires the grader's components from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/grader/internal/config"
	"github.com/jonesrussell/north-cloud/grader/internal/database"
	"github.com/jonesrussell/north-cloud/grader/internal/keyhealth"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/observability"
	"github.com/jonesrussell/north-cloud/grader/internal/profiling"
	"github.com/jonesrussell/north-cloud/grader/internal/progress"
	"github.com/jonesrussell/north-cloud/grader/internal/queue"
	"github.com/jonesrussell/north-cloud/grader/internal/session"
)

const redisConnectTimeout = 5 * time.Second

// App holds the shared infrastructure every process role uses.
type App struct {
	Config    *config.Config
	Log       logger.Logger
	Redis     *redis.Client
	DB        *sqlx.DB
	Registry  *prometheus.Registry
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Keys      *keyhealth.Registry
	Streams   *queue.StreamsClient
	Producer  *queue.Producer
	Inspector *queue.Inspector
	Progress  *progress.Channel
	Sessions  *session.Coordinator

	closers []func(context.Context) error
}

// New connects to Redis and Postgres and builds the shared components.
// Close releases everything New acquired, also after a failure.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (app *App, err error) {
	app = &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return app, fmt.Errorf("init tracing: %w", err)
	}
	app.closers = append(app.closers, shutdownTracing)
	app.Tracer = observability.NewTracer()

	profiler, err := profiling.Start(cfg, log)
	if err != nil {
		log.Warn("Continuous profiling unavailable", logger.Error(err))
	} else if profiler != nil {
		app.closers = append(app.closers, func(context.Context) error { return profiler.Stop() })
	}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = observability.NewMetrics(app.Registry)

	if app.Redis, err = NewRedisClient(ctx, cfg.Redis); err != nil {
		return app, err
	}
	app.closers = append(app.closers, func(context.Context) error { return app.Redis.Close() })

	if app.DB, err = database.Connect(ctx, cfg.Database); err != nil {
		return app, err
	}
	app.closers = append(app.closers, func(context.Context) error { return app.DB.Close() })

	app.Keys = NewKeyRegistry(app.Redis, cfg.Provider)

	app.Streams = queue.NewStreamsClient(app.Redis, cfg.Queue.StreamPrefix, cfg.Queue.ConsumerGroup)
	if err = app.Streams.CreateConsumerGroups(ctx); err != nil {
		return app, err
	}
	app.Producer = queue.NewProducer(app.Streams, queue.WithProducerMetrics(app.Metrics))
	app.Progress = progress.New(app.Redis, progress.Config{TTL: cfg.Progress.TTL}, log, progress.WithMetrics(app.Metrics))
	app.Sessions = session.NewCoordinator(
		session.NewRedisStore(app.Redis, cfg.Session.TTL),
		app.Producer,
		app.Progress,
		log,
		session.WithMaxPairs(cfg.Session.MaxPairs),
	)
	app.Inspector = queue.NewInspector(app.Streams, log,
		queue.WithInspectorMetrics(app.Metrics),
		queue.WithRemovalHook(app.Sessions.JobRemoved),
	)
	return app, nil
}

// NewKeyRegistry builds the key health registry over Redis so that every
// process configured with the same keys shares their health.
func NewKeyRegistry(client *redis.Client, cfg config.ProviderConfig) *keyhealth.Registry {
	return keyhealth.New(cfg.APIKeys, keyhealth.Config{
		ThrottleBase:     cfg.ThrottleBase,
		ThrottleMax:      cfg.ThrottleMax,
		LatencyReference: cfg.LatencyReference,
		MinRotationKeys:  cfg.MinRotationKeys,
	}, keyhealth.WithStore(keyhealth.NewRedisStore(client, cfg.KeyHealthPrefix)))
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Close releases resources in reverse acquisition order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
