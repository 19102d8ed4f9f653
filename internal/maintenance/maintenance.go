// Package maintenance runs periodic housekeeping: it refreshes the queue
// depth and key availability gauges and trims the dead-letter stream.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/north-cloud/grader/internal/keyhealth"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/observability"
	"github.com/jonesrussell/north-cloud/grader/internal/queue"
)

const (
	// DefaultSchedule runs maintenance twice a minute.
	DefaultSchedule = "@every 30s"

	runTimeout = 20 * time.Second
)

// Inspector is the queue surface maintenance needs.
type Inspector interface {
	RefreshDepth(ctx context.Context) (queue.Stats, error)
	TrimDead(ctx context.Context, maxLen int64) (int64, error)
}

// Keys is the key health read side.
type Keys interface {
	Snapshot(ctx context.Context) ([]keyhealth.KeyMetrics, error)
}

// Runner schedules maintenance with cron.
type Runner struct {
	cron       *cron.Cron
	schedule   string
	inspector  Inspector
	deadMaxLen int64
	keys       Keys
	metrics    *observability.Metrics
	log        logger.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithKeyGauges refreshes the key availability gauges on every pass.
func WithKeyGauges(keys Keys, m *observability.Metrics) Option {
	return func(r *Runner) {
		r.keys = keys
		r.metrics = m
	}
}

// New validates schedule and creates a Runner. Standard five-field cron
// expressions and descriptors such as "@every 30s" are accepted.
func New(schedule string, inspector Inspector, deadMaxLen int64, log logger.Logger, opts ...Option) (*Runner, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}

	r := &Runner{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		schedule:   schedule,
		inspector:  inspector,
		deadMaxLen: deadMaxLen,
		log:        log.With(logger.Component("maintenance")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start runs maintenance on the schedule until ctx ends.
func (r *Runner) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		if runErr := r.RunOnce(runCtx); runErr != nil && ctx.Err() == nil {
			r.log.Warn("Queue maintenance failed", logger.Error(runErr))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}

	r.cron.Start()
	r.log.Info("Queue maintenance scheduled", logger.String("schedule", r.schedule))

	go func() {
		<-ctx.Done()
		<-r.cron.Stop().Done()
	}()
	return nil
}

// RunOnce performs one maintenance pass. Every step runs even if an earlier
// one fails.
func (r *Runner) RunOnce(ctx context.Context) error {
	stats, depthErr := r.inspector.RefreshDepth(ctx)
	if depthErr == nil {
		r.log.Debug("Queue depth refreshed",
			logger.Int64("waiting", stats.Waiting),
			logger.Int64("active", stats.Active),
			logger.Int64("delayed", stats.Delayed),
			logger.Int64("dead", stats.Dead),
		)
	}

	var trimErr error
	if r.deadMaxLen > 0 {
		var trimmed int64
		trimmed, trimErr = r.inspector.TrimDead(ctx, r.deadMaxLen)
		if trimErr == nil && trimmed > 0 {
			r.log.Info("Trimmed dead-letter stream",
				logger.Int64("removed", trimmed),
				logger.Int64("max_len", r.deadMaxLen),
			)
		}
	}

	var keyErr error
	if r.keys != nil {
		var snap []keyhealth.KeyMetrics
		if snap, keyErr = r.keys.Snapshot(ctx); keyErr == nil {
			summary := keyhealth.Summarize(snap)
			r.metrics.SetKeyAvailability(summary.AvailableCount, summary.ThrottledCount)
		}
	}

	return errors.Join(depthErr, trimErr, keyErr)
}
