package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/grader/internal/logger"
)

const defaultThroughputKey = "grader:throughput"

// Throughput caps how many jobs start per window across every worker
// process with a Redis fixed window, and paces this process evenly within
// the window with a token bucket.
type Throughput struct {
	client *redis.Client
	prefix string
	max    int64
	window time.Duration
	local  *rate.Limiter
	log    logger.Logger
	now    func() time.Time
}

// ThroughputOption configures a Throughput.
type ThroughputOption func(*Throughput)

// WithThroughputClock injects the clock used to pick the window.
func WithThroughputClock(now func() time.Time) ThroughputOption {
	return func(t *Throughput) { t.now = now }
}

// WithoutLocalPacing disables the in-process token bucket.
func WithoutLocalPacing() ThroughputOption {
	return func(t *Throughput) { t.local = rate.NewLimiter(rate.Inf, 1) }
}

// NewThroughput allows max job starts per window. A max of zero disables
// the cap.
func NewThroughput(client *redis.Client, maxPerWindow int, window time.Duration, log logger.Logger, opts ...ThroughputOption) *Throughput {
	if window <= 0 {
		window = time.Minute
	}
	t := &Throughput{
		client: client,
		prefix: defaultThroughputKey,
		max:    int64(maxPerWindow),
		window: window,
		log:    log.With(logger.Component("throughput")),
		now:    time.Now,
	}
	if maxPerWindow > 0 {
		t.local = rate.NewLimiter(rate.Every(window/time.Duration(maxPerWindow)), 1)
	} else {
		t.local = rate.NewLimiter(rate.Inf, 1)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Wait blocks until a job may start. If Redis is unreachable the cluster
// cap is skipped and only local pacing applies.
func (t *Throughput) Wait(ctx context.Context) error {
	if t.max <= 0 {
		return nil
	}
	if err := t.local.Wait(ctx); err != nil {
		return err
	}

	for {
		now := t.now()
		windowStart := now.Truncate(t.window)
		key := fmt.Sprintf("%s:%d", t.prefix, windowStart.UnixMilli())

		var incr *redis.IntCmd
		_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, 2*t.window)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.Warn("Throughput window unavailable, relying on local pacing", logger.Error(err))
			return nil
		}
		if incr.Val() <= t.max {
			return nil
		}

		wait := windowStart.Add(t.window).Sub(now)
		t.log.Debug("Throughput window full", logger.Duration("wait", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
