package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/queue"
)

// Reader hands out deliveries; nil means nothing arrived in time.
type Reader interface {
	Read(ctx context.Context) (*queue.Delivery, error)
}

// Promoter moves due delayed retries back onto the queue.
type Promoter interface {
	PromoteDue(ctx context.Context) (int, error)
}

// Limiter gates job starts.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Worker is the grading process loop: it keeps every pool slot reading
// from the queue and promotes delayed retries in the background.
type Worker struct {
	cfg      Config
	reader   Reader
	handler  *Handler
	promoter Promoter
	limiter  Limiter
	pool     *Pool
	log      logger.Logger
}

// New creates a Worker. limiter may be nil.
func New(cfg Config, reader Reader, handler *Handler, promoter Promoter, limiter Limiter, log logger.Logger) (*Worker, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	log = log.With(logger.Component("worker"))
	pool, err := NewPool(cfg.Concurrency, log)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:      cfg,
		reader:   reader,
		handler:  handler,
		promoter: promoter,
		limiter:  limiter,
		pool:     pool,
		log:      log,
	}, nil
}

// Run processes jobs until ctx is cancelled, then drains running jobs for
// up to the drain timeout. Jobs still running after that are abandoned
// and redelivered once their lease expires.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.pool.Start(); err != nil {
		return err
	}

	promoterDone := make(chan struct{})
	go func() {
		defer close(promoterDone)
		w.promoteLoop(ctx)
	}()

	w.log.Info("Grading worker started",
		logger.Int("concurrency", w.cfg.Concurrency),
		logger.Duration("job_timeout", w.cfg.JobTimeout),
		logger.Int("max_attempts", w.cfg.MaxAttempts),
	)

	for ctx.Err() == nil {
		if err := w.pool.Submit(ctx, w.pollOnce); err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error("Failed to submit poll task", logger.Error(err))
			sleep(ctx, readErrorPause)
		}
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DrainTimeout)
	defer cancel()
	err := w.pool.Stop(drainCtx)
	<-promoterDone

	stats := w.pool.Stats()
	w.log.Info("Grading worker stopped",
		logger.Int64("processed", stats.Processed),
		logger.Int64("succeeded", stats.Succeeded),
		logger.Int64("failed", stats.Failed),
	)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("drain worker pool: %w", err)
	}
	return nil
}

// pollOnce reads one delivery and handles it. Handling is detached from
// ctx so shutdown lets the job finish.
func (w *Worker) pollOnce(ctx context.Context) error {
	d, err := w.reader.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ErrIdle
		}
		w.log.Error("Queue read failed", logger.Error(err))
		sleep(ctx, readErrorPause)
		return ErrIdle
	}
	if d == nil {
		return ErrIdle
	}

	if w.limiter != nil {
		if err = w.limiter.Wait(ctx); err != nil {
			// shutting down; the delivery stays pending and is redelivered
			return ErrIdle
		}
	}

	return w.handler.Handle(context.WithoutCancel(ctx), d)
}

func (w *Worker) promoteLoop(ctx context.Context) {
	if w.promoter == nil {
		return
	}
	ticker := time.NewTicker(w.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.promoter.PromoteDue(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.log.Warn("Delayed job promotion failed", logger.Error(err))
				}
				continue
			}
			if n > 0 {
				w.log.Debug("Promoted delayed jobs", logger.Int("count", n))
			}
		}
	}
}

// Stats returns the pool statistics.
func (w *Worker) Stats() PoolStats {
	return w.pool.Stats()
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
