package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jonesrussell/north-cloud/grader/internal/logger"
)

// PoolState represents the current state of the pool.
type PoolState int32

const (
	// PoolStateStopped means the pool is not running.
	PoolStateStopped PoolState = iota

	// PoolStateRunning means the pool accepts tasks.
	PoolStateRunning

	// PoolStateDraining means the pool is waiting for running tasks.
	PoolStateDraining

	percentageMultiplier = 100
)

// String returns the string representation of a pool state.
func (s PoolState) String() string {
	switch s {
	case PoolStateStopped:
		return "stopped"
	case PoolStateRunning:
		return "running"
	case PoolStateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s PoolState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrPoolNotRunning is returned by Submit outside the running state.
	ErrPoolNotRunning = errors.New("pool is not running")

	// ErrIdle is returned by a task that found no work. It is not counted
	// in the pool statistics.
	ErrIdle = errors.New("no work available")
)

// Task is one unit of pool work.
type Task func(ctx context.Context) error

// Pool runs tasks with bounded concurrency.
type Pool struct {
	size   int
	log    logger.Logger
	state  atomic.Int32
	sem    chan struct{}
	wg     sync.WaitGroup
	stopCh chan struct{}

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a pool of size slots.
func NewPool(size int, log logger.Logger) (*Pool, error) {
	if size < 1 {
		return nil, errors.New("pool size must be at least 1")
	}
	p := &Pool{
		size:   size,
		log:    log,
		sem:    make(chan struct{}, size),
		stopCh: make(chan struct{}),
	}
	p.state.Store(int32(PoolStateStopped))
	return p, nil
}

// Start starts the pool.
func (p *Pool) Start() error {
	if !p.state.CompareAndSwap(int32(PoolStateStopped), int32(PoolStateRunning)) {
		return errors.New("pool is already running")
	}
	p.stopCh = make(chan struct{})
	p.log.Info("Worker pool started", logger.Int("pool_size", p.size))
	return nil
}

// Stop stops accepting tasks and waits for running ones until ctx ends.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(PoolStateRunning), int32(PoolStateDraining)) {
		return ErrPoolNotRunning
	}
	p.log.Info("Worker pool draining", logger.Int("busy", len(p.sem)))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.log.Info("Worker pool stopped gracefully")
	case <-ctx.Done():
		p.log.Warn("Worker pool drain timed out", logger.Int("abandoned", len(p.sem)))
		err = ctx.Err()
	}

	p.state.Store(int32(PoolStateStopped))
	return err
}

// Submit runs task once a slot is free. It blocks while the pool is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if p.State() != PoolStateRunning {
		return ErrPoolNotRunning
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrPoolNotRunning
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()

		err := task(ctx)
		if errors.Is(err, ErrIdle) {
			return
		}
		p.processed.Add(1)
		if err != nil {
			p.failed.Add(1)
			return
		}
		p.succeeded.Add(1)
	}()
	return nil
}

// State returns the current pool state.
func (p *Pool) State() PoolState {
	return PoolState(p.state.Load())
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		State:     p.State(),
		Size:      p.size,
		Busy:      len(p.sem),
		Processed: p.processed.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
	}
}

// PoolStats holds statistics for the pool. Busy counts occupied slots.
type PoolStats struct {
	State     PoolState `json:"state"`
	Size      int       `json:"size"`
	Busy      int       `json:"busy"`
	Processed int64     `json:"processed"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
}

// SuccessRate returns the success rate as a percentage.
func (s PoolStats) SuccessRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Processed) * percentageMultiplier
}

// Utilization returns the pool utilization as a percentage.
func (s PoolStats) Utilization() float64 {
	if s.Size == 0 {
		return 0
	}
	return float64(s.Busy) / float64(s.Size) * percentageMultiplier
}
