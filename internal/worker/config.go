// Package worker runs grading jobs from the queue on a bounded pool: it
// gates on session state, runs the agent, persists what the attempt
// produced and settles the queue entry.
package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/grader/internal/retry"
)

const (
	// DefaultConcurrency is the default number of jobs graded at once.
	DefaultConcurrency = 2

	// MaxConcurrency caps the pool; provider keys are the real bottleneck.
	MaxConcurrency = 3

	// DefaultJobTimeout bounds one attempt, including every provider call.
	DefaultJobTimeout = 15 * time.Minute

	// DefaultDrainTimeout bounds how long shutdown waits for running jobs.
	DefaultDrainTimeout = 30 * time.Second

	// DefaultMaxAttempts is the job-level retry budget.
	DefaultMaxAttempts = 5

	// DefaultPromoteInterval is how often delayed retries are promoted.
	DefaultPromoteInterval = time.Second

	defaultBackoffBase       = 15 * time.Second
	defaultBackoffMax        = 5 * time.Minute
	defaultBackoffMultiplier = 2
	readErrorPause           = time.Second
)

// Config holds configuration for the worker.
type Config struct {
	// Concurrency is the number of jobs processed at once.
	Concurrency int

	// JobTimeout bounds a single attempt.
	JobTimeout time.Duration

	// DrainTimeout is the maximum time to wait for running jobs on shutdown.
	DrainTimeout time.Duration

	// MaxAttempts counts the first attempt.
	MaxAttempts int

	// Backoff spaces job-level retries; attempt n waits Backoff.Backoff(n).
	Backoff retry.Config

	// PromoteInterval is the delayed-retry promotion tick.
	PromoteInterval time.Duration
}

// DefaultConfig returns a Config with the default values.
func DefaultConfig() Config {
	return Config{
		Concurrency:     DefaultConcurrency,
		JobTimeout:      DefaultJobTimeout,
		DrainTimeout:    DefaultDrainTimeout,
		MaxAttempts:     DefaultMaxAttempts,
		PromoteInterval: DefaultPromoteInterval,
		Backoff: retry.Config{
			InitialDelay: defaultBackoffBase,
			MaxDelay:     defaultBackoffMax,
			Multiplier:   defaultBackoffMultiplier,
		},
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Concurrency == 0 {
		c.Concurrency = d.Concurrency
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = d.PromoteInterval
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = d.Backoff.MaxDelay
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Concurrency < 1 || c.Concurrency > MaxConcurrency {
		return fmt.Errorf("concurrency must be between 1 and %d", MaxConcurrency)
	}
	if c.JobTimeout <= 0 {
		return errors.New("job timeout must be positive")
	}
	return nil
}
