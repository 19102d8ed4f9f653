package config

import (
	"errors"
	"fmt"
)

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

const maxWorkerConcurrency = 3

// Validate checks every section and joins all problems found.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, &ValidationError{Field: field, Message: msg})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		add("logging.level", "must be one of: debug, info, warn, error, fatal")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format", "must be one of: json, console")
	}
	if c.Redis.Address == "" {
		add("redis.address", "is required")
	}
	if c.Provider.ThrottleMax < c.Provider.ThrottleBase {
		add("provider.throttle_max", "must not be below provider.throttle_base")
	}
	if c.Agent.MaxSteps < 1 {
		add("agent.max_steps", "must be at least 1")
	}
	if c.Agent.StepRetries < 0 {
		add("agent.step_retries", "must not be negative")
	}
	if t := c.Agent.ConfidenceThreshold; t != nil && (*t < 0 || *t > 1) {
		add("agent.confidence_threshold", "must be in [0, 1]")
	}
	if c.Worker.Concurrency < 1 || c.Worker.Concurrency > maxWorkerConcurrency {
		add("worker.concurrency", fmt.Sprintf("must be between 1 and %d", maxWorkerConcurrency))
	}
	if c.Worker.MaxJobsPerWindow < 1 {
		add("worker.max_jobs_per_window", "must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		add("queue.max_attempts", "must be at least 1")
	}
	if c.Queue.BackoffMultiplier < 1 {
		add("queue.backoff_multiplier", "must be at least 1")
	}
	if c.Queue.VisibilityTimeout <= c.Queue.BlockTimeout {
		add("queue.visibility_timeout", "must exceed queue.block_timeout")
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		add("archive.endpoint", "endpoint and bucket are required when the archive is enabled")
	}
	if c.Profiling.Enabled && c.Profiling.ServerURL == "" {
		add("profiling.server_url", "is required when profiling is enabled")
	}

	return errors.Join(errs...)
}
