package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/grader/internal/keyhealth"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/observability"
)

const defaultTimeout = 90 * time.Second

// Caller wraps exactly one provider round-trip per Call.
type Caller struct {
	registry *keyhealth.Registry
	backend  Backend
	timeout  time.Duration
	log      logger.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

func WithTimeout(d time.Duration) CallerOption {
	return func(c *Caller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithMetrics(m *observability.Metrics) CallerOption {
	return func(c *Caller) { c.metrics = m }
}

func WithTracer(t *observability.Tracer) CallerOption {
	return func(c *Caller) { c.tracer = t }
}

// NewCaller creates a Caller.
func NewCaller(registry *keyhealth.Registry, backend Backend, log logger.Logger, opts ...CallerOption) *Caller {
	c := &Caller{
		registry: registry,
		backend:  backend,
		timeout:  defaultTimeout,
		log:      log.With(logger.Component("provider")),
		tracer:   observability.NewTracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends req with the best available key. It returns
// *AllKeysThrottledError when no key is selectable and *Error for any
// provider failure. The outcome is reported to the registry every time a
// key was used, including per-call timeouts. A call abandoned because ctx
// ended says nothing about the key and is not reported.
func (c *Caller) Call(ctx context.Context, req *Request) (*Response, error) {
	key, err := c.registry.Select(ctx)
	if err != nil {
		var nka *keyhealth.NoKeyAvailableError
		if errors.As(err, &nka) {
			return nil, &AllKeysThrottledError{RetryAt: nka.RetryAt}
		}
		return nil, fmt.Errorf("select provider key: %w", err)
	}

	ctx, span := c.tracer.ProviderCallSpan(ctx, key.ID)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, callErr := c.backend.Complete(callCtx, key.Secret(), req)
	latency := time.Since(start)

	outcome := keyhealth.Outcome{Success: callErr == nil, Latency: latency}
	var perr *Error
	if callErr != nil {
		perr = classify(callErr)
		outcome.RateLimited = perr.RateLimited
	}
	if ctx.Err() == nil {
		if err := c.registry.Report(context.WithoutCancel(ctx), key, outcome); err != nil {
			c.log.Error("Failed to report key outcome", logger.KeyID(key.ID), logger.Error(err))
		}
	}

	if callErr != nil {
		c.metrics.ObserveProviderCall(key.ID, outcomeLabel(perr), latency)
		observability.RecordError(span, perr)
		c.log.Warn("Provider call failed",
			logger.KeyID(key.ID),
			logger.String("kind", perr.Kind.String()),
			logger.Int("status", perr.StatusCode),
			logger.Bool("rate_limited", perr.RateLimited),
			logger.Duration("latency", latency),
			logger.Error(callErr),
		)
		return nil, fmt.Errorf("call provider with %s: %w", key.ID, perr)
	}

	c.metrics.ObserveProviderCall(key.ID, "success", latency)
	observability.SetSuccess(span)
	resp.KeyID = key.ID
	resp.Latency = latency
	return resp, nil
}

func outcomeLabel(e *Error) string {
	switch {
	case e.RateLimited:
		return "rate_limited"
	case e.Kind == Permanent:
		return "permanent"
	default:
		return "transient"
	}
}
