package worker

import (
	"context"
	"errors"

	"github.com/jonesrussell/north-cloud/grader/internal/agent"
	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/provider"
)

// ErrInconclusive marks an attempt that hit the agent step limit.
var ErrInconclusive = errors.New("grading inconclusive")

// FailureKind decides what happens to a job after an attempt.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureTransient is retried with backoff.
	FailureTransient
	// FailurePermanent fails the job at once.
	FailurePermanent
	// FailureAllKeysThrottled is retried with backoff; once the budget is
	// spent it is reported as capacity exhaustion.
	FailureAllKeysThrottled
	// FailureInconclusive keeps the partial result and fails the job.
	FailureInconclusive
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	case FailureAllKeysThrottled:
		return "all_keys_throttled"
	case FailureInconclusive:
		return "inconclusive"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind is retried at the job level.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient || k == FailureAllKeysThrottled
}

// Classify maps an attempt error to its FailureKind. Errors that carry no
// classification (store outages and the like) are treated as transient.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, ErrInconclusive) {
		return FailureInconclusive
	}
	if provider.IsAllKeysThrottled(err) {
		return FailureAllKeysThrottled
	}
	if errors.Is(err, agent.ErrUnknownTool) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrMissingField) {
		return FailurePermanent
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		if perr.Kind == provider.Permanent {
			return FailurePermanent
		}
		return FailureTransient
	}
	return FailureTransient
}

// User-facing failure messages.
const (
	MsgCapacityExhausted = "grading capacity exhausted, try again later"
	MsgInconclusive      = "grading did not conclude, a reviewer will grade this submission"
	MsgNotFound          = "submission or rubric not found"
	MsgInvalidAction     = "grading agent produced an invalid action"
	MsgRejected          = "grading request was rejected by the AI provider"
	MsgUnavailable       = "grading service unavailable, try again later"
	MsgTimedOut          = "grading timed out"
	MsgFailed            = "grading failed"
)

// SanitizeError maps err to a short message safe to show users. Raw
// provider text never passes through.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrInconclusive):
		return MsgInconclusive
	case provider.IsAllKeysThrottled(err):
		return MsgCapacityExhausted
	case errors.Is(err, domain.ErrNotFound):
		return MsgNotFound
	case errors.Is(err, agent.ErrUnknownTool):
		return MsgInvalidAction
	case errors.Is(err, context.DeadlineExceeded):
		return MsgTimedOut
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		if perr.Kind == provider.Permanent {
			return MsgRejected
		}
		return MsgUnavailable
	}
	return MsgFailed
}
