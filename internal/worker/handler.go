package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/grader/internal/agent"
	"github.com/jonesrussell/north-cloud/grader/internal/archive"
	"github.com/jonesrussell/north-cloud/grader/internal/database"
	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/observability"
	"github.com/jonesrussell/north-cloud/grader/internal/progress"
	"github.com/jonesrussell/north-cloud/grader/internal/provider"
	"github.com/jonesrussell/north-cloud/grader/internal/queue"
)

// Job outcome labels.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeInconclusive = "inconclusive"
	OutcomeRetried      = "retried"
	OutcomeFailed       = "failed"
	OutcomeSkipped      = "skipped"
)

// Queue settles deliveries.
type Queue interface {
	Ack(ctx context.Context, d *queue.Delivery) error
	Skip(ctx context.Context, d *queue.Delivery) error
	Fail(ctx context.Context, d *queue.Delivery, reason string) error
	Retry(ctx context.Context, d *queue.Delivery, next *domain.GradingJob, readyAt time.Time) error
	KeepAlive(ctx context.Context, d *queue.Delivery) (stop func())
}

// Sessions records per-job status on the owning session.
type Sessions interface {
	BeginJob(ctx context.Context, sessionID, jobID string, attempt int) error
	RequeueJob(ctx context.Context, sessionID, jobID string, nextAttempt int, reason string) error
	FinishJob(ctx context.Context, sessionID, jobID string, status domain.JobStatus, errMsg string) (*domain.Session, error)
}

// BundleLoader loads what a job grades.
type BundleLoader interface {
	Load(ctx context.Context, job *domain.GradingJob) (*domain.Bundle, error)
}

// Grader runs the grading agent.
type Grader interface {
	Run(ctx context.Context, bundle *domain.Bundle, report agent.ProgressFunc) *agent.Outcome
}

// ResultStore persists grading results.
type ResultStore interface {
	Upsert(ctx context.Context, result *domain.GradingResult) error
}

// AttemptLog persists the attempt audit trail.
type AttemptLog interface {
	Record(ctx context.Context, a *database.Attempt) error
}

// TranscriptStore archives attempt transcripts.
type TranscriptStore interface {
	Put(ctx context.Context, t *archive.Transcript) (string, error)
}

// JobPublisher publishes per-job progress.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string, s progress.Snapshot) error
}

// Deps are the handler's collaborators. Transcripts may be nil.
type Deps struct {
	Queue       Queue
	Sessions    Sessions
	Bundles     BundleLoader
	Grader      Grader
	Results     ResultStore
	Attempts    AttemptLog
	Transcripts TranscriptStore
	Publisher   JobPublisher
}

// Handler processes one delivery end to end.
type Handler struct {
	Deps
	cfg     Config
	log     logger.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerMetrics records job metrics.
func WithHandlerMetrics(m *observability.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithHandlerClock injects the clock used for retry scheduling.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a Handler.
func NewHandler(deps Deps, cfg Config, log logger.Logger, opts ...HandlerOption) *Handler {
	cfg.setDefaults()
	h := &Handler{
		Deps:   deps,
		cfg:    cfg,
		log:    log.With(logger.Component("worker")),
		tracer: observability.NewTracer(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// attempt carries one delivery through the handler.
type attempt struct {
	d       *queue.Delivery
	job     *domain.GradingJob
	log     logger.Logger
	started time.Time
	out     *agent.Outcome
}

// Handle runs the delivery's job and settles it. An error means the
// delivery was left unacknowledged and will be redelivered once its
// lease expires.
func (h *Handler) Handle(ctx context.Context, d *queue.Delivery) error {
	job := d.Job
	ctx, span := h.tracer.JobSpan(ctx, job.ID, job.SubmissionID, job.RubricID, job.Attempt)
	defer span.End()

	h.metrics.JobStarted()
	defer h.metrics.JobEnded()

	a := &attempt{
		d:       d,
		job:     job,
		started: h.now(),
		log: h.log.With(
			logger.JobID(job.ID),
			logger.SessionID(job.SessionID),
			logger.SubmissionID(job.SubmissionID),
			logger.Attempt(job.Attempt),
		),
	}

	proceed, err := h.begin(ctx, a)
	if err != nil || !proceed {
		observability.RecordError(span, err)
		return err
	}

	stop := h.Queue.KeepAlive(ctx, d)
	defer stop()

	jobCtx, cancel := context.WithTimeout(ctx, h.cfg.JobTimeout)
	a.out = h.grade(jobCtx, a)
	cancel()

	if err = h.settle(ctx, a); err != nil {
		observability.RecordError(span, err)
		a.log.Error("Job left for redelivery", logger.Error(err))
		return err
	}
	observability.SetSuccess(span)
	return nil
}

// begin marks the job running on its session. A cancelled session or an
// already finished job skips the delivery; a missing session entry is
// logged and grading goes ahead.
func (h *Handler) begin(ctx context.Context, a *attempt) (bool, error) {
	if a.job.SessionID == "" {
		return true, nil
	}
	err := h.Sessions.BeginJob(ctx, a.job.SessionID, a.job.ID, a.job.Attempt)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrSessionCancelled):
		h.publish(ctx, a.job.ID, progress.Snapshot{
			Phase: progress.PhaseError, Progress: 100, Message: "Grading cancelled", Error: "cancelled",
		})
		if skipErr := h.Queue.Skip(ctx, a.d); skipErr != nil {
			return false, skipErr
		}
		a.log.Info("Skipped job of cancelled session")
		h.metrics.ObserveJob(OutcomeSkipped, h.now().Sub(a.started))
		return false, nil
	case errors.Is(err, domain.ErrJobFinished):
		if skipErr := h.Queue.Skip(ctx, a.d); skipErr != nil {
			return false, skipErr
		}
		a.log.Info("Skipped redelivery of finished job", logger.Error(err))
		h.metrics.ObserveJob(OutcomeSkipped, h.now().Sub(a.started))
		return false, nil
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrNotFound):
		a.log.Warn("Job has no session entry, grading anyway", logger.Error(err))
		return true, nil
	default:
		return false, fmt.Errorf("begin job %s: %w", a.job.ID, err)
	}
}

func (h *Handler) grade(ctx context.Context, a *attempt) *agent.Outcome {
	h.publish(ctx, a.job.ID, progress.Snapshot{Phase: progress.PhaseRunning, Progress: 5, Message: "Loading submission"})

	bundle, err := h.Bundles.Load(ctx, a.job)
	if err != nil {
		return &agent.Outcome{Status: agent.StatusFailure, Err: fmt.Errorf("load bundle: %w", err)}
	}
	if bundle.UserLanguage == "" {
		bundle.UserLanguage = a.job.UserLanguage
	}

	return h.Grader.Run(ctx, bundle, func(ctx context.Context, s progress.Snapshot) {
		h.publish(ctx, a.job.ID, s)
	})
}

func attemptError(out *agent.Outcome) error {
	if out.Status == agent.StatusMaxSteps {
		return fmt.Errorf("%w: step limit reached", ErrInconclusive)
	}
	return out.Err
}

// settle persists the attempt and decides the job's fate. Persistence
// comes before any queue acknowledgement.
func (h *Handler) settle(ctx context.Context, a *attempt) error {
	attemptErr := attemptError(a.out)
	kind := Classify(attemptErr)
	if kind.Retryable() && a.job.Attempt >= h.cfg.MaxAttempts {
		a.log.Warn("Job retry budget exhausted",
			logger.String("failure", kind.String()),
			logger.Int("max_attempts", h.cfg.MaxAttempts),
		)
	}

	switch {
	case kind == FailureNone:
		return h.succeed(ctx, a)
	case kind == FailureInconclusive:
		return h.inconclusive(ctx, a, attemptErr)
	case kind.Retryable() && a.job.Attempt < h.cfg.MaxAttempts:
		return h.retry(ctx, a, attemptErr)
	default:
		return h.fail(ctx, a, attemptErr)
	}
}

func (h *Handler) succeed(ctx context.Context, a *attempt) error {
	if err := h.record(ctx, a, database.OutcomeSucceeded, nil); err != nil {
		return err
	}
	if err := h.Results.Upsert(ctx, h.result(a)); err != nil {
		return err
	}
	if err := h.finish(ctx, a, domain.JobSucceeded, ""); err != nil {
		return err
	}
	h.publish(ctx, a.job.ID, progress.Snapshot{Phase: progress.PhaseCompleted, Progress: 100, Message: "Grading complete"})
	if err := h.Queue.Ack(ctx, a.d); err != nil {
		return err
	}

	a.log.Info("Job graded",
		logger.Float64("score", a.out.Result.TotalScore),
		logger.Bool("requires_review", a.out.Result.RequiresReview),
		logger.Int("steps", len(a.out.Steps)),
	)
	h.metrics.ObserveJob(OutcomeSucceeded, h.now().Sub(a.started))
	return nil
}

func (h *Handler) inconclusive(ctx context.Context, a *attempt, cause error) error {
	msg := SanitizeError(cause)
	if err := h.record(ctx, a, database.OutcomeFailed, cause); err != nil {
		return err
	}
	if err := h.Results.Upsert(ctx, h.result(a)); err != nil {
		return err
	}
	if err := h.finish(ctx, a, domain.JobFailed, msg); err != nil {
		return err
	}
	h.publishFailure(ctx, a.job.ID, msg)
	if err := h.Queue.Fail(ctx, a.d, msg); err != nil {
		return err
	}

	a.log.Warn("Job inconclusive, result kept for review", logger.Int("steps", len(a.out.Steps)))
	h.metrics.ObserveJob(OutcomeInconclusive, h.now().Sub(a.started))
	return nil
}

func (h *Handler) retry(ctx context.Context, a *attempt, cause error) error {
	delay := h.cfg.Backoff.Backoff(a.job.Attempt)
	readyAt := h.now().Add(delay)
	var throttled *provider.AllKeysThrottledError
	if errors.As(cause, &throttled) && throttled.RetryAt.After(readyAt) {
		readyAt = throttled.RetryAt
		delay = readyAt.Sub(h.now())
	}

	if err := h.record(ctx, a, database.OutcomeRetrying, cause); err != nil {
		return err
	}
	next := *a.job
	next.Attempt++
	if a.job.SessionID != "" {
		err := h.Sessions.RequeueJob(ctx, a.job.SessionID, a.job.ID, next.Attempt, SanitizeError(cause))
		if err != nil && !missingSession(err) {
			return fmt.Errorf("requeue job %s: %w", a.job.ID, err)
		}
	}
	h.publish(ctx, a.job.ID, progress.Snapshot{
		Phase:   progress.PhaseQueued,
		Message: fmt.Sprintf("Retrying in %s (attempt %d of %d)", delay.Round(time.Second), next.Attempt, h.cfg.MaxAttempts),
	})
	if err := h.Queue.Retry(ctx, a.d, &next, readyAt); err != nil {
		return err
	}

	a.log.Warn("Job attempt failed, retry scheduled",
		logger.String("failure", Classify(cause).String()),
		logger.Duration("delay", delay),
		logger.Error(cause),
	)
	h.metrics.ObserveJob(OutcomeRetried, h.now().Sub(a.started))
	return nil
}

func (h *Handler) fail(ctx context.Context, a *attempt, cause error) error {
	msg := SanitizeError(cause)
	if err := h.record(ctx, a, database.OutcomeFailed, cause); err != nil {
		return err
	}
	if err := h.finish(ctx, a, domain.JobFailed, msg); err != nil {
		return err
	}
	h.publishFailure(ctx, a.job.ID, msg)
	if err := h.Queue.Fail(ctx, a.d, msg); err != nil {
		return err
	}

	a.log.Error("Job failed",
		logger.String("failure", Classify(cause).String()),
		logger.Error(cause),
	)
	h.metrics.ObserveJob(OutcomeFailed, h.now().Sub(a.started))
	return nil
}

// result stamps the job identity onto the executor's result.
func (h *Handler) result(a *attempt) *domain.GradingResult {
	r := a.out.Result
	r.JobID = a.job.ID
	r.SessionID = a.job.SessionID
	r.Attempt = a.job.Attempt
	if r.SubmissionID == "" {
		r.SubmissionID = a.job.SubmissionID
	}
	if r.RubricID == "" {
		r.RubricID = a.job.RubricID
	}
	return r
}

// record archives the transcript and appends the audit row.
func (h *Handler) record(ctx context.Context, a *attempt, outcome string, cause error) error {
	finished := h.now()
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	var key string
	if h.Transcripts != nil {
		t := &archive.Transcript{
			JobID:        a.job.ID,
			SessionID:    a.job.SessionID,
			SubmissionID: a.job.SubmissionID,
			RubricID:     a.job.RubricID,
			Attempt:      a.job.Attempt,
			Status:       string(a.out.Status),
			Steps:        a.out.Steps,
			Usage:        a.out.Usage,
			Result:       a.out.Result,
			Error:        errMsg,
		}
		var err error
		if key, err = h.Transcripts.Put(ctx, t); err != nil {
			return fmt.Errorf("archive transcript: %w", err)
		}
	}

	row := &database.Attempt{
		JobID:         a.job.ID,
		Attempt:       a.job.Attempt,
		SubmissionID:  a.job.SubmissionID,
		RubricID:      a.job.RubricID,
		SessionID:     a.job.SessionID,
		AgentStatus:   string(a.out.Status),
		Outcome:       outcome,
		ErrorMessage:  errMsg,
		Steps:         len(a.out.Steps),
		InputTokens:   a.out.Usage.InputTokens,
		OutputTokens:  a.out.Usage.OutputTokens,
		ProviderCalls: a.out.Usage.ProviderCalls,
		DurationMS:    finished.Sub(a.started).Milliseconds(),
		TranscriptKey: key,
		StartedAt:     a.started.UTC(),
		FinishedAt:    finished.UTC(),
	}
	if err := h.Attempts.Record(ctx, row); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (h *Handler) finish(ctx context.Context, a *attempt, status domain.JobStatus, msg string) error {
	if a.job.SessionID == "" {
		return nil
	}
	_, err := h.Sessions.FinishJob(ctx, a.job.SessionID, a.job.ID, status, msg)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrJobFinished):
		a.log.Warn("Job status already settled", logger.Error(err))
	case missingSession(err):
		a.log.Warn("Job has no session entry", logger.Error(err))
	default:
		return fmt.Errorf("finish job %s: %w", a.job.ID, err)
	}
	return nil
}

func missingSession(err error) bool {
	return errors.Is(err, domain.ErrSessionNotFound) || errors.Is(err, domain.ErrNotFound)
}

func (h *Handler) publishFailure(ctx context.Context, jobID, msg string) {
	h.publish(ctx, jobID, progress.Snapshot{Phase: progress.PhaseError, Progress: 100, Message: "Grading failed", Error: msg})
}

func (h *Handler) publish(ctx context.Context, jobID string, s progress.Snapshot) {
	if h.Publisher == nil {
		return
	}
	if err := h.Publisher.PublishJob(ctx, jobID, s); err != nil {
		h.log.Warn("Failed to publish job progress", logger.JobID(jobID), logger.Error(err))
	}
}
