// Package session groups grading jobs started together, keeps their
// per-job status and derives the session's aggregate state and progress.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/progress"
)

const (
	defaultMaxPairs = 50
	errorQueueing   = "could not be queued"
	errorCancelled  = "cancelled"
)

// ErrInvalidRequest is returned for a StartRequest that cannot be started.
var ErrInvalidRequest = errors.New("invalid session request")

// Enqueuer puts jobs on the grading queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *domain.GradingJob) (string, error)
}

// Publisher broadcasts progress snapshots.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string, s progress.Snapshot) error
	PublishSession(ctx context.Context, sessionID string, s progress.Snapshot) error
}

// Pair is one (submission, rubric) to grade.
type Pair struct {
	SubmissionID string `json:"submissionId"`
	RubricID     string `json:"rubricId"`
}

// StartRequest describes a new session.
type StartRequest struct {
	OwnerID      string
	Pairs        []Pair
	UserLanguage string
	Priority     domain.Priority
}

// Coordinator is safe for concurrent use by API handlers and workers.
type Coordinator struct {
	store     Store
	queue     Enqueuer
	publisher Publisher
	log       logger.Logger
	maxPairs  int
	now       func() time.Time
	newID     func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithMaxPairs(n int) Option { return func(c *Coordinator) { c.maxPairs = n } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func WithIDGenerator(f func() string) Option { return func(c *Coordinator) { c.newID = f } }

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Store, queue Enqueuer, publisher Publisher, log logger.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		queue:     queue,
		publisher: publisher,
		log:       log.With(logger.Component("session")),
		maxPairs:  defaultMaxPairs,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start creates a session, enqueues one job per pair and moves the session
// to RUNNING. Pairs that fail to enqueue are marked FAILED and the error is
// returned with the session.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (*domain.Session, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	sess := &domain.Session{
		ID:           c.newID(),
		OwnerID:      req.OwnerID,
		UserLanguage: req.UserLanguage,
		State:        domain.SessionPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	jobs := make([]*domain.GradingJob, 0, len(req.Pairs))
	for _, p := range req.Pairs {
		job := &domain.GradingJob{
			ID:           c.newID(),
			SubmissionID: p.SubmissionID,
			RubricID:     p.RubricID,
			SessionID:    sess.ID,
			OwnerID:      req.OwnerID,
			UserLanguage: req.UserLanguage,
			Attempt:      1,
			Priority:     req.Priority,
		}
		jobs = append(jobs, job)
		sess.Jobs = append(sess.Jobs, &domain.SessionJob{
			JobID:        job.ID,
			SubmissionID: p.SubmissionID,
			RubricID:     p.RubricID,
			Status:       domain.JobPending,
			Attempt:      1,
			UpdatedAt:    now,
		})
	}
	if err := c.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	var enqueueErr error
	unqueued := map[string]bool{}
	for _, job := range jobs {
		if enqueueErr != nil {
			unqueued[job.ID] = true
			continue
		}
		if _, err := c.queue.Enqueue(ctx, job); err != nil {
			enqueueErr = fmt.Errorf("enqueue job %s: %w", job.ID, err)
			unqueued[job.ID] = true
			continue
		}
		c.publishJob(ctx, job.ID, progress.Snapshot{Phase: progress.PhaseQueued, Message: "Waiting for a grader"})
	}

	updated, err := c.store.Update(ctx, sess.ID, func(s *domain.Session) error {
		at := c.now().UTC()
		for _, j := range s.Jobs {
			if unqueued[j.JobID] && j.Status == domain.JobPending {
				j.Status = domain.JobFailed
				j.Error = errorQueueing
				j.UpdatedAt = at
			}
		}
		if s.State == domain.SessionPending {
			s.State = domain.SessionRunning
		}
		s.State = Aggregate(s.State, s.Jobs)
		s.UpdatedAt = at
		return nil
	})
	if err != nil {
		return nil, errors.Join(enqueueErr, err)
	}

	c.publishSession(ctx, updated)
	c.log.Info("Grading session started",
		logger.SessionID(updated.ID),
		logger.String("owner_id", updated.OwnerID),
		logger.Int("jobs", len(updated.Jobs)),
	)
	return updated, enqueueErr
}

func (c *Coordinator) validate(req StartRequest) error {
	if len(req.Pairs) == 0 {
		return fmt.Errorf("%w: at least one submission is required", ErrInvalidRequest)
	}
	if len(req.Pairs) > c.maxPairs {
		return fmt.Errorf("%w: at most %d submissions per session", ErrInvalidRequest, c.maxPairs)
	}
	for i, p := range req.Pairs {
		if strings.TrimSpace(p.SubmissionID) == "" || strings.TrimSpace(p.RubricID) == "" {
			return fmt.Errorf("%w: pair %d needs submissionId and rubricId", ErrInvalidRequest, i)
		}
	}
	return nil
}

// Get returns a session.
func (c *Coordinator) Get(ctx context.Context, id string) (*domain.Session, error) {
	return c.store.Get(ctx, id)
}

// Cancel stops a PENDING or RUNNING session. Jobs not yet started are
// marked SKIPPED; running jobs finish but cannot change the outcome.
// A non-empty ownerID must match the session owner.
func (c *Coordinator) Cancel(ctx context.Context, id, ownerID string) (*domain.Session, error) {
	var skipped []string
	updated, err := c.store.Update(ctx, id, func(s *domain.Session) error {
		skipped = skipped[:0]
		if ownerID != "" && s.OwnerID != ownerID {
			return fmt.Errorf("%w: session %s", domain.ErrForbidden, id)
		}
		if s.State.Terminal() {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, s.State, domain.SessionCancelled)
		}
		at := c.now().UTC()
		s.State = domain.SessionCancelled
		for _, j := range s.Jobs {
			if j.Status == domain.JobPending {
				j.Status = domain.JobSkipped
				j.Error = errorCancelled
				j.UpdatedAt = at
				skipped = append(skipped, j.JobID)
			}
		}
		s.UpdatedAt = at
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, jobID := range skipped {
		c.publishJob(ctx, jobID, progress.Snapshot{Phase: progress.PhaseError, Progress: 100, Message: "Grading cancelled", Error: errorCancelled})
	}
	c.publishSession(ctx, updated)
	c.log.Info("Grading session cancelled", logger.SessionID(id), logger.Int("skipped", len(skipped)))
	return updated, nil
}

// BeginJob marks a job RUNNING. For a cancelled session it marks the job
// SKIPPED instead and returns ErrSessionCancelled. A job that already reached
// a terminal status, or belongs to a finished session, is left untouched and
// ErrJobFinished is returned.
func (c *Coordinator) BeginJob(ctx context.Context, sessionID, jobID string, attempt int) error {
	updated, err := c.store.Update(ctx, sessionID, func(s *domain.Session) error {
		j := s.Job(jobID)
		if j == nil {
			return fmt.Errorf("%w: job %s in session %s", domain.ErrNotFound, jobID, sessionID)
		}
		at := c.now().UTC()
		if s.State == domain.SessionCancelled {
			if !j.Status.Terminal() {
				j.Status = domain.JobSkipped
				j.Error = errorCancelled
				j.UpdatedAt = at
			}
			return nil
		}
		if s.State.Terminal() || j.Status.Terminal() {
			return fmt.Errorf("%w: job %s is %s", domain.ErrJobFinished, jobID, j.Status)
		}
		j.Status = domain.JobRunning
		j.Attempt = attempt
		j.Error = ""
		j.UpdatedAt = at
		s.State = Aggregate(s.State, s.Jobs)
		s.UpdatedAt = at
		return nil
	})
	if err != nil {
		return err
	}
	if updated.State == domain.SessionCancelled {
		return fmt.Errorf("%w: %s", domain.ErrSessionCancelled, sessionID)
	}
	c.publishSession(ctx, updated)
	return nil
}

// RequeueJob puts a job back to PENDING for a scheduled retry.
func (c *Coordinator) RequeueJob(ctx context.Context, sessionID, jobID string, nextAttempt int, reason string) error {
	updated, err := c.store.Update(ctx, sessionID, func(s *domain.Session) error {
		j := s.Job(jobID)
		if j == nil {
			return fmt.Errorf("%w: job %s in session %s", domain.ErrNotFound, jobID, sessionID)
		}
		if s.State.Terminal() || j.Status.Terminal() {
			return nil
		}
		at := c.now().UTC()
		j.Status = domain.JobPending
		j.Attempt = nextAttempt
		j.Error = reason
		j.UpdatedAt = at
		s.UpdatedAt = at
		return nil
	})
	if err != nil {
		return err
	}
	c.publishSession(ctx, updated)
	return nil
}

// FinishJob records a job's terminal status and recomputes the session. The
// first terminal status wins; later calls return ErrJobFinished without
// changing the session.
func (c *Coordinator) FinishJob(ctx context.Context, sessionID, jobID string, status domain.JobStatus, errMsg string) (*domain.Session, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %s is not a terminal job status", domain.ErrInvalidTransition, status)
	}
	updated, err := c.store.Update(ctx, sessionID, func(s *domain.Session) error {
		j := s.Job(jobID)
		if j == nil {
			return fmt.Errorf("%w: job %s in session %s", domain.ErrNotFound, jobID, sessionID)
		}
		if j.Status.Terminal() || s.State == domain.SessionCompleted || s.State == domain.SessionFailed {
			return fmt.Errorf("%w: job %s is %s", domain.ErrJobFinished, jobID, j.Status)
		}
		at := c.now().UTC()
		j.Status = status
		j.Error = errMsg
		j.UpdatedAt = at
		s.State = Aggregate(s.State, s.Jobs)
		s.UpdatedAt = at
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publishSession(ctx, updated)
	if updated.State.Terminal() {
		c.log.Info("Grading session finished",
			logger.SessionID(sessionID),
			logger.String("state", string(updated.State)),
		)
	}
	return updated, nil
}

// JobRemoved fails a job that left the queue without finishing. It has the
// queue's removal hook signature.
func (c *Coordinator) JobRemoved(ctx context.Context, job *domain.GradingJob, reason string) {
	if job.SessionID == "" {
		return
	}
	c.publishJob(ctx, job.ID, progress.Snapshot{Phase: progress.PhaseError, Progress: 100, Message: "Grading failed", Error: reason})
	if _, err := c.FinishJob(ctx, job.SessionID, job.ID, domain.JobFailed, reason); err != nil && !errors.Is(err, domain.ErrJobFinished) {
		c.log.Warn("Could not record removed job",
			logger.SessionID(job.SessionID),
			logger.JobID(job.ID),
			logger.Error(err),
		)
	}
}

func (c *Coordinator) publishSession(ctx context.Context, s *domain.Session) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishSession(ctx, s.ID, Snapshot(s)); err != nil {
		c.log.Warn("Failed to publish session progress", logger.SessionID(s.ID), logger.Error(err))
	}
}

func (c *Coordinator) publishJob(ctx context.Context, jobID string, snap progress.Snapshot) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishJob(ctx, jobID, snap); err != nil {
		c.log.Warn("Failed to publish job progress", logger.JobID(jobID), logger.Error(err))
	}
}
