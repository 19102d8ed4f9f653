// Package domain holds the types shared between the grading queue, the
// worker, the agent and the session coordinator.
package domain

import (
	"fmt"
	"time"
)

// Priority selects which queue stream a job lands on.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority accepts "high", "normal" and "low"; anything else is normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// GradingJob is one (submission, rubric) pair waiting to be graded.
type GradingJob struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	RubricID     string    `json:"rubric_id"`
	SessionID    string    `json:"session_id,omitempty"`
	OwnerID      string    `json:"owner_id,omitempty"`
	UserLanguage string    `json:"user_language,omitempty"`
	Attempt      int       `json:"attempt"`
	Priority     Priority  `json:"priority"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	NotBefore    time.Time `json:"not_before,omitzero"`
}

// Validate rejects jobs that cannot be graded.
func (j *GradingJob) Validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("grading job: %w: id", ErrMissingField)
	case j.SubmissionID == "":
		return fmt.Errorf("grading job %s: %w: submission_id", j.ID, ErrMissingField)
	case j.RubricID == "":
		return fmt.Errorf("grading job %s: %w: rubric_id", j.ID, ErrMissingField)
	}
	return nil
}

// JobStatus is the per-job status tracked inside a session.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	// JobSkipped marks a job discarded because its session was cancelled.
	JobSkipped JobStatus = "SKIPPED"
)

// Terminal reports whether no further work will happen for the job.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobSkipped
}
