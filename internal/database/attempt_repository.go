package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Attempt outcomes recorded in the audit log.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRetrying  = "retrying"
)

// Attempt is one row of the grading audit log.
type Attempt struct {
	JobID         string    `db:"job_id"         json:"jobId"`
	Attempt       int       `db:"attempt"        json:"attempt"`
	SubmissionID  string    `db:"submission_id"  json:"submissionId"`
	RubricID      string    `db:"rubric_id"      json:"rubricId"`
	SessionID     string    `db:"session_id"     json:"sessionId,omitempty"`
	AgentStatus   string    `db:"agent_status"   json:"agentStatus"`
	Outcome       string    `db:"outcome"        json:"outcome"`
	ErrorMessage  string    `db:"error_message"  json:"errorMessage,omitempty"`
	Steps         int       `db:"steps"          json:"steps"`
	InputTokens   int64     `db:"input_tokens"   json:"inputTokens"`
	OutputTokens  int64     `db:"output_tokens"  json:"outputTokens"`
	ProviderCalls int       `db:"provider_calls" json:"providerCalls"`
	DurationMS    int64     `db:"duration_ms"    json:"durationMs"`
	TranscriptKey string    `db:"transcript_key" json:"transcriptKey,omitempty"`
	StartedAt     time.Time `db:"started_at"     json:"startedAt"`
	FinishedAt    time.Time `db:"finished_at"    json:"finishedAt"`
}

// AttemptRepository appends to the grading_attempts audit log.
type AttemptRepository struct {
	db *sqlx.DB
}

// NewAttemptRepository creates an AttemptRepository.
func NewAttemptRepository(db *sqlx.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// Record inserts the attempt. A redelivered attempt that was already
// recorded is ignored.
func (r *AttemptRepository) Record(ctx context.Context, a *Attempt) error {
	query := `
		INSERT INTO grading_attempts (
			job_id, attempt, submission_id, rubric_id, session_id,
			agent_status, outcome, error_message, steps, input_tokens,
			output_tokens, provider_calls, duration_ms, transcript_key,
			started_at, finished_at
		) VALUES (
			:job_id, :attempt, :submission_id, :rubric_id, :session_id,
			:agent_status, :outcome, :error_message, :steps, :input_tokens,
			:output_tokens, :provider_calls, :duration_ms, :transcript_key,
			:started_at, :finished_at
		)
		ON CONFLICT (job_id, attempt) DO NOTHING
	`

	if _, err := r.db.NamedExecContext(ctx, query, a); err != nil {
		return fmt.Errorf("record attempt %s#%d: %w", a.JobID, a.Attempt, err)
	}
	return nil
}

// ListByJob returns a job's attempts in order.
func (r *AttemptRepository) ListByJob(ctx context.Context, jobID string) ([]Attempt, error) {
	query := `
		SELECT job_id, attempt, submission_id, rubric_id, session_id,
			agent_status, outcome, error_message, steps, input_tokens,
			output_tokens, provider_calls, duration_ms, transcript_key,
			started_at, finished_at
		FROM grading_attempts
		WHERE job_id = $1
		ORDER BY attempt
	`

	var attempts []Attempt
	if err := r.db.SelectContext(ctx, &attempts, query, jobID); err != nil {
		return nil, fmt.Errorf("list attempts for job %s: %w", jobID, err)
	}
	return attempts, nil
}
