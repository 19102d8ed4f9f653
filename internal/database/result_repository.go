package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
)

// ResultRepository stores one grading result per (submission, rubric).
type ResultRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewResultRepository creates a ResultRepository.
func NewResultRepository(db *sqlx.DB) *ResultRepository {
	return &ResultRepository{db: db, now: time.Now}
}

// Upsert writes the result, replacing any earlier result for the same
// submission and rubric so a redelivered job overwrites instead of
// duplicating.
func (r *ResultRepository) Upsert(ctx context.Context, result *domain.GradingResult) error {
	breakdown, err := json.Marshal(nonNil(result.Breakdown))
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}
	var confidence any
	if result.Confidence != nil {
		raw, marshalErr := json.Marshal(result.Confidence)
		if marshalErr != nil {
			return fmt.Errorf("marshal confidence: %w", marshalErr)
		}
		confidence = raw
	}
	usage, err := json.Marshal(result.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	steps, err := json.Marshal(nonNil(result.Steps))
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	query := `
		INSERT INTO grading_results (
			submission_id, rubric_id, job_id, session_id, status,
			total_score, max_score, breakdown, overall_feedback, confidence,
			requires_review, similarity_flagged, usage, steps, error_message,
			attempt, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (submission_id, rubric_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			session_id = EXCLUDED.session_id,
			status = EXCLUDED.status,
			total_score = EXCLUDED.total_score,
			max_score = EXCLUDED.max_score,
			breakdown = EXCLUDED.breakdown,
			overall_feedback = EXCLUDED.overall_feedback,
			confidence = EXCLUDED.confidence,
			requires_review = EXCLUDED.requires_review,
			similarity_flagged = EXCLUDED.similarity_flagged,
			usage = EXCLUDED.usage,
			steps = EXCLUDED.steps,
			error_message = EXCLUDED.error_message,
			attempt = EXCLUDED.attempt,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		result.SubmissionID, result.RubricID, result.JobID, result.SessionID, string(result.Status),
		result.TotalScore, result.MaxScore, breakdown, result.OverallFeedback, confidence,
		result.RequiresReview, result.SimilarityFlag, usage, steps, result.ErrorMessage,
		result.Attempt, result.CompletedAt, r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert grading result %s/%s: %w", result.SubmissionID, result.RubricID, err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
