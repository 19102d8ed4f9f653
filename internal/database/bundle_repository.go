package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
)

const defaultPriorLimit = 20

// BundleRepository assembles the submission, rubric, reference documents
// and prior submissions for one grading job.
type BundleRepository struct {
	db         *sqlx.DB
	priorLimit int
}

// NewBundleRepository creates a BundleRepository that loads at most
// priorLimit prior submissions per bundle.
func NewBundleRepository(db *sqlx.DB, priorLimit int) *BundleRepository {
	if priorLimit <= 0 {
		priorLimit = defaultPriorLimit
	}
	return &BundleRepository{db: db, priorLimit: priorLimit}
}

type submissionRow struct {
	ID       string `db:"id"`
	FileName string `db:"file_name"`
	Content  string `db:"content"`
}

type rubricRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
}

type criterionRow struct {
	ID          string  `db:"id"`
	Name        string  `db:"name"`
	Description string  `db:"description"`
	MaxScore    float64 `db:"max_score"`
	Levels      []byte  `db:"levels"`
}

// Load returns the bundle for job. A missing submission or rubric is
// reported as domain.ErrNotFound.
func (r *BundleRepository) Load(ctx context.Context, job *domain.GradingJob) (*domain.Bundle, error) {
	var sub submissionRow
	err := r.db.GetContext(ctx, &sub, `SELECT id, file_name, content FROM submissions WHERE id = $1`, job.SubmissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", job.SubmissionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load submission %s: %w", job.SubmissionID, err)
	}

	rubric, err := r.loadRubric(ctx, job.RubricID)
	if err != nil {
		return nil, err
	}

	var refs []domain.ReferenceDocument
	err = r.db.SelectContext(ctx, &refs, `
		SELECT id, file_name, content
		FROM reference_documents
		WHERE rubric_id = $1
		ORDER BY created_at, id
	`, job.RubricID)
	if err != nil {
		return nil, fmt.Errorf("load reference documents for rubric %s: %w", job.RubricID, err)
	}

	var prior []domain.PriorSubmission
	err = r.db.SelectContext(ctx, &prior, `
		SELECT s.id, s.file_name, s.content
		FROM submissions s
		JOIN grading_results g ON g.submission_id = s.id
		WHERE g.rubric_id = $1 AND s.id <> $2
		ORDER BY g.completed_at DESC
		LIMIT $3
	`, job.RubricID, job.SubmissionID, r.priorLimit)
	if err != nil {
		return nil, fmt.Errorf("load prior submissions for rubric %s: %w", job.RubricID, err)
	}

	return &domain.Bundle{
		SubmissionID:     sub.ID,
		FileName:         sub.FileName,
		Content:          sub.Content,
		Rubric:           *rubric,
		References:       refs,
		PriorSubmissions: prior,
		UserLanguage:     job.UserLanguage,
	}, nil
}

func (r *BundleRepository) loadRubric(ctx context.Context, rubricID string) (*domain.Rubric, error) {
	var row rubricRow
	err := r.db.GetContext(ctx, &row, `SELECT id, name, description FROM rubrics WHERE id = $1`, rubricID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rubric %s: %w", rubricID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load rubric %s: %w", rubricID, err)
	}

	var rows []criterionRow
	err = r.db.SelectContext(ctx, &rows, `
		SELECT id, name, description, max_score, levels
		FROM rubric_criteria
		WHERE rubric_id = $1
		ORDER BY position, id
	`, rubricID)
	if err != nil {
		return nil, fmt.Errorf("load criteria for rubric %s: %w", rubricID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("rubric %s has no criteria: %w", rubricID, domain.ErrNotFound)
	}

	rubric := &domain.Rubric{ID: row.ID, Name: row.Name, Description: row.Description}
	for _, c := range rows {
		criterion := domain.Criterion{ID: c.ID, Name: c.Name, Description: c.Description, MaxScore: c.MaxScore}
		if len(c.Levels) > 0 {
			if err = json.Unmarshal(c.Levels, &criterion.Levels); err != nil {
				return nil, fmt.Errorf("decode levels for criterion %s: %w", c.ID, err)
			}
		}
		rubric.Criteria = append(rubric.Criteria, criterion)
	}
	return rubric, nil
}
