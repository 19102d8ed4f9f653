package domain_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
)

func TestGradingJob_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		job     domain.GradingJob
		wantErr bool
	}{
		{"complete", domain.GradingJob{ID: "j", SubmissionID: "s", RubricID: "r"}, false},
		{"no id", domain.GradingJob{SubmissionID: "s", RubricID: "r"}, true},
		{"no submission", domain.GradingJob{ID: "j", RubricID: "r"}, true},
		{"no rubric", domain.GradingJob{ID: "j", SubmissionID: "s"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.job.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, domain.ErrMissingField))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, domain.JobPending.Terminal())
	assert.False(t, domain.JobRunning.Terminal())
	assert.True(t, domain.JobSucceeded.Terminal())
	assert.True(t, domain.JobFailed.Terminal())
	assert.True(t, domain.JobSkipped.Terminal())

	assert.False(t, domain.SessionRunning.Terminal())
	assert.True(t, domain.SessionCancelled.Terminal())
}

func TestRubric(t *testing.T) {
	t.Parallel()

	r := domain.Rubric{Criteria: []domain.Criterion{
		{ID: "c1", MaxScore: 10},
		{ID: "c2", MaxScore: 5.5},
	}}
	assert.InDelta(t, 15.5, r.MaxScore(), 1e-9)

	c, ok := r.Criterion("c2")
	assert.True(t, ok)
	assert.InDelta(t, 5.5, c.MaxScore, 1e-9)

	_, ok = r.Criterion("missing")
	assert.False(t, ok)
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	assert.Equal(t, domain.PriorityHigh, domain.ParsePriority("high"))
	assert.Equal(t, domain.PriorityLow, domain.ParsePriority("low"))
	assert.Equal(t, domain.PriorityNormal, domain.ParsePriority(""))
	assert.Equal(t, "normal", domain.PriorityNormal.String())
}
