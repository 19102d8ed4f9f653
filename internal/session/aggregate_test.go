package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/progress"
	"github.com/jonesrussell/north-cloud/grader/internal/session"
)

func jobs(statuses ...domain.JobStatus) []*domain.SessionJob {
	out := make([]*domain.SessionJob, len(statuses))
	for i, s := range statuses {
		out[i] = &domain.SessionJob{JobID: string(rune('a' + i)), Status: s}
	}
	return out
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		current domain.SessionState
		jobs    []*domain.SessionJob
		want    domain.SessionState
	}{
		{"all succeeded", domain.SessionRunning, jobs(domain.JobSucceeded, domain.JobSucceeded), domain.SessionCompleted},
		{"one failed of three", domain.SessionRunning, jobs(domain.JobSucceeded, domain.JobFailed, domain.JobSucceeded), domain.SessionFailed},
		{"failure waits for outstanding jobs", domain.SessionRunning, jobs(domain.JobFailed, domain.JobRunning), domain.SessionRunning},
		{"pending stays pending", domain.SessionPending, jobs(domain.JobPending, domain.JobPending), domain.SessionPending},
		{"first start moves to running", domain.SessionPending, jobs(domain.JobRunning, domain.JobPending), domain.SessionRunning},
		{"cancelled is sticky on failure", domain.SessionCancelled, jobs(domain.JobFailed, domain.JobSkipped), domain.SessionCancelled},
		{"cancelled is sticky on success", domain.SessionCancelled, jobs(domain.JobSucceeded), domain.SessionCancelled},
		{"skipped is not success", domain.SessionRunning, jobs(domain.JobSucceeded, domain.JobSkipped), domain.SessionFailed},
		{"no jobs keeps state", domain.SessionRunning, nil, domain.SessionRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, session.Aggregate(tt.current, tt.jobs))
		})
	}
}

// Every combination of terminal statuses over three jobs: COMPLETED iff
// all succeeded, FAILED otherwise.
func TestAggregate_AllTerminalCombinations(t *testing.T) {
	t.Parallel()

	terminal := []domain.JobStatus{domain.JobSucceeded, domain.JobFailed, domain.JobSkipped}
	for _, a := range terminal {
		for _, b := range terminal {
			for _, c := range terminal {
				got := session.Aggregate(domain.SessionRunning, jobs(a, b, c))
				allOK := a == domain.JobSucceeded && b == domain.JobSucceeded && c == domain.JobSucceeded
				if allOK {
					assert.Equal(t, domain.SessionCompleted, got)
				} else {
					assert.Equal(t, domain.SessionFailed, got, "%s %s %s", a, b, c)
				}
			}
		}
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	running := &domain.Session{State: domain.SessionRunning, Jobs: jobs(domain.JobSucceeded, domain.JobRunning, domain.JobPending, domain.JobFailed)}
	s := session.Snapshot(running)
	assert.Equal(t, progress.PhaseRunning, s.Phase)
	assert.Equal(t, 50, s.Progress)

	queued := &domain.Session{State: domain.SessionRunning, Jobs: jobs(domain.JobPending)}
	assert.Equal(t, progress.PhaseQueued, session.Snapshot(queued).Phase)

	done := &domain.Session{State: domain.SessionCompleted, Jobs: jobs(domain.JobSucceeded)}
	assert.Equal(t, progress.Snapshot{Phase: progress.PhaseCompleted, Progress: 100, Message: "Graded 1 of 1 submissions"}, session.Snapshot(done))

	failed := session.Snapshot(&domain.Session{State: domain.SessionFailed, Jobs: jobs(domain.JobSucceeded, domain.JobFailed)})
	assert.Equal(t, progress.PhaseError, failed.Phase)
	assert.Equal(t, "1 grading job(s) failed", failed.Error)

	cancelled := session.Snapshot(&domain.Session{State: domain.SessionCancelled, Jobs: jobs(domain.JobSucceeded, domain.JobSkipped)})
	assert.Equal(t, progress.PhaseError, cancelled.Phase)
	assert.Equal(t, "cancelled", cancelled.Error)
}
