package session

import (
	"fmt"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/progress"
)

// Aggregate derives a session's state from its jobs. CANCELLED is sticky.
// Once every job is terminal the session is COMPLETED only if all of them
// succeeded and FAILED otherwise; until then it stays where it is, moving
// from PENDING to RUNNING as soon as a job leaves PENDING.
func Aggregate(current domain.SessionState, jobs []*domain.SessionJob) domain.SessionState {
	if current == domain.SessionCancelled {
		return current
	}
	if len(jobs) == 0 {
		return current
	}

	terminal, succeeded, started := 0, 0, false
	for _, j := range jobs {
		if j.Status.Terminal() {
			terminal++
		}
		if j.Status == domain.JobSucceeded {
			succeeded++
		}
		if j.Status != domain.JobPending {
			started = true
		}
	}

	if terminal == len(jobs) {
		if succeeded == len(jobs) {
			return domain.SessionCompleted
		}
		return domain.SessionFailed
	}
	if current == domain.SessionPending && started {
		return domain.SessionRunning
	}
	return current
}

// Snapshot renders a session as a progress snapshot. Progress is the share
// of jobs that reached a terminal status.
func Snapshot(s *domain.Session) progress.Snapshot {
	total := len(s.Jobs)
	counts := s.Counts()
	done := counts[domain.JobSucceeded] + counts[domain.JobFailed] + counts[domain.JobSkipped]
	pct := 0
	if total > 0 {
		pct = done * 100 / total
	}

	switch s.State {
	case domain.SessionCompleted:
		return progress.Snapshot{
			Phase:    progress.PhaseCompleted,
			Progress: 100,
			Message:  fmt.Sprintf("Graded %d of %d submissions", total, total),
		}
	case domain.SessionFailed:
		failed := counts[domain.JobFailed]
		return progress.Snapshot{
			Phase:    progress.PhaseError,
			Progress: 100,
			Message:  fmt.Sprintf("Graded %d of %d submissions", counts[domain.JobSucceeded], total),
			Error:    fmt.Sprintf("%d grading job(s) failed", failed),
		}
	case domain.SessionCancelled:
		return progress.Snapshot{
			Phase:    progress.PhaseError,
			Progress: pct,
			Message:  "Grading session cancelled",
			Error:    "cancelled",
		}
	}

	phase := progress.PhaseRunning
	if counts[domain.JobPending] == total {
		phase = progress.PhaseQueued
	}
	return progress.Snapshot{
		Phase:    phase,
		Progress: pct,
		Message:  fmt.Sprintf("Graded %d of %d submissions", done, total),
	}
}
