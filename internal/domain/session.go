package domain

import "time"

// SessionState is the aggregate state of a grading session.
type SessionState string

const (
	SessionPending   SessionState = "PENDING"
	SessionRunning   SessionState = "RUNNING"
	SessionCompleted SessionState = "COMPLETED"
	SessionFailed    SessionState = "FAILED"
	SessionCancelled SessionState = "CANCELLED"
)

// Terminal reports whether the session can no longer change state.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// SessionJob is a job's entry within its session.
type SessionJob struct {
	JobID        string    `json:"job_id"`
	SubmissionID string    `json:"submission_id"`
	RubricID     string    `json:"rubric_id"`
	Status       JobStatus `json:"status"`
	Attempt      int       `json:"attempt"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session groups the jobs a user started together.
type Session struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	UserLanguage string        `json:"user_language,omitempty"`
	State        SessionState  `json:"state"`
	Jobs         []*SessionJob `json:"jobs"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Job returns the session entry for jobID, or nil.
func (s *Session) Job(jobID string) *SessionJob {
	for _, j := range s.Jobs {
		if j.JobID == jobID {
			return j
		}
	}
	return nil
}

// JobIDs lists the session's jobs in creation order.
func (s *Session) JobIDs() []string {
	ids := make([]string, 0, len(s.Jobs))
	for _, j := range s.Jobs {
		ids = append(ids, j.JobID)
	}
	return ids
}

// Counts tallies jobs by status.
func (s *Session) Counts() map[JobStatus]int {
	counts := make(map[JobStatus]int, len(s.Jobs))
	for _, j := range s.Jobs {
		counts[j.Status]++
	}
	return counts
}
