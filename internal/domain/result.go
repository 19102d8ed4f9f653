package domain

import (
	"encoding/json"
	"time"
)

// AgentStep records one model turn or tool invocation within a job attempt.
type AgentStep struct {
	Number    int             `json:"step_number"`
	Tool      string          `json:"tool,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Duration  time.Duration   `json:"duration_ns"`
	Timestamp time.Time       `json:"timestamp"`
}

// EvidenceQuality is the qualitative strength of the grading evidence.
type EvidenceQuality string

const (
	EvidenceHigh   EvidenceQuality = "high"
	EvidenceMedium EvidenceQuality = "medium"
	EvidenceLow    EvidenceQuality = "low"
)

// ConfidenceFactors are the inputs the confidence score is derived from.
type ConfidenceFactors struct {
	RubricCoverage    float64         `json:"rubric_coverage"`
	EvidenceQuality   EvidenceQuality `json:"evidence_quality"`
	CriteriaAmbiguity float64         `json:"criteria_ambiguity"`
}

// ConfidenceScore is computed by the executor, never taken from the model.
type ConfidenceScore struct {
	Score        float64           `json:"score"`
	ShouldReview bool              `json:"should_review"`
	Factors      ConfidenceFactors `json:"factors"`
	Reason       string            `json:"reason"`
}

// CriterionScore is one rubric criterion's score.
type CriterionScore struct {
	CriterionID string  `json:"criteria_id"`
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	MaxScore    float64 `json:"max_score"`
	Feedback    string  `json:"feedback"`
}

// Usage is the provider cost of one attempt.
type Usage struct {
	InputTokens   int64         `json:"input_tokens"`
	OutputTokens  int64         `json:"output_tokens"`
	ProviderCalls int           `json:"provider_calls"`
	Duration      time.Duration `json:"duration_ns"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.ProviderCalls += other.ProviderCalls
	u.Duration += other.Duration
}

// ResultStatus distinguishes a graded result from partial ones.
type ResultStatus string

const (
	ResultCompleted    ResultStatus = "COMPLETED"
	ResultInconclusive ResultStatus = "INCONCLUSIVE"
	ResultFailed       ResultStatus = "FAILED"
)

// GradingResult is the persisted outcome for a (submission, rubric) pair.
type GradingResult struct {
	SubmissionID    string           `json:"submission_id"`
	RubricID        string           `json:"rubric_id"`
	JobID           string           `json:"job_id"`
	SessionID       string           `json:"session_id,omitempty"`
	Status          ResultStatus     `json:"status"`
	TotalScore      float64          `json:"total_score"`
	MaxScore        float64          `json:"max_score"`
	Breakdown       []CriterionScore `json:"breakdown"`
	OverallFeedback string           `json:"overall_feedback"`
	Confidence      *ConfidenceScore `json:"confidence,omitempty"`
	RequiresReview  bool             `json:"requires_review"`
	SimilarityFlag  bool             `json:"similarity_flagged"`
	Usage           Usage            `json:"usage"`
	Steps           []AgentStep      `json:"steps"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	Attempt         int              `json:"attempt"`
	CompletedAt     time.Time        `json:"completed_at"`
}
