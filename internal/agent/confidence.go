package agent

import (
	"context"
	"encoding/json"
	"math"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
)

// DefaultConfidenceThreshold is the score below which a result is sent to
// human review.
const DefaultConfidenceThreshold = 0.7

const (
	weightCoverage  = 0.4
	weightEvidence  = 0.4
	weightAmbiguity = 0.2

	// defaultConfidence applies when the model never asked for a score.
	defaultConfidence = 0.5
)

var evidenceWeights = map[domain.EvidenceQuality]float64{
	domain.EvidenceHigh:   1.0,
	domain.EvidenceMedium: 0.7,
	domain.EvidenceLow:    0.4,
}

type calculateConfidenceInput struct {
	RubricCoverage    *float64 `json:"rubricCoverage"`
	EvidenceQuality   string   `json:"evidenceQuality"`
	CriteriaAmbiguity *float64 `json:"criteriaAmbiguity"`
}

func (e *Executor) runCalculateConfidence(_ context.Context, st *runState, raw json.RawMessage) (any, error) {
	var in calculateConfidenceInput
	if err := decodeInput(ToolCalculateConfidence, raw, &in); err != nil {
		return nil, err
	}
	if err := unitInterval(in.RubricCoverage, "rubricCoverage"); err != nil {
		return nil, err
	}
	if err := unitInterval(in.CriteriaAmbiguity, "criteriaAmbiguity"); err != nil {
		return nil, err
	}
	quality := domain.EvidenceQuality(in.EvidenceQuality)
	if _, ok := evidenceWeights[quality]; !ok {
		return nil, invalidInput(ToolCalculateConfidence, "evidenceQuality must be high, medium or low")
	}

	score := computeConfidence(domain.ConfidenceFactors{
		RubricCoverage:    *in.RubricCoverage,
		EvidenceQuality:   quality,
		CriteriaAmbiguity: *in.CriteriaAmbiguity,
	}, e.threshold)
	st.confidence = &score
	return score, nil
}

func unitInterval(v *float64, name string) error {
	if v == nil {
		return invalidInput(ToolCalculateConfidence, "%s is required", name)
	}
	if math.IsNaN(*v) || *v < 0 || *v > 1 {
		return invalidInput(ToolCalculateConfidence, "%s must be between 0 and 1", name)
	}
	return nil
}

// computeConfidence is 0.4*coverage + 0.4*evidence + 0.2*(1-ambiguity).
func computeConfidence(f domain.ConfidenceFactors, threshold float64) domain.ConfidenceScore {
	raw := weightCoverage*f.RubricCoverage +
		weightEvidence*evidenceWeights[f.EvidenceQuality] +
		weightAmbiguity*(1-f.CriteriaAmbiguity)
	score := round2(min(max(raw, 0), 1))
	return domain.ConfidenceScore{
		Score:        score,
		ShouldReview: score < threshold,
		Factors:      f,
		Reason:       confidenceReason(score),
	}
}

func confidenceReason(score float64) string {
	switch {
	case score >= 0.85:
		return "High confidence: the rubric is well covered by clear evidence."
	case score >= 0.7:
		return "Moderate confidence: grading is reasonable but some criteria rest on thin evidence."
	case score >= 0.5:
		return "Low confidence: evidence is incomplete or criteria are ambiguous; a human should review."
	default:
		return "Very low confidence: the grading should not be released without human review."
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
