package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
)

type criterionScoreInput struct {
	CriteriaID string   `json:"criteriaId"`
	Score      *float64 `json:"score"`
	Feedback   string   `json:"feedback"`
}

type feedbackInput struct {
	CriteriaScores     []criterionScoreInput `json:"criteriaScores"`
	OverallObservation string                `json:"overallObservation"`
	Strengths          []string              `json:"strengths"`
	Improvements       []string              `json:"improvements"`
	RequiresReview     bool                  `json:"requiresReview"`
}

// gradedFeedback is generate_feedback after validation. Scores come from
// the model but are clamped to the rubric; totals are recomputed here.
type gradedFeedback struct {
	Breakdown       []domain.CriterionScore `json:"breakdown"`
	TotalScore      float64                 `json:"totalScore"`
	MaxScore        float64                 `json:"maxScore"`
	Percentage      float64                 `json:"percentage"`
	OverallFeedback string                  `json:"overallFeedback"`
	Coverage        float64                 `json:"coverage"`
	ModelReview     bool                    `json:"modelRequestedReview"`
}

func buildFeedback(rubric *domain.Rubric, language string, raw json.RawMessage) (*gradedFeedback, error) {
	var in feedbackInput
	if err := decodeInput(ToolGenerateFeedback, raw, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.OverallObservation) == "" {
		return nil, invalidInput(ToolGenerateFeedback, "overallObservation is required")
	}
	if len(rubric.Criteria) > 0 && len(in.CriteriaScores) == 0 {
		return nil, invalidInput(ToolGenerateFeedback, "criteriaScores is required")
	}

	fb := &gradedFeedback{MaxScore: rubric.MaxScore(), ModelReview: in.RequiresReview}
	seen := map[string]bool{}
	for _, cs := range in.CriteriaScores {
		criterion, ok := rubric.Criterion(cs.CriteriaID)
		if !ok || seen[cs.CriteriaID] {
			continue
		}
		if cs.Score == nil || math.IsNaN(*cs.Score) || math.IsInf(*cs.Score, 0) {
			return nil, invalidInput(ToolGenerateFeedback, "criterion %s needs a numeric score", cs.CriteriaID)
		}
		seen[cs.CriteriaID] = true

		score := min(max(*cs.Score, 0), criterion.MaxScore)
		fb.Breakdown = append(fb.Breakdown, domain.CriterionScore{
			CriterionID: criterion.ID,
			Name:        criterion.Name,
			Score:       score,
			MaxScore:    criterion.MaxScore,
			Feedback:    strings.TrimSpace(cs.Feedback),
		})
		fb.TotalScore += score
	}

	if len(rubric.Criteria) == 0 {
		fb.Coverage = 1
	} else {
		if len(fb.Breakdown) == 0 {
			return nil, invalidInput(ToolGenerateFeedback,
				"no criteriaId matches the rubric; valid ids: %s", strings.Join(criterionIDs(rubric), ", "))
		}
		fb.Coverage = float64(len(fb.Breakdown)) / float64(len(rubric.Criteria))
	}
	if fb.MaxScore > 0 {
		fb.Percentage = round2(fb.TotalScore / fb.MaxScore * 100)
	}
	fb.OverallFeedback = composeOverall(in, fb.Percentage, language)
	return fb, nil
}

func criterionIDs(r *domain.Rubric) []string {
	ids := make([]string, 0, len(r.Criteria))
	for _, c := range r.Criteria {
		ids = append(ids, c.ID)
	}
	return ids
}

type feedbackLabels struct {
	strengths, improvements string
	bands                   [5]string
}

var labels = map[string]feedbackLabels{
	"en": {
		strengths:    "Strengths:",
		improvements: "Areas for improvement:",
		bands: [5]string{
			"Excellent work overall.",
			"Good work with a few points to refine.",
			"Satisfactory work; review the suggestions above.",
			"This needs improvement in several areas.",
			"Significant improvement is needed; revisit the core requirements.",
		},
	},
	"zh": {
		strengths:    "優點：",
		improvements: "改進建議：",
		bands: [5]string{
			"整體表現優異。",
			"表現良好，仍有少數可加強之處。",
			"表現尚可，請參考上述建議。",
			"多個面向仍需改進。",
			"需要大幅改進，請重新檢視核心要求。",
		},
	},
}

func composeOverall(in feedbackInput, percentage float64, language string) string {
	l, ok := labels[strings.ToLower(strings.SplitN(language, "-", 2)[0])]
	if !ok {
		l = labels["en"]
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(in.OverallObservation))
	writeList(&b, l.strengths, in.Strengths)
	writeList(&b, l.improvements, in.Improvements)

	var band int
	switch {
	case percentage >= 90:
		band = 0
	case percentage >= 80:
		band = 1
	case percentage >= 70:
		band = 2
	case percentage >= 60:
		band = 3
	default:
		band = 4
	}
	b.WriteString("\n\n")
	b.WriteString(l.bands[band])
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	var kept []string
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			kept = append(kept, it)
		}
	}
	if len(kept) == 0 {
		return
	}
	fmt.Fprintf(b, "\n\n%s", title)
	for _, it := range kept {
		fmt.Fprintf(b, "\n- %s", it)
	}
}
