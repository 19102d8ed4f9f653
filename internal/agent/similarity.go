package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

const (
	minSimilarityThreshold = 0.5
	maxSimilarityMatches   = 5
	minSimilarityWordLen   = 3
)

type checkSimilarityInput struct {
	Threshold *float64 `json:"threshold"`
}

// SimilarityMatch is one suspiciously similar prior submission.
type SimilarityMatch struct {
	SubmissionID string  `json:"submissionId"`
	FileName     string  `json:"fileName,omitempty"`
	Similarity   float64 `json:"similarity"`
}

// SimilarityReport is the check_similarity output.
type SimilarityReport struct {
	HasSuspiciousSimilarity bool              `json:"hasSuspiciousSimilarity"`
	Threshold               float64           `json:"threshold"`
	Checked                 int               `json:"checked"`
	Matches                 []SimilarityMatch `json:"matches"`
	Recommendation          string            `json:"recommendation"`
}

func (e *Executor) runCheckSimilarity(_ context.Context, st *runState, raw json.RawMessage) (any, error) {
	var in checkSimilarityInput
	if err := decodeInput(ToolCheckSimilarity, raw, &in); err != nil {
		return nil, err
	}
	threshold := e.cfg.SimilarityThreshold
	if in.Threshold != nil {
		if math.IsNaN(*in.Threshold) {
			return nil, invalidInput(ToolCheckSimilarity, "threshold must be a number")
		}
		threshold = *in.Threshold
	}
	threshold = min(max(threshold, minSimilarityThreshold), 1)

	report := checkSimilarity(st, threshold, e.cfg.SimilaritySample)
	if report.HasSuspiciousSimilarity {
		st.similarityFlagged = true
	}
	return report, nil
}

func checkSimilarity(st *runState, threshold float64, sample int) SimilarityReport {
	report := SimilarityReport{Threshold: threshold, Matches: []SimilarityMatch{}}

	priors := st.bundle.PriorSubmissions
	if sample > 0 && len(priors) > sample {
		priors = priors[:sample]
	}
	report.Checked = len(priors)

	current := wordSet(st.bundle.Content)
	for _, p := range priors {
		if p.ID == st.bundle.SubmissionID {
			continue
		}
		sim := jaccard(current, wordSet(p.Content))
		if sim >= threshold {
			report.Matches = append(report.Matches, SimilarityMatch{
				SubmissionID: p.ID,
				FileName:     p.FileName,
				Similarity:   round2(sim),
			})
		}
	}

	sort.SliceStable(report.Matches, func(i, j int) bool {
		return report.Matches[i].Similarity > report.Matches[j].Similarity
	})
	if len(report.Matches) > maxSimilarityMatches {
		report.Matches = report.Matches[:maxSimilarityMatches]
	}

	report.HasSuspiciousSimilarity = len(report.Matches) > 0
	if report.HasSuspiciousSimilarity {
		report.Recommendation = fmt.Sprintf(
			"%d earlier submission(s) exceed %.0f%% similarity; flag for academic integrity review.",
			len(report.Matches), threshold*100)
	} else {
		report.Recommendation = "No suspicious similarity found."
	}
	return report
}

func wordSet(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range wordsLongerThan(s, minSimilarityWordLen) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
