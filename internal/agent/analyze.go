package agent

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
)

// RubricAnalysis is the analyze_rubric output.
type RubricAnalysis struct {
	CriteriaCount       int      `json:"criteriaCount"`
	TotalMaxScore       float64  `json:"totalMaxScore"`
	Complexity          string   `json:"complexity"`
	KeyDimensions       []string `json:"keyDimensions"`
	RecommendedApproach string   `json:"recommendedApproach"`
}

const (
	complexCriteria    = 8
	mediumCriteria     = 4
	complexDescription = 500
	maxKeyDimensions   = 5
)

func analyzeRubric(r *domain.Rubric) RubricAnalysis {
	var descLen int
	dims := make([]string, 0, min(len(r.Criteria), maxKeyDimensions))
	for _, c := range r.Criteria {
		descLen += utf8.RuneCountInString(c.Description)
		if len(dims) < maxKeyDimensions {
			dims = append(dims, c.Name)
		}
	}

	complexity := "simple"
	switch {
	case len(r.Criteria) > complexCriteria || descLen > complexDescription:
		complexity = "complex"
	case len(r.Criteria) > mediumCriteria:
		complexity = "medium"
	}

	approach := "Score each criterion directly against the submission."
	switch complexity {
	case "complex":
		approach = "Work through the criteria one at a time and search the references for each before scoring."
	case "medium":
		approach = "Group related criteria and confirm key claims against the references."
	}

	return RubricAnalysis{
		CriteriaCount:       len(r.Criteria),
		TotalMaxScore:       r.MaxScore(),
		Complexity:          complexity,
		KeyDimensions:       dims,
		RecommendedApproach: approach,
	}
}

// ContentAnalysis is the parse_content output.
type ContentAnalysis struct {
	WordCount      int      `json:"wordCount"`
	CharacterCount int      `json:"characterCount"`
	HasCode        bool     `json:"hasCode"`
	HasTables      bool     `json:"hasTables"`
	HasImages      bool     `json:"hasImages"`
	Headings       []string `json:"headings"`
	KeyPoints      []string `json:"keyPoints"`
	Complexity     string   `json:"complexity"`
}

var (
	headingPattern = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+(.+)$`)
	bulletPattern  = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)
	tablePattern   = regexp.MustCompile(`(?m)^\s*\|.*\|\s*$`)
	imagePattern   = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)|<img\s`)
)

const (
	maxHeadings       = 10
	maxKeyPoints      = 5
	keyPointMaxRunes  = 160
	complexWordCount  = 2000
	moderateWordCount = 500
)

func parseContent(content string) ContentAnalysis {
	a := ContentAnalysis{
		WordCount:      len(strings.Fields(content)),
		CharacterCount: utf8.RuneCountInString(content),
		HasCode:        strings.Contains(content, "```") || strings.Contains(content, "\n    "),
		HasTables:      tablePattern.MatchString(content),
		HasImages:      imagePattern.MatchString(content),
		Headings:       []string{},
		KeyPoints:      []string{},
	}

	for _, m := range headingPattern.FindAllStringSubmatch(content, maxHeadings) {
		a.Headings = append(a.Headings, strings.TrimSpace(m[1]))
	}
	for _, m := range bulletPattern.FindAllStringSubmatch(content, maxKeyPoints) {
		a.KeyPoints = append(a.KeyPoints, truncate(strings.TrimSpace(m[1]), keyPointMaxRunes))
	}

	switch {
	case a.WordCount > complexWordCount || (a.HasCode && a.HasTables):
		a.Complexity = "complex"
	case a.WordCount > moderateWordCount || a.HasCode || len(a.Headings) > 3:
		a.Complexity = "moderate"
	default:
		a.Complexity = "simple"
	}
	return a
}
