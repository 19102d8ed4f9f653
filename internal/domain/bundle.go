package domain

// Criterion is a single rubric line.
type Criterion struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	MaxScore    float64 `json:"max_score"`
	Levels      []Level `json:"levels,omitempty"`
}

// Level describes one scoring band of a criterion.
type Level struct {
	Score       float64 `json:"score"`
	Description string  `json:"description"`
}

// Rubric is the scoring guide a submission is graded against.
type Rubric struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Criteria    []Criterion `json:"criteria"`
}

// MaxScore sums the criteria maxima.
func (r *Rubric) MaxScore() float64 {
	var total float64
	for _, c := range r.Criteria {
		total += c.MaxScore
	}
	return total
}

// Criterion looks a criterion up by ID.
func (r *Rubric) Criterion(id string) (Criterion, bool) {
	for _, c := range r.Criteria {
		if c.ID == id {
			return c, true
		}
	}
	return Criterion{}, false
}

// ReferenceDocument is instructor-supplied material the agent may search.
type ReferenceDocument struct {
	ID       string `db:"id"        json:"id"`
	FileName string `db:"file_name" json:"file_name"`
	Content  string `db:"content"   json:"content"`
}

// PriorSubmission is a historical submission used for similarity checks.
type PriorSubmission struct {
	ID       string `db:"id"        json:"id"`
	FileName string `db:"file_name" json:"file_name"`
	Content  string `db:"content"   json:"content"`
}

// Bundle is everything the agent needs to grade one submission.
type Bundle struct {
	SubmissionID     string
	FileName         string
	Content          string
	Rubric           Rubric
	References       []ReferenceDocument
	PriorSubmissions []PriorSubmission
	UserLanguage     string
}
