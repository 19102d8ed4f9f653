package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonesrussell/north-cloud/grader/internal/provider"
)

// ErrUnknownTool is returned when the model names a tool outside the closed set.
var ErrUnknownTool = errors.New("unknown tool")

// ToolKind enumerates every tool the model may call.
type ToolKind string

const (
	ToolAnalyzeRubric       ToolKind = "analyze_rubric"
	ToolParseContent        ToolKind = "parse_content"
	ToolSearchReference     ToolKind = "search_reference"
	ToolCheckSimilarity     ToolKind = "check_similarity"
	ToolCalculateConfidence ToolKind = "calculate_confidence"
	// ToolGenerateFeedback is terminal: it runs last and ends the loop.
	ToolGenerateFeedback ToolKind = "generate_feedback"
)

var toolKinds = []ToolKind{
	ToolAnalyzeRubric,
	ToolParseContent,
	ToolSearchReference,
	ToolCheckSimilarity,
	ToolCalculateConfidence,
	ToolGenerateFeedback,
}

// ParseToolKind resolves a model-supplied tool name.
func ParseToolKind(name string) (ToolKind, error) {
	for _, k := range toolKinds {
		if string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
}

// InputError means the model sent input the tool cannot use. It is fed
// back to the model rather than failing the job.
type InputError struct {
	Tool   ToolKind
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input for %s: %s", e.Tool, e.Reason)
}

func invalidInput(kind ToolKind, format string, args ...any) error {
	return &InputError{Tool: kind, Reason: fmt.Sprintf(format, args...)}
}

// decodeInput unmarshals a tool's JSON input, treating empty input as {}.
func decodeInput(kind ToolKind, raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidInput(kind, "malformed JSON: %v", err)
	}
	return nil
}

// toolRunner executes one non-terminal tool against the run state.
type toolRunner func(ctx context.Context, st *runState, input json.RawMessage) (any, error)

func (e *Executor) runners() map[ToolKind]toolRunner {
	return map[ToolKind]toolRunner{
		ToolAnalyzeRubric:       func(_ context.Context, st *runState, _ json.RawMessage) (any, error) { return analyzeRubric(&st.bundle.Rubric), nil },
		ToolParseContent:        func(_ context.Context, st *runState, _ json.RawMessage) (any, error) { return parseContent(st.bundle.Content), nil },
		ToolSearchReference:     e.runSearchReference,
		ToolCheckSimilarity:     e.runCheckSimilarity,
		ToolCalculateConfidence: e.runCalculateConfidence,
	}
}

func toolSpecs() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        string(ToolAnalyzeRubric),
			Description: "Summarize the rubric: criteria count, total score, complexity and key dimensions.",
			Properties:  map[string]any{},
		},
		{
			Name:        string(ToolParseContent),
			Description: "Describe the submission's structure: length, headings, code, tables and key points.",
			Properties:  map[string]any{},
		},
		{
			Name:        string(ToolSearchReference),
			Description: "Search the instructor's reference documents and return ranked excerpts.",
			Properties: map[string]any{
				"query": map[string]any{"type": "string", "description": "Keywords to look for"},
				"topK":  map[string]any{"type": "integer", "minimum": 1, "maximum": maxTopK},
			},
			Required: []string{"query"},
		},
		{
			Name:        string(ToolCheckSimilarity),
			Description: "Compare the submission against earlier submissions for the same rubric.",
			Properties: map[string]any{
				"threshold": map[string]any{"type": "number", "minimum": minSimilarityThreshold, "maximum": 1},
			},
		},
		{
			Name:        string(ToolCalculateConfidence),
			Description: "Compute a confidence score for the grading from the evidence gathered.",
			Properties: map[string]any{
				"rubricCoverage":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				"evidenceQuality":   map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
				"criteriaAmbiguity": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			},
			Required: []string{"rubricCoverage", "evidenceQuality", "criteriaAmbiguity"},
		},
		{
			Name:        string(ToolGenerateFeedback),
			Description: "Finish grading: score every rubric criterion and write the overall feedback. Call this last.",
			Properties: map[string]any{
				"criteriaScores": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"criteriaId": map[string]any{"type": "string"},
							"score":      map[string]any{"type": "number", "minimum": 0},
							"feedback":   map[string]any{"type": "string"},
						},
						"required": []string{"criteriaId", "score", "feedback"},
					},
				},
				"overallObservation": map[string]any{"type": "string"},
				"strengths":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"improvements":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"requiresReview":     map[string]any{"type": "boolean"},
			},
			Required: []string{"criteriaScores", "overallObservation"},
		},
	}
}
