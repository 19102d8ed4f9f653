package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/grader/internal/agent"
	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/progress"
	"github.com/jonesrussell/north-cloud/grader/internal/provider"
)

type reply struct {
	resp *provider.Response
	err  error
}

// scriptedCompleter replays replies in order and records the last message
// of every request it receives.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	seen    []provider.Message
}

func (s *scriptedCompleter) Call(_ context.Context, req *provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req.Messages[len(req.Messages)-1])
	if s.calls >= len(s.replies) {
		s.calls++
		return text("still thinking"), nil
	}
	r := s.replies[s.calls]
	s.calls++
	return r.resp, r.err
}

func text(t string) *provider.Response {
	return &provider.Response{Content: []provider.ContentBlock{provider.TextBlock(t)}, InputTokens: 10, OutputTokens: 5}
}

func tools(reasoning string, uses ...provider.ContentBlock) *provider.Response {
	content := []provider.ContentBlock{provider.TextBlock(reasoning)}
	content = append(content, uses...)
	return &provider.Response{Content: content, InputTokens: 100, OutputTokens: 20}
}

func use(id, name, input string) provider.ContentBlock {
	return provider.ToolUseBlock(id, name, json.RawMessage(input))
}

const fullFeedback = `{"criteriaScores":[{"criteriaId":"c1","score":9},{"criteriaId":"c2","score":16}],"overallObservation":"Well argued."}`

func bundle() *domain.Bundle {
	return &domain.Bundle{
		SubmissionID: "sub-1",
		FileName:     "essay.pdf",
		Content:      "The thesis is that photosynthesis matters. Evidence follows.",
		UserLanguage: "en",
		Rubric: domain.Rubric{
			ID:   "rub-1",
			Name: "Essay",
			Criteria: []domain.Criterion{
				{ID: "c1", Name: "Thesis", MaxScore: 10},
				{ID: "c2", Name: "Evidence", MaxScore: 20},
			},
		},
	}
}

type progressLog struct {
	mu    sync.Mutex
	items []progress.Snapshot
}

func (p *progressLog) report(_ context.Context, s progress.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, s)
}

func newExecutor(c agent.Completer, maxSteps int) *agent.Executor {
	return agent.New(c, agent.Config{MaxSteps: maxSteps, StepRetries: 2}, logger.NewNop())
}

func TestRun_CompletesWithGate(t *testing.T) {
	t.Parallel()

	c := &scriptedCompleter{replies: []reply{
		{resp: tools("Start with the rubric.",
			use("t1", "analyze_rubric", `{}`),
			use("t2", "calculate_confidence", `{"rubricCoverage":1,"evidenceQuality":"high","criteriaAmbiguity":0}`),
		)},
		{resp: tools("Ready to grade.", use("t3", "generate_feedback", fullFeedback))},
	}}
	prog := &progressLog{}

	out := newExecutor(c, 5).Run(context.Background(), bundle(), prog.report)

	require.NoError(t, out.Err)
	assert.Equal(t, agent.StatusSuccess, out.Status)
	assert.Equal(t, 2, out.Rounds)
	require.NotNil(t, out.Result)
	assert.Equal(t, domain.ResultCompleted, out.Result.Status)
	assert.InDelta(t, 25.0, out.Result.TotalScore, 1e-9)
	assert.InDelta(t, 30.0, out.Result.MaxScore, 1e-9)
	assert.InDelta(t, 1.0, out.Result.Confidence.Score, 1e-9)
	assert.False(t, out.Result.RequiresReview)

	require.Len(t, out.Steps, 3)
	assert.Equal(t, "analyze_rubric", out.Steps[0].Tool)
	assert.Equal(t, "Start with the rubric.", out.Steps[0].Reasoning)
	assert.Equal(t, 1, out.Steps[0].Number)
	assert.Equal(t, "generate_feedback", out.Steps[2].Tool)
	assert.Equal(t, 3, out.Steps[2].Number)

	assert.Equal(t, 2, out.Usage.ProviderCalls)
	assert.Equal(t, int64(200), out.Usage.InputTokens)

	require.Len(t, prog.items, 3)
	assert.Equal(t, progress.Snapshot{Phase: progress.PhaseRunning, Progress: 10, Message: prog.items[0].Message}, prog.items[0])
	assert.Equal(t, 26, prog.items[1].Progress)
	assert.Equal(t, progress.PhaseVerifying, prog.items[2].Phase)
	assert.Equal(t, 90, prog.items[2].Progress)

	results := c.seen[1].Content
	require.Len(t, results, 2)
	assert.Equal(t, provider.BlockToolResult, results[0].Type)
	assert.Equal(t, "t1", results[0].ToolUseID)
	assert.False(t, results[0].IsError)
}

func TestRun_TerminalActionRunsLast(t *testing.T) {
	t.Parallel()

	c := &scriptedCompleter{replies: []reply{
		{resp: tools("",
			use("t1", "generate_feedback", fullFeedback),
			use("t2", "calculate_confidence", `{"rubricCoverage":1,"evidenceQuality":"high","criteriaAmbiguity":0}`),
		)},
	}}

	out := newExecutor(c, 5).Run(context.Background(), bundle(), nil)

	require.Equal(t, agent.StatusSuccess, out.Status)
	require.Len(t, out.Steps, 2)
	assert.Equal(t, "calculate_confidence", out.Steps[0].Tool)
	assert.Equal(t, "generate_feedback", out.Steps[1].Tool)
	assert.False(t, out.Result.RequiresReview, "confidence computed in the same turn counts")
}

func TestRun_CoverageCappedAtScoredCriteria(t *testing.T) {
	t.Parallel()

	c := &scriptedCompleter{replies: []reply{
		{resp: tools("", use("t1", "calculate_confidence", `{"rubricCoverage":1,"evidenceQuality":"high","criteriaAmbiguity":0}`))},
		{resp: tools("", use("t2", "generate_feedback",
			`{"criteriaScores":[{"criteriaId":"c1","score":8}],"overallObservation":"Partial."}`))},
	}}

	out := newExecutor(c, 5).Run(context.Background(), bundle(), nil)

	require.Equal(t, agent.StatusSuccess, out.Status)
	assert.InDelta(t, 0.8, out.Result.Confidence.Score, 1e-9)
	assert.InDelta(t, 0.5, out.Result.Confidence.Factors.RubricCoverage, 1e-9)
	assert.False(t, out.Result.RequiresReview)
}

func TestRun_ReviewTriggers(t *testing.T) {
	t.Parallel()

	t.Run("no confidence calculated", func(t *testing.T) {
		t.Parallel()
		c := &scriptedCompleter{replies: []reply{{resp: tools("", use("t1", "generate_feedback", fullFeedback))}}}
		out := newExecutor(c, 5).Run(context.Background(), bundle(), nil)
		require.Equal(t, agent.StatusSuccess, out.Status)
		assert.InDelta(t, 0.5, out.Result.Confidence.Score, 1e-9)
		assert.True(t, out.Result.RequiresReview)
	})

	t.Run("model requested", func(t *testing.T) {
		t.Parallel()
		c := &scriptedCompleter{replies: []reply{{resp: tools("",
			use("t1", "calculate_confidence", `{"rubricCoverage":1,"evidenceQuality":"high","criteriaAmbiguity":0}`),
			use("t2", "generate_feedback",
				`{"criteriaScores":[{"criteriaId":"c1","score":9},{"criteriaId":"c2","score":16}],"overallObservation":"ok","requiresReview":true}`),
		)}}}
		out := newExecutor(c, 5).Run(context.Background(), bundle(), nil)
		assert.True(t, out.Result.RequiresReview)
	})

	t.Run("similarity flagged", func(t *testing.T) {
		t.Parallel()
		b := bundle()
		b.PriorSubmissions = []domain.PriorSubmission{{ID: "old", Content: b.Content}}
		c := &scriptedCompleter{replies: []reply{{resp: tools("",
			use("t1", "check_similarity", `{}`),
			use("t2", "calculate_confidence", `{"rubricCoverage":1,"evidenceQuality":"high","criteriaAmbiguity":0}`),
			use("t3", "generate_feedback", fullFeedback),
		)}}}
		out := newExecutor(c, 5).Run(context.Background(), b, nil)
		assert.True(t, out.SimilarityFlagged)
		assert.True(t, out.Result.SimilarityFlag)
		assert.True(t, out.Result.RequiresReview)
		assert.InDelta(t, 1.0, out.Result.Confidence.Score, 1e-9)
	})
}

func TestRun_ZeroThresholdDisablesConfidenceGate(t *testing.T) {
	t.Parallel()

	zero := 0.0
	c := &scriptedCompleter{replies: []reply{{resp: tools("", use("t1", "generate_feedback", fullFeedback))}}}
	e := agent.New(c, agent.Config{MaxSteps: 5, ConfidenceThreshold: &zero}, logger.NewNop())

	out := e.Run(context.Background(), bundle(), nil)
	require.Equal(t, agent.StatusSuccess, out.Status)
	assert.InDelta(t, 0.5, out.Result.Confidence.Score, 1e-9)
	assert.False(t, out.Result.Confidence.ShouldReview)
	assert.False(t, out.Result.RequiresReview)
}

func TestRun_InvalidFeedbackIsReturnedToModel(t *testing.T) {
	t.Parallel()

	c := &scriptedCompleter{replies: []reply{
		{resp: tools("", use("t1", "generate_feedback", `{"criteriaScores":[{"criteriaId":"zzz","score":1}],"overallObservation":"x"}`))},
		{resp: tools("", use("t2", "generate_feedback", fullFeedback))},
	}}

	out := newExecutor(c, 5).Run(context.Background(), bundle(), nil)

	require.Equal(t, agent.StatusSuccess, out.Status)
	require.Len(t, out.Steps, 2)
	assert.True(t, out.Steps[0].IsError)

	feedback := c.seen[1].Content
	require.Len(t, feedback, 1)
	assert.True(t, feedback[0].IsError)
	assert.Contains(t, feedback[0].Text, "valid ids: c1, c2")
}

func TestRun_MaxStepsIsInconclusive(t *testing.T) {
	t.Parallel()

	c := &scriptedCompleter{}
	out := newExecutor(c, 3).Run(context.Background(), bundle(), nil)

	assert.Equal(t, agent.StatusMaxSteps, out.Status)
	require.NoError(t, out.Err)
	require.NotNil(t, out.Result)
	assert.Equal(t, domain.ResultInconclusive, out.Result.Status)
	assert.True(t, out.Result.RequiresReview)
	assert.Len(t, out.Steps, 3)
	assert.Equal(t, 3, c.calls)

	nudge := c.seen[1]
	assert.Equal(t, provider.RoleUser, nudge.Role)
	assert.Contains(t, nudge.Content[0].Text, "generate_feedback")
}

func TestRun_UnknownToolFailsPermanently(t *testing.T) {
	t.Parallel()

	c := &scriptedCompleter{replies: []reply{{resp: tools("", use("t1", "rm_rf", `{}`))}}}
	out := newExecutor(c, 5).Run(context.Background(), bundle(), nil)

	assert.Equal(t, agent.StatusFailure, out.Status)
	require.ErrorIs(t, out.Err, agent.ErrUnknownTool)
	assert.Nil(t, out.Result)
	require.Len(t, out.Steps, 1)
	assert.True(t, out.Steps[0].IsError)
}

func TestRun_TransientErrorsRetriedWithinStep(t *testing.T) {
	t.Parallel()

	transient := &provider.Error{Kind: provider.Transient, StatusCode: 503, RateLimited: true, Message: "overloaded"}
	c := &scriptedCompleter{replies: []reply{
		{err: transient},
		{err: transient},
		{resp: tools("", use("t1", "generate_feedback", fullFeedback))},
	}}

	out := newExecutor(c, 5).Run(context.Background(), bundle(), nil)

	require.Equal(t, agent.StatusSuccess, out.Status)
	assert.Equal(t, 3, out.Usage.ProviderCalls)
	assert.Equal(t, 1, out.Rounds)
}

func TestRun_ErrorsEndTheRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		replies   []reply
		calls     int
		transient bool
	}{
		{
			name:    "permanent",
			replies: []reply{{err: &provider.Error{Kind: provider.Permanent, StatusCode: 400, Message: "bad request"}}},
			calls:   1,
		},
		{
			name: "transient exhausted",
			replies: []reply{
				{err: &provider.AllKeysThrottledError{}},
				{err: &provider.AllKeysThrottledError{}},
				{err: &provider.AllKeysThrottledError{}},
			},
			calls:     3,
			transient: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &scriptedCompleter{replies: tt.replies}
			out := newExecutor(c, 5).Run(context.Background(), bundle(), nil)

			assert.Equal(t, agent.StatusFailure, out.Status)
			require.Error(t, out.Err)
			assert.Equal(t, tt.transient, provider.IsTransient(out.Err))
			assert.Equal(t, tt.calls, c.calls)
			require.Len(t, out.Steps, 1)
			assert.True(t, out.Steps[0].IsError)

			var perr *provider.Error
			if errors.As(out.Err, &perr) {
				assert.NotContains(t, out.Steps[0].Reasoning, "sk-")
			}
		})
	}
}
