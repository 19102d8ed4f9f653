// Package agent runs the bounded tool-calling loop that grades one submission.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/observability"
	"github.com/jonesrussell/north-cloud/grader/internal/progress"
	"github.com/jonesrussell/north-cloud/grader/internal/provider"
	"github.com/jonesrussell/north-cloud/grader/internal/retry"
)

// Status is how a run terminated.
type Status string

const (
	StatusSuccess  Status = "TERMINATED_SUCCESS"
	StatusFailure  Status = "TERMINATED_FAILURE"
	StatusMaxSteps Status = "TERMINATED_MAX_STEPS"
)

// Completer is the provider round-trip the executor depends on.
type Completer interface {
	Call(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

// ProgressFunc receives step-level progress. It must not block for long.
type ProgressFunc func(ctx context.Context, s progress.Snapshot)

// Config bounds the loop and tunes the gate.
type Config struct {
	MaxSteps       int
	StepRetries    int
	StepRetryDelay time.Duration
	// ConfidenceThreshold defaults to DefaultConfidenceThreshold when nil.
	// Zero turns the low-confidence gate off.
	ConfidenceThreshold *float64
	SimilarityThreshold float64
	SimilaritySample    int
	ReferenceTopK       int
	MaxTokens           int
}

func (c *Config) setDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 10
	}
	if c.StepRetries < 0 {
		c.StepRetries = 0
	}
	if c.ConfidenceThreshold == nil {
		t := DefaultConfidenceThreshold
		c.ConfidenceThreshold = &t
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.8
	}
	if c.SimilaritySample <= 0 {
		c.SimilaritySample = 20
	}
	if c.ReferenceTopK <= 0 {
		c.ReferenceTopK = defaultTopK
	}
}

// Outcome is the result of one run. Steps are kept for every status.
type Outcome struct {
	Status            Status
	Result            *domain.GradingResult
	Steps             []domain.AgentStep
	Usage             domain.Usage
	Rounds            int
	SimilarityFlagged bool
	Err               error
}

// Executor grades submissions. It is safe for concurrent use; each Run
// keeps its own state.
type Executor struct {
	caller    Completer
	cfg       Config
	threshold float64
	log     logger.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	tools   map[ToolKind]toolRunner
	specs   []provider.ToolSpec
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

func WithMetrics(m *observability.Metrics) Option { return func(e *Executor) { e.metrics = m } }

func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// New creates an Executor.
func New(caller Completer, cfg Config, log logger.Logger, opts ...Option) *Executor {
	cfg.setDefaults()
	e := &Executor{
		caller:    caller,
		cfg:       cfg,
		threshold: *cfg.ConfidenceThreshold,
		log:       log.With(logger.Component("agent")),
		tracer:    observability.NewTracer(),
		specs:     toolSpecs(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tools = e.runners()
	return e
}

type runState struct {
	bundle            *domain.Bundle
	similarityFlagged bool
	confidence        *domain.ConfidenceScore
	normRefs          []foldedText
	steps             []domain.AgentStep
	usage             domain.Usage
}

func (st *runState) normalizedReference(i int) foldedText {
	if st.normRefs == nil {
		st.normRefs = make([]foldedText, len(st.bundle.References))
		for j, r := range st.bundle.References {
			st.normRefs[j] = foldWithOrigins(r.Content)
		}
	}
	return st.normRefs[i]
}

func (st *runState) record(step domain.AgentStep) {
	step.Number = len(st.steps) + 1
	st.steps = append(st.steps, step)
}

// Run grades one bundle. Each call starts from scratch.
func (e *Executor) Run(ctx context.Context, bundle *domain.Bundle, report ProgressFunc) *Outcome {
	if report == nil {
		report = func(context.Context, progress.Snapshot) {}
	}
	ctx, span := e.tracer.AgentRunSpan(ctx, bundle.SubmissionID, e.cfg.MaxSteps)
	defer span.End()

	start := e.now()
	st := &runState{bundle: bundle}
	req := &provider.Request{
		System:    systemPrompt(bundle, e.cfg.MaxSteps),
		Tools:     e.specs,
		MaxTokens: e.cfg.MaxTokens,
		Messages: []provider.Message{{
			Role:    provider.RoleUser,
			Content: []provider.ContentBlock{provider.TextBlock(submissionPrompt(bundle))},
		}},
	}

	out := e.loop(ctx, st, req, report)
	st.usage.Duration = e.now().Sub(start)

	out.Steps = st.steps
	out.Usage = st.usage
	out.SimilarityFlagged = st.similarityFlagged
	if out.Result != nil {
		out.Result.Steps = st.steps
		out.Result.Usage = st.usage
	}

	e.metrics.ObserveAgentRun(string(out.Status), out.Rounds)
	if out.Err != nil {
		observability.RecordError(span, out.Err)
	} else {
		observability.SetSuccess(span)
	}
	return out
}

func (e *Executor) loop(ctx context.Context, st *runState, req *provider.Request, report ProgressFunc) *Outcome {
	for round := 1; round <= e.cfg.MaxSteps; round++ {
		report(ctx, progress.Snapshot{
			Phase:    progress.PhaseRunning,
			Progress: 10 + 80*(round-1)/e.cfg.MaxSteps,
			Message:  fmt.Sprintf("Analyzing submission (step %d of at most %d)", round, e.cfg.MaxSteps),
		})

		done, out := e.step(ctx, st, req, round, report)
		if done {
			out.Rounds = round
			return out
		}
	}

	e.log.Warn("Agent reached step limit without concluding",
		logger.SubmissionID(st.bundle.SubmissionID),
		logger.Int("max_steps", e.cfg.MaxSteps),
	)
	e.metrics.IncReviewRequired("max_steps")
	return &Outcome{
		Status: StatusMaxSteps,
		Rounds: e.cfg.MaxSteps,
		Result: &domain.GradingResult{
			SubmissionID:   st.bundle.SubmissionID,
			RubricID:       st.bundle.Rubric.ID,
			Status:         domain.ResultInconclusive,
			MaxScore:       st.bundle.Rubric.MaxScore(),
			Breakdown:      []domain.CriterionScore{},
			Confidence:     st.confidence,
			RequiresReview: true,
			SimilarityFlag: st.similarityFlagged,
			ErrorMessage:   fmt.Sprintf("grading did not conclude within %d steps", e.cfg.MaxSteps),
			CompletedAt:    e.now().UTC(),
		},
	}
}

// step performs one model round-trip and runs the tools it asked for.
func (e *Executor) step(ctx context.Context, st *runState, req *provider.Request, round int, report ProgressFunc) (bool, *Outcome) {
	ctx, span := e.tracer.AgentStepSpan(ctx, round)
	defer span.End()

	callStart := e.now()
	resp, err := e.callWithRetries(ctx, st, req)
	if err != nil {
		observability.RecordError(span, err)
		st.record(domain.AgentStep{
			Reasoning: "provider call failed: " + err.Error(),
			IsError:   true,
			Duration:  e.now().Sub(callStart),
			Timestamp: e.now().UTC(),
		})
		return true, &Outcome{Status: StatusFailure, Err: fmt.Errorf("agent step %d: %w", round, err)}
	}

	reasoning := resp.Text()
	uses := resp.ToolUses()
	if len(uses) == 0 {
		st.record(domain.AgentStep{Reasoning: reasoning, Duration: e.now().Sub(callStart), Timestamp: e.now().UTC()})
		assistant := reasoning
		if assistant == "" {
			assistant = "(no response)"
		}
		req.Messages = append(req.Messages,
			provider.Message{Role: provider.RoleAssistant, Content: []provider.ContentBlock{provider.TextBlock(assistant)}},
			provider.Message{Role: provider.RoleUser, Content: []provider.ContentBlock{provider.TextBlock(continueNudge)}},
		)
		return false, nil
	}

	req.Messages = append(req.Messages, provider.Message{Role: provider.RoleAssistant, Content: resp.Content})

	var (
		results  []provider.ContentBlock
		terminal *provider.ContentBlock
	)
	for i := range uses {
		use := uses[i]
		kind, err := ParseToolKind(use.ToolName)
		if err != nil {
			st.record(domain.AgentStep{
				Tool: use.ToolName, Input: use.Input, Reasoning: reasoning, IsError: true,
				Timestamp: e.now().UTC(),
			})
			return true, &Outcome{Status: StatusFailure, Err: fmt.Errorf("agent step %d: %w", round, err)}
		}
		if kind == ToolGenerateFeedback {
			if terminal == nil {
				terminal = &uses[i]
			} else {
				results = append(results, provider.ToolResultBlock(use.ToolUseID, "generate_feedback may only be called once", true))
			}
			continue
		}
		results = append(results, e.runTool(ctx, st, kind, use, reasoning))
		reasoning = ""
	}

	if terminal != nil {
		if out, ok := e.conclude(ctx, st, *terminal, reasoning, report); ok {
			return true, out
		}
		results = append(results, provider.ToolResultBlock(terminal.ToolUseID, string(st.steps[len(st.steps)-1].Output), true))
	}

	req.Messages = append(req.Messages, provider.Message{Role: provider.RoleUser, Content: results})
	return false, nil
}

func (e *Executor) callWithRetries(ctx context.Context, st *runState, req *provider.Request) (*provider.Response, error) {
	var resp *provider.Response
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  e.cfg.StepRetries + 1,
		InitialDelay: e.cfg.StepRetryDelay,
		MaxDelay:     5 * time.Second,
		IsRetryable:  provider.IsTransient,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			e.log.Debug("Retrying provider call",
				logger.SubmissionID(st.bundle.SubmissionID),
				logger.Attempt(attempt),
				logger.Duration("delay", delay),
				logger.Error(err),
			)
		},
	}, func(int) error {
		st.usage.ProviderCalls++
		r, err := e.caller.Call(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	st.usage.InputTokens += resp.InputTokens
	st.usage.OutputTokens += resp.OutputTokens
	return resp, nil
}

func (e *Executor) runTool(ctx context.Context, st *runState, kind ToolKind, use provider.ContentBlock, reasoning string) provider.ContentBlock {
	e.metrics.IncToolCall(string(kind))
	start := e.now()

	out, err := e.tools[kind](ctx, st, use.Input)
	step := domain.AgentStep{
		Tool:      string(kind),
		Input:     use.Input,
		Reasoning: reasoning,
		Timestamp: start.UTC(),
	}

	var content []byte
	if err != nil {
		content = errorJSON(err)
		step.IsError = true
	} else if content, err = json.Marshal(out); err != nil {
		content = errorJSON(fmt.Errorf("encode %s output: %w", kind, err))
		step.IsError = true
	}
	step.Output = content
	step.Duration = e.now().Sub(start)
	st.record(step)

	e.log.Debug("Tool executed",
		logger.SubmissionID(st.bundle.SubmissionID),
		logger.Tool(string(kind)),
		logger.Bool("is_error", step.IsError),
	)
	return provider.ToolResultBlock(use.ToolUseID, string(content), step.IsError)
}

// conclude validates generate_feedback and applies the review gate. It
// returns false when the input was rejected and the loop should continue.
func (e *Executor) conclude(ctx context.Context, st *runState, use provider.ContentBlock, reasoning string, report ProgressFunc) (*Outcome, bool) {
	e.metrics.IncToolCall(string(ToolGenerateFeedback))
	start := e.now()

	fb, err := buildFeedback(&st.bundle.Rubric, st.bundle.UserLanguage, use.Input)
	if err != nil {
		st.record(domain.AgentStep{
			Tool: string(ToolGenerateFeedback), Input: use.Input, Output: errorJSON(err),
			Reasoning: reasoning, IsError: true, Duration: e.now().Sub(start), Timestamp: start.UTC(),
		})
		return nil, false
	}

	report(ctx, progress.Snapshot{Phase: progress.PhaseVerifying, Progress: 90, Message: "Verifying grading confidence"})

	conf := e.gateConfidence(st, fb)
	requiresReview := e.reviewRequired(st, fb, conf)

	output, _ := json.Marshal(fb)
	st.record(domain.AgentStep{
		Tool: string(ToolGenerateFeedback), Input: use.Input, Output: output,
		Reasoning: reasoning, Duration: e.now().Sub(start), Timestamp: start.UTC(),
	})

	return &Outcome{
		Status: StatusSuccess,
		Result: &domain.GradingResult{
			SubmissionID:    st.bundle.SubmissionID,
			RubricID:        st.bundle.Rubric.ID,
			Status:          domain.ResultCompleted,
			TotalScore:      fb.TotalScore,
			MaxScore:        fb.MaxScore,
			Breakdown:       fb.Breakdown,
			OverallFeedback: fb.OverallFeedback,
			Confidence:      &conf,
			RequiresReview:  requiresReview,
			SimilarityFlag:  st.similarityFlagged,
			CompletedAt:     e.now().UTC(),
		},
	}, true
}

// gateConfidence returns the executor's confidence for the final result.
// Model-claimed coverage is capped at the coverage actually scored.
func (e *Executor) gateConfidence(st *runState, fb *gradedFeedback) domain.ConfidenceScore {
	if st.confidence == nil {
		return domain.ConfidenceScore{
			Score:        defaultConfidence,
			ShouldReview: defaultConfidence < e.threshold,
			Factors: domain.ConfidenceFactors{
				RubricCoverage:    fb.Coverage,
				EvidenceQuality:   domain.EvidenceLow,
				CriteriaAmbiguity: 1 - defaultConfidence,
			},
			Reason: "Confidence was not calculated during grading.",
		}
	}
	factors := st.confidence.Factors
	factors.RubricCoverage = min(factors.RubricCoverage, fb.Coverage)
	return computeConfidence(factors, e.threshold)
}

func (e *Executor) reviewRequired(st *runState, fb *gradedFeedback, conf domain.ConfidenceScore) bool {
	review := false
	if conf.Score < e.threshold {
		e.metrics.IncReviewRequired("low_confidence")
		review = true
	}
	if st.similarityFlagged {
		e.metrics.IncReviewRequired("similarity")
		review = true
	}
	if fb.ModelReview {
		e.metrics.IncReviewRequired("model_request")
		review = true
	}
	return review
}

func errorJSON(err error) []byte {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}
