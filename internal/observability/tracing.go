package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies grader spans.
const TracerName = "github.com/jonesrussell/north-cloud/grader"

// Tracer starts grader spans. The zero value is not usable; use NewTracer.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses the global provider, which is a no-op until InitTracing runs.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// JobSpan covers one attempt of a grading job.
//
//nolint:spancheck // span is returned to caller who manages its lifecycle
func (t *Tracer) JobSpan(ctx context.Context, jobID, submissionID, rubricID string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "grader.job",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.submission_id", submissionID),
			attribute.String("job.rubric_id", rubricID),
			attribute.Int("job.attempt", attempt),
		),
	)
}

// AgentRunSpan covers one executor run.
//
//nolint:spancheck // span is returned to caller who manages its lifecycle
func (t *Tracer) AgentRunSpan(ctx context.Context, submissionID string, maxSteps int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.submission_id", submissionID),
			attribute.Int("agent.max_steps", maxSteps),
		),
	)
}

// AgentStepSpan covers one model round-trip and its tool calls.
//
//nolint:spancheck // span is returned to caller who manages its lifecycle
func (t *Tracer) AgentStepSpan(ctx context.Context, step int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agent.step",
		trace.WithAttributes(attribute.Int("agent.step", step)),
	)
}

// ProviderCallSpan covers one provider round-trip.
//
//nolint:spancheck // span is returned to caller who manages its lifecycle
func (t *Tracer) ProviderCallSpan(ctx context.Context, keyID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "provider.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("provider.key_id", keyID)),
	)
}

// RecordError marks span as failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks span as ok.
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "success")
}
