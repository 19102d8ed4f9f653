// Package observability provides Prometheus metrics and OpenTelemetry tracing
// for the grader. A nil *Metrics is valid and records nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsNamespace = "grader"

// Metrics holds every grader collector.
type Metrics struct {
	// Provider metrics
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec
	KeysThrottled        prometheus.Gauge
	KeysAvailable        prometheus.Gauge

	// Agent metrics
	AgentRunsTotal      *prometheus.CounterVec
	AgentStepsTotal     *prometheus.CounterVec
	AgentStepsPerRun    prometheus.Histogram
	ReviewRequiredTotal *prometheus.CounterVec

	// Job metrics
	JobsProcessedTotal *prometheus.CounterVec
	JobDurationSeconds prometheus.Histogram
	JobsRunning        prometheus.Gauge

	// Queue metrics
	QueueDepth         *prometheus.GaugeVec
	QueueEnqueuedTotal *prometheus.CounterVec

	// Progress metrics
	ProgressPublishedTotal *prometheus.CounterVec
	StreamConnections      prometheus.Gauge
}

// NewMetrics registers all collectors with reg, or the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}

	m.initProviderMetrics(factory)
	m.initAgentMetrics(factory)
	m.initJobMetrics(factory)
	m.initQueueMetrics(factory)
	m.initProgressMetrics(factory)

	return m
}

func (m *Metrics) initProviderMetrics(factory promauto.Factory) {
	m.ProviderCallsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "provider",
		Name: "calls_total",
		Help: "Provider calls by key and outcome",
	}, []string{"key_id", "outcome"})

	m.ProviderCallDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace, Subsystem: "provider",
		Name:    "call_duration_seconds",
		Help:    "Provider round-trip latency",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s to ~2m
	}, []string{"key_id"})

	m.KeysThrottled = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace, Subsystem: "provider",
		Name: "keys_throttled",
		Help: "Provider keys currently in cooldown",
	})
	m.KeysAvailable = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace, Subsystem: "provider",
		Name: "keys_available",
		Help: "Provider keys currently selectable",
	})
}

func (m *Metrics) initAgentMetrics(factory promauto.Factory) {
	m.AgentRunsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "agent",
		Name: "runs_total",
		Help: "Agent runs by terminal status",
	}, []string{"status"})

	m.AgentStepsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "agent",
		Name: "tool_calls_total",
		Help: "Tool invocations by tool",
	}, []string{"tool"})

	m.AgentStepsPerRun = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace, Subsystem: "agent",
		Name:    "steps_per_run",
		Help:    "Model round-trips per agent run",
		Buckets: prometheus.LinearBuckets(1, 1, 15),
	})

	m.ReviewRequiredTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "agent",
		Name: "review_required_total",
		Help: "Results flagged for human review by reason",
	}, []string{"reason"})
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsProcessedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "jobs",
		Name: "processed_total",
		Help: "Grading jobs by outcome",
	}, []string{"outcome"})

	m.JobDurationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace, Subsystem: "jobs",
		Name:    "duration_seconds",
		Help:    "Wall time of one job attempt",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
	})

	m.JobsRunning = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace, Subsystem: "jobs",
		Name: "running",
		Help: "Jobs currently executing in this process",
	})
}

func (m *Metrics) initQueueMetrics(factory promauto.Factory) {
	m.QueueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace, Subsystem: "queue",
		Name: "depth",
		Help: "Queue entries by state",
	}, []string{"state"})

	m.QueueEnqueuedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "queue",
		Name: "enqueued_total",
		Help: "Jobs enqueued by priority",
	}, []string{"priority"})
}

func (m *Metrics) initProgressMetrics(factory promauto.Factory) {
	m.ProgressPublishedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace, Subsystem: "progress",
		Name: "published_total",
		Help: "Progress snapshots published by phase",
	}, []string{"phase"})

	m.StreamConnections = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace, Subsystem: "progress",
		Name: "stream_connections",
		Help: "Open server-sent event streams",
	})
}

func (m *Metrics) ObserveProviderCall(keyID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCallsTotal.WithLabelValues(keyID, outcome).Inc()
	m.ProviderCallDuration.WithLabelValues(keyID).Observe(d.Seconds())
}

func (m *Metrics) SetKeyAvailability(available, throttled int) {
	if m == nil {
		return
	}
	m.KeysAvailable.Set(float64(available))
	m.KeysThrottled.Set(float64(throttled))
}

func (m *Metrics) ObserveAgentRun(status string, steps int) {
	if m == nil {
		return
	}
	m.AgentRunsTotal.WithLabelValues(status).Inc()
	m.AgentStepsPerRun.Observe(float64(steps))
}

func (m *Metrics) IncToolCall(tool string) {
	if m == nil {
		return
	}
	m.AgentStepsTotal.WithLabelValues(tool).Inc()
}

func (m *Metrics) IncReviewRequired(reason string) {
	if m == nil {
		return
	}
	m.ReviewRequiredTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveJob(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessedTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.JobDurationSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) JobStarted() {
	if m != nil {
		m.JobsRunning.Inc()
	}
}

func (m *Metrics) JobEnded() {
	if m != nil {
		m.JobsRunning.Dec()
	}
}

func (m *Metrics) SetQueueDepth(state string, n int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(state).Set(float64(n))
}

func (m *Metrics) IncEnqueued(priority string) {
	if m == nil {
		return
	}
	m.QueueEnqueuedTotal.WithLabelValues(priority).Inc()
}

func (m *Metrics) IncProgressPublished(phase string) {
	if m == nil {
		return
	}
	m.ProgressPublishedTotal.WithLabelValues(phase).Inc()
}

func (m *Metrics) StreamOpened() {
	if m != nil {
		m.StreamConnections.Inc()
	}
}

func (m *Metrics) StreamClosed() {
	if m != nil {
		m.StreamConnections.Dec()
	}
}
