// Package api serves the grading HTTP API: session control, progress
// streams and the operator views of key health and the queue.
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/grader/internal/database"
	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/keyhealth"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/observability"
	"github.com/jonesrussell/north-cloud/grader/internal/progress"
	"github.com/jonesrussell/north-cloud/grader/internal/queue"
	"github.com/jonesrussell/north-cloud/grader/internal/session"
)

const defaultHeartbeat = 15 * time.Second

// Sessions starts, reads and cancels grading sessions.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (*domain.Session, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	Cancel(ctx context.Context, id, ownerID string) (*domain.Session, error)
}

// Progress reads and follows progress snapshots.
type Progress interface {
	Latest(ctx context.Context, scope progress.Scope, id string) (progress.Snapshot, error)
	Subscribe(ctx context.Context, scope progress.Scope, id string) (<-chan progress.Snapshot, error)
}

// Keys is the read side of the key health registry.
type Keys interface {
	Snapshot(ctx context.Context) ([]keyhealth.KeyMetrics, error)
	RotationEnabled() bool
	MinRotationKeys() int
	Len() int
}

// QueueInspector is the operator view of the grading queue.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	Jobs(ctx context.Context, state queue.JobState, limit int) ([]queue.JobDetail, error)
	Cleanup(ctx context.Context, opts queue.CleanupOptions) (*queue.CleanupResult, error)
}

// AttemptLister reads the attempt audit log.
type AttemptLister interface {
	ListByJob(ctx context.Context, jobID string) ([]database.Attempt, error)
}

// Config configures the API.
type Config struct {
	// JWTSecret enables bearer token authentication when set.
	JWTSecret string

	// OperatorRole is the role required by the admin routes.
	OperatorRole string

	// Heartbeat is the SSE keep-alive comment interval.
	Heartbeat time.Duration
}

// Handler holds the API's collaborators. Attempts may be nil.
type Handler struct {
	sessions Sessions
	progress Progress
	keys     Keys
	queue    QueueInspector
	attempts AttemptLister
	cfg      Config
	metrics  *observability.Metrics
	log      logger.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics counts open progress streams.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithAttempts enables the attempt audit route.
func WithAttempts(a AttemptLister) Option {
	return func(h *Handler) { h.attempts = a }
}

// NewHandler creates a Handler.
func NewHandler(sessions Sessions, prog Progress, keys Keys, inspector QueueInspector, cfg Config, log logger.Logger, opts ...Option) *Handler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.OperatorRole == "" {
		cfg.OperatorRole = "operator"
	}
	h := &Handler{
		sessions: sessions,
		progress: prog,
		keys:     keys,
		queue:    inspector,
		cfg:      cfg,
		log:      log.With(logger.Component("api")),
	}
	for _, opt := range opts {
		opt(h)
	}
	if cfg.JWTSecret == "" {
		h.log.Warn("Authentication disabled, admin endpoints are unavailable")
	}
	return h
}

// Register mounts every route under /api/v1.
func (h *Handler) Register(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	v1.Use(Authenticate(h.cfg.JWTSecret))

	sessions := v1.Group("/sessions")
	sessions.POST("", h.StartSession)
	sessions.GET("/:id", h.GetSession)
	sessions.POST("/:id/cancel", h.CancelSession)
	sessions.GET("/:id/events", h.Stream(progress.ScopeSession))
	sessions.GET("/:id/progress", h.Poll(progress.ScopeSession))

	jobs := v1.Group("/jobs")
	jobs.GET("/:id/events", h.Stream(progress.ScopeJob))
	jobs.GET("/:id/progress", h.Poll(progress.ScopeJob))

	admin := v1.Group("/admin")
	admin.Use(RequireRole(h.cfg.JWTSecret, h.cfg.OperatorRole))
	admin.GET("/keys", h.KeyHealth)
	admin.GET("/queue/stats", h.QueueStats)
	admin.GET("/queue/jobs", h.QueueJobs)
	admin.POST("/queue/cleanup", h.QueueCleanup)
	if h.attempts != nil {
		admin.GET("/jobs/:id/attempts", h.JobAttempts)
	}
}
