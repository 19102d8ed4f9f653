package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/grader/internal/database"
	"github.com/jonesrussell/north-cloud/grader/internal/keyhealth"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/queue"
)

const defaultJobsLimit = 50

// KeyHealthResponse is the GET /admin/keys body. Keys and Summary are
// omitted when rotation is disabled.
type KeyHealthResponse struct {
	RotationEnabled bool                   `json:"rotationEnabled"`
	Message         string                 `json:"message,omitempty"`
	Keys            []keyhealth.KeyMetrics `json:"keys,omitempty"`
	Summary         *keyhealth.Summary     `json:"summary,omitempty"`
}

// KeyHealth handles GET /api/v1/admin/keys.
func (h *Handler) KeyHealth(c *gin.Context) {
	if !h.keys.RotationEnabled() {
		c.JSON(http.StatusOK, KeyHealthResponse{
			Message: fmt.Sprintf("key rotation is disabled: %d of at least %d API keys configured",
				h.keys.Len(), h.keys.MinRotationKeys()),
		})
		return
	}

	keys, err := h.keys.Snapshot(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	summary := keyhealth.Summarize(keys)
	c.JSON(http.StatusOK, KeyHealthResponse{RotationEnabled: true, Keys: keys, Summary: &summary})
}

// QueueStats handles GET /api/v1/admin/queue/stats.
func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// QueueJobs handles GET /api/v1/admin/queue/jobs?state=&limit=.
func (h *Handler) QueueJobs(c *gin.Context) {
	state, err := queue.ParseJobState(c.DefaultQuery("state", string(queue.StateActive)))
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultJobsLimit)))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	jobs, err := h.queue.Jobs(c.Request.Context(), state, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state, "jobs": jobs, "count": len(jobs)})
}

// CleanupRequest is the POST /admin/queue/cleanup body. StuckAfter is a
// Go duration such as "30m".
type CleanupRequest struct {
	StuckAfter   string `json:"stuckAfter"`
	PurgeDead    bool   `json:"purgeDead"`
	PurgeWaiting bool   `json:"purgeWaiting"`
}

// QueueCleanup handles POST /api/v1/admin/queue/cleanup.
func (h *Handler) QueueCleanup(c *gin.Context) {
	var req CleanupRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	opts := queue.CleanupOptions{PurgeDead: req.PurgeDead, PurgeWaiting: req.PurgeWaiting}
	if req.StuckAfter != "" {
		d, err := time.ParseDuration(req.StuckAfter)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "stuckAfter must be a positive duration"})
			return
		}
		opts.StuckAfter = d
	}

	result, err := h.queue.Cleanup(c.Request.Context(), opts)
	if err != nil {
		respondError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("Queue cleanup performed",
		logger.String("operator", subject(c)),
		logger.Int("stuck", result.Removed.Stuck),
		logger.Int("waiting", result.Removed.Waiting),
		logger.Int64("dead", result.Removed.Dead),
	)
	c.JSON(http.StatusOK, result)
}

// JobAttempts handles GET /api/v1/admin/jobs/:id/attempts.
func (h *Handler) JobAttempts(c *gin.Context) {
	jobID := c.Param("id")
	attempts, err := h.attempts.ListByJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	if attempts == nil {
		attempts = []database.Attempt{}
	}
	c.JSON(http.StatusOK, gin.H{"jobId": jobID, "attempts": attempts, "count": len(attempts)})
}
