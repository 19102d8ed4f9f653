package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/progress"
	"github.com/jonesrussell/north-cloud/grader/internal/session"
)

// StartSessionRequest is the POST /sessions body.
type StartSessionRequest struct {
	OwnerID      string         `json:"ownerId"`
	Submissions  []session.Pair `binding:"required" json:"submissions"`
	UserLanguage string         `json:"userLanguage"`
	Priority     string         `json:"priority"`
}

// SessionResponse is a session plus its aggregated progress.
type SessionResponse struct {
	Session  *domain.Session   `json:"session"`
	Progress progress.Snapshot `json:"progress"`
	Warning  string            `json:"warning,omitempty"`
}

func sessionResponse(s *domain.Session) SessionResponse {
	return SessionResponse{Session: s, Progress: session.Snapshot(s)}
}

// StartSession handles POST /api/v1/sessions.
func (h *Handler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// a token's subject always owns the session; the body only names an
	// owner when authentication is disabled
	owner := req.OwnerID
	if claims, ok := GetClaims(c); ok {
		owner = claims.Subject
	}

	sess, err := h.sessions.Start(c.Request.Context(), session.StartRequest{
		OwnerID:      owner,
		Pairs:        req.Submissions,
		UserLanguage: req.UserLanguage,
		Priority:     domain.ParsePriority(req.Priority),
	})
	if sess == nil {
		respondError(c, err)
		return
	}

	resp := sessionResponse(sess)
	if err != nil {
		logger.FromContext(c.Request.Context()).Error("Some grading jobs could not be queued",
			logger.SessionID(sess.ID),
			logger.Error(err),
		)
		resp.Warning = "some submissions could not be queued"
	}
	c.JSON(http.StatusAccepted, resp)
}

// GetSession handles GET /api/v1/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess))
}

// CancelSession handles POST /api/v1/sessions/:id/cancel. Operators may
// cancel any session; everyone else only their own.
func (h *Handler) CancelSession(c *gin.Context) {
	owner := subject(c)
	if claims, ok := GetClaims(c); ok && claims.Role == h.cfg.OperatorRole {
		owner = ""
	}

	sess, err := h.sessions.Cancel(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess))
}
