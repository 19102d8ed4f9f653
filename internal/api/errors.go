package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
	"github.com/jonesrussell/north-cloud/grader/internal/progress"
	"github.com/jonesrussell/north-cloud/grader/internal/queue"
	"github.com/jonesrussell/north-cloud/grader/internal/session"
)

// respondError maps err to a status. Unexpected errors are attached to the
// gin context for the access log and answered with a generic message.
func respondError(c *gin.Context, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, progress.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrForbidden):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrInvalidTransition):
		status, msg = http.StatusConflict, "session already finished"
	case errors.Is(err, session.ErrInvalidRequest),
		errors.Is(err, queue.ErrInvalidState):
		status, msg = http.StatusBadRequest, err.Error()
	default:
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
