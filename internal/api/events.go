package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/progress"
)

// Stream serves GET /:id/events as server-sent events. Each snapshot is
// one data line; the stream ends after a completed or error snapshot.
func (h *Handler) Stream(scope progress.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		log := logger.FromContext(ctx).With(logger.String("scope", string(scope)), logger.String("id", id))

		if _, err := h.progress.Latest(ctx, scope, id); err != nil {
			respondError(c, err)
			return
		}
		events, err := h.progress.Subscribe(ctx, scope, id)
		if err != nil {
			respondError(c, err)
			return
		}

		if h.metrics != nil {
			h.metrics.StreamOpened()
			defer h.metrics.StreamClosed()
		}

		setSSEHeaders(c.Writer)
		c.Status(http.StatusOK)
		if err = writeComment(c.Writer, "connected"); err != nil {
			return
		}

		ticker := time.NewTicker(h.cfg.Heartbeat)
		defer ticker.Stop()

		for {
			select {
			case snap, ok := <-events:
				if !ok {
					return
				}
				if err = writeSnapshot(c.Writer, snap); err != nil {
					log.Debug("SSE write failed (client likely disconnected)", logger.Error(err))
					return
				}
			case <-ticker.C:
				if err = writeComment(c.Writer, "heartbeat"); err != nil {
					log.Debug("SSE heartbeat failed (client disconnected)")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// Poll serves GET /:id/progress with the latest snapshot.
func (h *Handler) Poll(scope progress.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := h.progress.Latest(c.Request.Context(), scope, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func setSSEHeaders(w gin.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSnapshot(w gin.ResponseWriter, s progress.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err = fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	w.Flush()
	return nil
}

func writeComment(w gin.ResponseWriter, text string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("write comment: %w", err)
	}
	w.Flush()
	return nil
}
