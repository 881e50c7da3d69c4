package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/grapic/internal/facematch"
	"github.com/your-org/grapic/pkg/dto"
)

type ProgressHandler struct {
	svc       *facematch.Service
	heartbeat time.Duration
}

func NewProgressHandler(svc *facematch.Service, heartbeat time.Duration) *ProgressHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &ProgressHandler{svc: svc, heartbeat: heartbeat}
}

// Get answers a single poll of the event's counters.
func (h *ProgressHandler) Get(c *gin.Context) {
	eventID, ok := pathID(c, "event")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.svc.GetEvent(ctx, eventID); err != nil {
		respondError(c, err)
		return
	}
	counters, err := h.svc.GetProgress(ctx, eventID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewProgressResponse(eventID, counters))
}

// Stream is the Server-Sent Events variant of the progress WebSocket for
// clients that cannot open one.
func (h *ProgressHandler) Stream(c *gin.Context) {
	eventID, ok := pathID(c, "event")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.svc.GetEvent(ctx, eventID); err != nil {
		respondError(c, err)
		return
	}
	counters, err := h.svc.GetProgress(ctx, eventID)
	if err != nil {
		respondError(c, err)
		return
	}
	updates, err := h.svc.SubscribeProgress(ctx, eventID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(dto.WSTypeProgress, dto.NewProgressResponse(eventID, counters))
	if counters.Finished() {
		c.SSEvent(dto.WSTypeComplete, dto.NewProgressResponse(eventID, counters))
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case u, ok := <-updates:
			if !ok {
				return false
			}
			resp := dto.NewProgressResponse(eventID, u.Counters)
			if u.Counters.Finished() {
				c.SSEvent(dto.WSTypeComplete, resp)
				return false
			}
			c.SSEvent(dto.WSTypeProgress, resp)
			return true
		case <-ticker.C:
			c.SSEvent(dto.WSTypeHeartbeat, gin.H{"event_id": eventID})
			return true
		}
	})
}
