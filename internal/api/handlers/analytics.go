package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/grapic/internal/facematch"
)

type AnalyticsHandler struct {
	svc *facematch.Service
}

func NewAnalyticsHandler(svc *facematch.Service) *AnalyticsHandler {
	return &AnalyticsHandler{svc: svc}
}

// Matches summarizes the similarity scores of the event's match log.
func (h *AnalyticsHandler) Matches(c *gin.Context) {
	eventID, ok := pathID(c, "event")
	if !ok {
		return
	}
	summary, err := h.svc.MatchAnalytics(c.Request.Context(), eventID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"event_id":                eventID,
		"threshold":               h.svc.Threshold(),
		"similarity_distribution": summary.Distribution,
		"similarity_stats":        summary.Stats,
		"false_positive_estimate": summary.FalsePositiveEstimate,
	})
}

func (h *AnalyticsHandler) Stats(c *gin.Context) {
	eventID, ok := pathID(c, "event")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	ev, err := h.svc.GetEvent(ctx, eventID)
	if err != nil {
		respondError(c, err)
		return
	}
	stats, err := h.svc.EventStats(ctx, eventID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"event_id":           eventID,
		"event_name":         ev.Name,
		"attendee_count":     ev.AttendeeCount,
		"photos":             stats.Photos,
		"faces":              stats.Faces,
		"processing_time_ms": stats.ProcessingTime,
	})
}
