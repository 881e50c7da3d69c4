package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/grapic/internal/facematch"
	"github.com/your-org/grapic/internal/models"
	"github.com/your-org/grapic/internal/storage"
	"github.com/your-org/grapic/pkg/dto"
)

type EventHandler struct {
	svc *facematch.Service
}

func NewEventHandler(svc *facematch.Service) *EventHandler {
	return &EventHandler{svc: svc}
}

func eventResponse(ev *models.Event) dto.EventResponse {
	return dto.EventResponse{
		ID:             ev.ID,
		Name:           ev.Name,
		Description:    ev.Description,
		AccessCode:     ev.AccessCode,
		ExpiresAt:      formatTimePtr(ev.ExpiresAt),
		PhotoCount:     ev.PhotoCount,
		ProcessedCount: ev.ProcessedCount,
		AttendeeCount:  ev.AttendeeCount,
		CreatedAt:      dto.FormatTime(ev.CreatedAt),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := dto.FormatTime(*t)
	return &s
}

func (h *EventHandler) Create(c *gin.Context) {
	var req dto.CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expires_at must be in the future"})
		return
	}

	ev, err := h.svc.CreateEvent(c.Request.Context(), req.Name, req.Description, req.ExpiresAt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, eventResponse(ev))
}

func (h *EventHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, total, err := h.svc.ListEvents(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]dto.EventResponse, 0, len(events))
	for i := range events {
		resp = append(resp, eventResponse(&events[i]))
	}
	c.JSON(http.StatusOK, dto.EventListResponse{Events: resp, Total: total})
}

func (h *EventHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "event")
	if !ok {
		return
	}
	ev, err := h.svc.GetEvent(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, eventResponse(ev))
}

// Join resolves an access code to the public view of its event.
func (h *EventHandler) Join(c *gin.Context) {
	var req dto.JoinEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev, err := h.svc.GetEventByCode(c.Request.Context(), req.AccessCode)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid access code"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	if ev.Expired(time.Now()) {
		respondError(c, facematch.ErrEventExpired)
		return
	}
	c.JSON(http.StatusOK, dto.PublicEventResponse{
		ID:          ev.ID,
		Name:        ev.Name,
		Description: ev.Description,
		PhotoCount:  ev.PhotoCount,
		ExpiresAt:   formatTimePtr(ev.ExpiresAt),
	})
}

func (h *EventHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "event")
	if !ok {
		return
	}
	if err := h.svc.DeleteEvent(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
