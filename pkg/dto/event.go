package dto

import (
	"time"

	"github.com/google/uuid"
)

const timeFormat = "2006-01-02T15:04:05Z"

// FormatTime renders t in UTC the way every response does.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

type CreateEventRequest struct {
	Name        string     `json:"name" binding:"required,max=200"`
	Description string     `json:"description" binding:"max=2000"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type JoinEventRequest struct {
	AccessCode string `json:"access_code" binding:"required,max=20"`
}

type EventResponse struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	AccessCode     string    `json:"access_code,omitempty"`
	ExpiresAt      *string   `json:"expires_at,omitempty"`
	PhotoCount     int       `json:"photo_count"`
	ProcessedCount int       `json:"processed_count"`
	AttendeeCount  int       `json:"attendee_count"`
	CreatedAt      string    `json:"created_at"`
}

type EventListResponse struct {
	Events []EventResponse `json:"events"`
	Total  int             `json:"total"`
}

// PublicEventResponse is what attendees see after joining with a code.
type PublicEventResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	PhotoCount  int       `json:"photo_count"`
	ExpiresAt   *string   `json:"expires_at,omitempty"`
}

type PageQuery struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}
