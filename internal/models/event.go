package models

import (
	"time"

	"github.com/google/uuid"
)

// Event groups the photos of one occasion. Embeddings never cross events.
type Event struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	Name           string     `json:"name" db:"name"`
	Description    string     `json:"description" db:"description"`
	AccessCode     string     `json:"access_code" db:"access_code"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	PhotoCount     int        `json:"photo_count" db:"photo_count"`
	ProcessedCount int        `json:"processed_count" db:"processed_count"`
	AttendeeCount  int        `json:"attendee_count" db:"attendee_count"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Expired reports whether the event is past its expiry at the given time.
func (e *Event) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// PhotoTask is the unit of work handed to an executor.
type PhotoTask struct {
	JobID   string    `json:"job_id"`
	PhotoID uuid.UUID `json:"photo_id"`
	EventID uuid.UUID `json:"event_id"`
	Attempt int       `json:"attempt"`
}

// RetryRequest asks a worker to resubmit failed photos of an event.
type RetryRequest struct {
	RequestID   string    `json:"request_id"`
	EventID     uuid.UUID `json:"event_id"`
	Limit       int       `json:"limit"`
	RequestedAt time.Time `json:"requested_at"`
}
