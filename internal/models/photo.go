package models

import (
	"time"

	"github.com/google/uuid"
)

type PhotoStatus string

const (
	PhotoStatusPending    PhotoStatus = "pending"
	PhotoStatusProcessing PhotoStatus = "processing"
	PhotoStatusDone       PhotoStatus = "done"
	PhotoStatusError      PhotoStatus = "error"
)

// Claimable reports whether a photo in this status may start a new attempt.
func (s PhotoStatus) Claimable() bool {
	return s == PhotoStatusPending || s == PhotoStatusError
}

type Photo struct {
	ID               uuid.UUID   `json:"id" db:"id"`
	EventID          uuid.UUID   `json:"event_id" db:"event_id"`
	Filename         string      `json:"filename" db:"filename"`
	OriginalName     string      `json:"original_name" db:"original_name"`
	FileSize         int64       `json:"file_size" db:"file_size"`
	Width            int         `json:"width" db:"width"`
	Height           int         `json:"height" db:"height"`
	Status           PhotoStatus `json:"status" db:"status"`
	FaceCount        int         `json:"face_count" db:"face_count"`
	ProcessingTimeMs *int64      `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	RetryCount       int         `json:"retry_count" db:"retry_count"`
	ErrorMessage     string      `json:"error_message,omitempty" db:"error_message"`
	UploadedAt       time.Time   `json:"uploaded_at" db:"uploaded_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty" db:"started_at"`
	ProcessedAt      *time.Time  `json:"processed_at,omitempty" db:"processed_at"`
}

// PhotoFilter narrows photo listings. Zero values mean "any".
type PhotoFilter struct {
	EventID uuid.UUID
	Status  PhotoStatus
	Limit   int
	Offset  int
}
