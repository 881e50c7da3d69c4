package models

import (
	"time"

	"github.com/google/uuid"
)

// Box is a face bounding box in pixel coordinates of the stored image.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// FaceEmbedding is one detected face of a photo. Rows are immutable once written.
type FaceEmbedding struct {
	ID        uuid.UUID `json:"id"`
	PhotoID   uuid.UUID `json:"photo_id"`
	EventID   uuid.UUID `json:"event_id"`
	Vector    []float32 `json:"-"`
	Box       Box       `json:"face_location"`
	CreatedAt time.Time `json:"created_at"`
}

// MatchRecord is an append-only log entry written after a successful selfie match.
type MatchRecord struct {
	ID         uuid.UUID  `json:"id"`
	EventID    uuid.UUID  `json:"event_id"`
	PhotoID    uuid.UUID  `json:"photo_id"`
	Similarity float64    `json:"similarity"`
	Threshold  float64    `json:"threshold_used"`
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	MatchedAt  time.Time  `json:"match_timestamp"`
}
