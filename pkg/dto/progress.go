package dto

import (
	"math"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/models"
)

// WebSocket message types.
const (
	WSTypeSnapshot  = "snapshot"
	WSTypeProgress  = "progress"
	WSTypeComplete  = "complete"
	WSTypeHeartbeat = "heartbeat"
)

type ProgressResponse struct {
	EventID         uuid.UUID `json:"event_id"`
	Uploaded        int64     `json:"uploaded"`
	Processing      int64     `json:"processing"`
	Completed       int64     `json:"completed"`
	Failed          int64     `json:"failed"`
	Total           int64     `json:"total"`
	PercentComplete float64   `json:"percent_complete"`
	Complete        bool      `json:"complete"`
}

// WSMessage is one frame of the progress WebSocket.
type WSMessage struct {
	Type     string            `json:"type"`
	EventID  uuid.UUID         `json:"event_id"`
	Progress *ProgressResponse `json:"progress,omitempty"`
}

func NewProgressResponse(eventID uuid.UUID, c models.ProgressCounters) ProgressResponse {
	return ProgressResponse{
		EventID:         eventID,
		Uploaded:        c.Uploaded,
		Processing:      c.Processing,
		Completed:       c.Completed,
		Failed:          c.Failed,
		Total:           c.Total,
		PercentComplete: math.Round(c.PercentComplete()*10) / 10,
		Complete:        c.Finished(),
	}
}
