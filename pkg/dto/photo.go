package dto

import "github.com/google/uuid"

type PhotoResponse struct {
	ID               uuid.UUID `json:"id"`
	EventID          uuid.UUID `json:"event_id"`
	OriginalName     string    `json:"original_name"`
	FileSize         int64     `json:"file_size"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	Status           string    `json:"status"`
	FaceCount        int       `json:"face_count"`
	ProcessingTimeMs *int64    `json:"processing_time_ms,omitempty"`
	RetryCount       int       `json:"retry_count"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ThumbnailURL     string    `json:"thumbnail_url"`
	ImageURL         string    `json:"image_url"`
	UploadedAt       string    `json:"uploaded_at"`
	ProcessedAt      *string   `json:"processed_at,omitempty"`
}

type PhotoListResponse struct {
	Photos []PhotoResponse `json:"photos"`
	Total  int             `json:"total"`
}

type PhotoQuery struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

type SkippedFile struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type UploadResponse struct {
	Uploaded     int             `json:"uploaded"`
	Photos       []PhotoResponse `json:"photos"`
	Skipped      []SkippedFile   `json:"skipped,omitempty"`
	LimitReached bool            `json:"limit_reached"`
}

type MatchResult struct {
	PhotoID      uuid.UUID `json:"photo_id"`
	OriginalName string    `json:"original_name"`
	Similarity   float64   `json:"similarity"`
	ThumbnailURL string    `json:"thumbnail_url"`
	DownloadURL  string    `json:"download_url"`
}

type MatchResponse struct {
	EventID          uuid.UUID     `json:"event_id"`
	MatchedCount     int           `json:"matched_count"`
	Threshold        float64       `json:"threshold"`
	ProcessingTimeMs int64         `json:"processing_time_ms"`
	Results          []MatchResult `json:"results"`
}

type RetryRequest struct {
	Limit int `json:"limit" binding:"min=0,max=10000"`
}

type RetryResponse struct {
	Status string    `json:"status"`
	JobID  string    `json:"job_id,omitempty"`
	Event  uuid.UUID `json:"event_id"`
}
