package analytics

import (
	"slices"

	"github.com/your-org/grapic/internal/models"
)

type PhotoStats struct {
	Total             int     `json:"total"`
	Processed         int     `json:"processed"`
	Pending           int     `json:"pending"`
	Processing        int     `json:"processing"`
	Failed            int     `json:"failed"`
	WithFaces         int     `json:"with_faces"`
	FaceDetectionRate float64 `json:"face_detection_rate"`
}

type FaceStats struct {
	Total       int     `json:"total_faces"`
	AvgPerPhoto float64 `json:"avg_faces_per_photo"`
	MaxInPhoto  int     `json:"max_faces_in_photo"`
}

// TimingStats are in milliseconds; nil when no photo finished yet.
type TimingStats struct {
	Avg    *float64 `json:"avg"`
	Min    *int64   `json:"min"`
	Max    *int64   `json:"max"`
	Median *int64   `json:"median"`
}

type EventStats struct {
	Photos         PhotoStats  `json:"photos"`
	Faces          FaceStats   `json:"faces"`
	ProcessingTime TimingStats `json:"processing_time_ms"`
}

// ProcessingStats summarizes the photos of one event.
func ProcessingStats(photos []models.Photo) EventStats {
	var (
		st    EventStats
		times []int64
	)
	st.Photos.Total = len(photos)
	for _, p := range photos {
		switch p.Status {
		case models.PhotoStatusDone:
			st.Photos.Processed++
			if p.ProcessingTimeMs != nil {
				times = append(times, *p.ProcessingTimeMs)
			}
		case models.PhotoStatusPending:
			st.Photos.Pending++
		case models.PhotoStatusProcessing:
			st.Photos.Processing++
		case models.PhotoStatusError:
			st.Photos.Failed++
		}
		if p.FaceCount > 0 {
			st.Photos.WithFaces++
			st.Faces.Total += p.FaceCount
			st.Faces.MaxInPhoto = max(st.Faces.MaxInPhoto, p.FaceCount)
		}
	}

	if st.Photos.Total > 0 {
		st.Photos.FaceDetectionRate = round(float64(st.Photos.WithFaces)/float64(st.Photos.Total)*100, 2)
	}
	if st.Photos.WithFaces > 0 {
		st.Faces.AvgPerPhoto = round(float64(st.Faces.Total)/float64(st.Photos.WithFaces), 2)
	}

	if len(times) > 0 {
		slices.Sort(times)
		var sum int64
		for _, t := range times {
			sum += t
		}
		avg := round(float64(sum)/float64(len(times)), 2)
		lo, hi, med := times[0], times[len(times)-1], times[len(times)/2]
		st.ProcessingTime = TimingStats{Avg: &avg, Min: &lo, Max: &hi, Median: &med}
	}
	return st
}
