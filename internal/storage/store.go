// Package storage holds the record store: events, photos, face embedding rows
// and the match log.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/embeddings"
	"github.com/your-org/grapic/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNoMatchLog is returned by backends that do not keep match history.
	ErrNoMatchLog = errors.New("match log not supported by this backend")
)

type EventRepository interface {
	CreateEvent(ctx context.Context, ev *models.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	GetEventByCode(ctx context.Context, code string) (*models.Event, error)
	ListEvents(ctx context.Context, limit, offset int) ([]models.Event, int, error)
	ListExpiredEvents(ctx context.Context, now time.Time) ([]models.Event, error)
	// DeleteEvent removes the event with its photos, embeddings and match log.
	DeleteEvent(ctx context.Context, id uuid.UUID) error
	IncrementAttendees(ctx context.Context, id uuid.UUID) error
}

type PhotoRepository interface {
	// CreatePhoto inserts a pending photo and bumps the event's photo_count.
	CreatePhoto(ctx context.Context, p *models.Photo) error
	GetPhoto(ctx context.Context, id uuid.UUID) (*models.Photo, error)
	ListPhotos(ctx context.Context, f models.PhotoFilter) ([]models.Photo, int, error)
	CountPhotos(ctx context.Context, eventID uuid.UUID) (int, error)

	// ClaimPhoto moves a pending or error photo to processing. It returns the
	// photo as it was before the claim, or ok == false when the photo does not
	// exist or another attempt already holds it.
	ClaimPhoto(ctx context.Context, id uuid.UUID, now time.Time) (prev *models.Photo, ok bool, err error)
	CompletePhoto(ctx context.Context, id uuid.UUID, faces int, elapsed time.Duration) error
	FailPhoto(ctx context.Context, id uuid.UUID, msg string, elapsed time.Duration) error
	// ClaimRetry consumes one automatic retry if retry_count still equals
	// expected and the photo is still in error.
	ClaimRetry(ctx context.Context, id uuid.UUID, expected int) (bool, error)
	// FailStalePhotos marks photos stuck in processing since before the
	// cutoff as error and returns them.
	FailStalePhotos(ctx context.Context, before time.Time) ([]models.Photo, error)
	DeletePhoto(ctx context.Context, id uuid.UUID) error
}

type MatchLog interface {
	InsertMatch(ctx context.Context, m *models.MatchRecord) error
	ListMatchSimilarities(ctx context.Context, eventID uuid.UUID) ([]float64, error)
}

// Store is a complete record backend.
type Store interface {
	EventRepository
	PhotoRepository
	MatchLog
	embeddings.Repository
	Ping(ctx context.Context) error
	Close()
}

func elapsedMs(d time.Duration) int64 {
	return d.Milliseconds()
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func pageLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}

func joinColumns(cols []string) string {
	return strings.Join(cols, ", ")
}
