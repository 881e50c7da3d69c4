// Package imagestore keeps uploaded event photos and their thumbnails.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("image not found")

// Store is a flat key/value blob store. Keys use forward slashes.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every object under prefix and returns how many.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
}

// EventPrefix is the key prefix of everything stored for an event.
func EventPrefix(eventID uuid.UUID) string {
	return fmt.Sprintf("events/%s/", eventID)
}

func PhotoKey(eventID uuid.UUID, filename string) string {
	return path.Join(EventPrefix(eventID), "photos", filename)
}

func ThumbnailKey(eventID uuid.UUID, filename string) string {
	return path.Join(EventPrefix(eventID), "thumbnails", filename)
}
