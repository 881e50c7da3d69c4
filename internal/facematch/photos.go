package facematch

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/imagestore"
	"github.com/your-org/grapic/internal/models"
	"github.com/your-org/grapic/internal/storage"
)

func (s *Service) ListPhotos(ctx context.Context, f models.PhotoFilter) ([]models.Photo, int, error) {
	if _, err := s.Events.GetEvent(ctx, f.EventID); err != nil {
		return nil, 0, err
	}
	return s.Photos.ListPhotos(ctx, f)
}

func (s *Service) GetPhoto(ctx context.Context, id uuid.UUID) (*models.Photo, error) {
	return s.Photos.GetPhoto(ctx, id)
}

// PhotoImage returns the stored JPEG of a photo, or its thumbnail.
func (s *Service) PhotoImage(ctx context.Context, id uuid.UUID, thumbnail bool) (*models.Photo, []byte, error) {
	p, err := s.Photos.GetPhoto(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	key := imagestore.PhotoKey(p.EventID, p.Filename)
	if thumbnail {
		key = imagestore.ThumbnailKey(p.EventID, p.Filename)
	}
	data, err := s.Images.Get(ctx, key)
	if err != nil {
		return p, nil, err
	}
	return p, data, nil
}

// DeletePhoto removes the photo record, its embeddings and stored images.
func (s *Service) DeletePhoto(ctx context.Context, id uuid.UUID) error {
	p, err := s.Photos.GetPhoto(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Embeddings.DeleteByPhoto(ctx, p.EventID, p.ID); err != nil {
		return fmt.Errorf("delete photo embeddings: %w", err)
	}
	if err := s.Photos.DeletePhoto(ctx, id); err != nil {
		return err
	}
	err = s.Images.Delete(ctx,
		imagestore.PhotoKey(p.EventID, p.Filename),
		imagestore.ThumbnailKey(p.EventID, p.Filename),
	)
	if err != nil {
		slog.Warn("delete photo images", "photo_id", id, "error", err)
	}
	return nil
}

// WriteArchive writes the originals of the given event photos to w as a ZIP.
// Photos of other events are rejected.
func (s *Service) WriteArchive(ctx context.Context, eventID uuid.UUID, photoIDs []uuid.UUID, w io.Writer) error {
	type entry struct {
		name string
		key  string
	}
	entries := make([]entry, 0, len(photoIDs))
	used := make(map[string]int)
	for _, id := range photoIDs {
		p, err := s.Photos.GetPhoto(ctx, id)
		if err != nil {
			return err
		}
		if p.EventID != eventID {
			return fmt.Errorf("photo %s: %w", id, storage.ErrNotFound)
		}
		name := archiveName(p, used)
		entries = append(entries, entry{name: name, key: imagestore.PhotoKey(p.EventID, p.Filename)})
	}

	zw := zip.NewWriter(w)
	for _, e := range entries {
		data, err := s.Images.Get(ctx, e.key)
		if errors.Is(err, imagestore.ErrNotFound) {
			slog.Warn("archive: image missing", "key", e.key)
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", e.key, err)
		}
		// JPEGs do not compress further.
		f, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Store})
		if err != nil {
			return fmt.Errorf("add %s: %w", e.name, err)
		}
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", e.name, err)
		}
	}
	return zw.Close()
}

// archiveName gives each entry a unique .jpg name based on the upload name.
func archiveName(p *models.Photo, used map[string]int) string {
	base := strings.TrimSuffix(path.Base(p.OriginalName), path.Ext(p.OriginalName))
	if base == "" || base == "." || base == "/" {
		base = p.ID.String()
	}
	name := base + ".jpg"
	if n := used[name]; n > 0 {
		used[name]++
		return fmt.Sprintf("%s_%d.jpg", base, n)
	}
	used[name] = 1
	return name
}
