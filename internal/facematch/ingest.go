package facematch

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/facette/natsort"
	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/imagestore"
	"github.com/your-org/grapic/internal/models"
	"github.com/your-org/grapic/internal/pipeline"
	"github.com/your-org/grapic/internal/progress"
)

// Upload is one file of an organizer's batch: an image or a ZIP of images.
type Upload struct {
	Name string
	Data []byte
}

type SkippedFile struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type BatchResult struct {
	Uploaded     int            `json:"uploaded"`
	Photos       []models.Photo `json:"photos"`
	Skipped      []SkippedFile  `json:"skipped,omitempty"`
	LimitReached bool           `json:"limit_reached"`
}

func isZip(name string) bool {
	return strings.EqualFold(path.Ext(name), ".zip")
}

// IngestBatch stores every valid image of the batch, creates its photo record
// and submits it for extraction. Progress counters restart for each batch.
func (s *Service) IngestBatch(ctx context.Context, eventID uuid.UUID, uploads []Upload) (*BatchResult, error) {
	ev, err := s.Events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Expired(s.now()) {
		return nil, ErrEventExpired
	}
	limit := s.opts.FreeTierLimit
	if limit > 0 && ev.PhotoCount >= limit {
		return nil, ErrFreeTierLimit
	}

	if err := s.Tracker.Reset(ctx, eventID); err != nil {
		slog.Warn("reset progress", "event_id", eventID, "error", err)
	}

	res := &BatchResult{}
	full := func() bool {
		if limit > 0 && ev.PhotoCount+res.Uploaded >= limit {
			res.LimitReached = true
			return true
		}
		return false
	}
	add := func(name string, data []byte) error {
		p, err := s.ingestOne(ctx, eventID, name, data)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("skipping upload", "event_id", eventID, "name", name, "error", err)
			res.Skipped = append(res.Skipped, SkippedFile{Name: name, Reason: err.Error()})
			return nil
		}
		res.Uploaded++
		res.Photos = append(res.Photos, *p)
		return nil
	}

upload:
	for _, up := range uploads {
		if !isZip(up.Name) {
			if full() {
				break
			}
			if err := add(up.Name, up.Data); err != nil {
				return res, err
			}
			continue
		}

		entries, err := zipEntries(up.Data, s.opts.Upload)
		if err != nil {
			slog.Warn("invalid zip upload", "name", up.Name, "error", err)
			res.Skipped = append(res.Skipped, SkippedFile{Name: up.Name, Reason: err.Error()})
			continue
		}
		for _, zf := range entries {
			if full() {
				break upload
			}
			data, err := readZipFile(zf, s.opts.Upload.MaxBytes)
			if err != nil {
				res.Skipped = append(res.Skipped, SkippedFile{Name: zf.Name, Reason: err.Error()})
				continue
			}
			if err := add(path.Base(zf.Name), data); err != nil {
				return res, err
			}
		}
	}

	if res.Uploaded > 0 {
		if err := s.Tracker.SetTotal(ctx, eventID, int64(res.Uploaded)); err != nil {
			slog.Warn("set progress total", "event_id", eventID, "error", err)
		}
	}
	if res.LimitReached && res.Uploaded == 0 {
		return res, ErrFreeTierLimit
	}
	slog.Info("batch ingested", "event_id", eventID, "uploaded", res.Uploaded, "skipped", len(res.Skipped), "limit_reached", res.LimitReached)
	return res, nil
}

// zipEntries lists the image entries of an archive in natural name order,
// leaving out directories, macOS metadata and other file types.
func zipEntries(data []byte, rules imagestore.UploadRules) ([]*zip.File, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	byName := make(map[string]*zip.File, len(zr.File))
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		if strings.HasPrefix(f.Name, "__MACOSX") || strings.HasPrefix(path.Base(f.Name), "._") {
			continue
		}
		if !rules.Allowed(f.Name) {
			continue
		}
		byName[f.Name] = f
		names = append(names, f.Name)
	}
	natsort.Sort(names)

	out := make([]*zip.File, len(names))
	for i, n := range names {
		out[i] = byName[n]
	}
	return out, nil
}

func readZipFile(f *zip.File, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 && f.UncompressedSize64 > uint64(maxBytes) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", imagestore.ErrTooLarge, f.UncompressedSize64, maxBytes)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	r := io.Reader(rc)
	if maxBytes > 0 {
		r = io.LimitReader(rc, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %s", imagestore.ErrTooLarge, f.Name)
	}
	return data, nil
}

// ingestOne validates, normalizes and stores one image, then submits it.
func (s *Service) ingestOne(ctx context.Context, eventID uuid.UUID, name string, data []byte) (*models.Photo, error) {
	if err := s.opts.Upload.Validate(name, int64(len(data))); err != nil {
		return nil, err
	}
	norm, err := s.opts.Upload.Normalize(data)
	if err != nil {
		return nil, err
	}

	p := &models.Photo{
		ID:           uuid.New(),
		EventID:      eventID,
		Status:       models.PhotoStatusPending,
		OriginalName: name,
		FileSize:     int64(len(norm.Data)),
		Width:        norm.Width,
		Height:       norm.Height,
	}
	p.Filename = imagestore.StoredName(p.ID)

	if err := s.Images.Put(ctx, imagestore.PhotoKey(eventID, p.Filename), norm.Data, "image/jpeg"); err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}
	if err := s.Images.Put(ctx, imagestore.ThumbnailKey(eventID, p.Filename), norm.Thumbnail, "image/jpeg"); err != nil {
		slog.Warn("store thumbnail", "photo_id", p.ID, "error", err)
	}
	if err := s.Photos.CreatePhoto(ctx, p); err != nil {
		_ = s.Images.Delete(ctx, imagestore.PhotoKey(eventID, p.Filename), imagestore.ThumbnailKey(eventID, p.Filename))
		return nil, fmt.Errorf("create photo: %w", err)
	}
	s.bump(ctx, eventID, progress.Uploaded, 1)

	if _, err := s.Executor.Submit(ctx, pipeline.NewTask(p.ID, eventID, 0)); err != nil {
		// Parked as failed so the retry sweep picks it up.
		slog.Error("submit photo", "photo_id", p.ID, "error", err)
		s.parkFailed(ctx, p, err)
	}
	return p, nil
}

func (s *Service) parkFailed(ctx context.Context, p *models.Photo, cause error) {
	rctx := context.WithoutCancel(ctx)
	_, ok, err := s.Photos.ClaimPhoto(rctx, p.ID, s.now())
	if err != nil || !ok {
		return
	}
	if err := s.Photos.FailPhoto(rctx, p.ID, "submit: "+cause.Error(), 0); err != nil {
		slog.Warn("park unsubmitted photo", "photo_id", p.ID, "error", err)
		return
	}
	p.Status = models.PhotoStatusError
	s.bump(rctx, p.EventID, progress.Failed, 1)
}

func (s *Service) bump(ctx context.Context, eventID uuid.UUID, st progress.Status, delta int64) {
	if err := s.Tracker.Increment(ctx, eventID, st, delta); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("update progress", "event_id", eventID, "status", st, "error", err)
	}
}
