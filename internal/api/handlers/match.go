package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/facematch"
	"github.com/your-org/grapic/internal/storage"
	"github.com/your-org/grapic/pkg/dto"
)

const maxArchivePhotos = 200

type MatchHandler struct {
	svc            *facematch.Service
	maxSelfieBytes int64
}

func NewMatchHandler(svc *facematch.Service, maxSelfieBytes int64) *MatchHandler {
	return &MatchHandler{svc: svc, maxSelfieBytes: maxSelfieBytes}
}

// Match finds the event photos showing the person in the "selfie" form file.
func (h *MatchHandler) Match(c *gin.Context) {
	start := time.Now()
	eventID, ok := pathID(c, "event")
	if !ok {
		return
	}

	file, header, err := c.Request.FormFile("selfie")
	if err != nil {
		file, header, err = c.Request.FormFile("image")
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "selfie file required"})
		return
	}
	defer file.Close()
	if h.maxSelfieBytes > 0 && header.Size > h.maxSelfieBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "selfie too large"})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read selfie"})
		return
	}

	ctx := c.Request.Context()
	matches, err := h.svc.MatchSelfie(ctx, eventID, data)
	if err != nil {
		respondError(c, err)
		return
	}

	results := make([]dto.MatchResult, 0, len(matches))
	for _, m := range matches {
		p, err := h.svc.GetPhoto(ctx, m.PhotoID)
		if errors.Is(err, storage.ErrNotFound) {
			continue // deleted since it was indexed
		}
		if err != nil {
			respondError(c, err)
			return
		}
		thumb, _, download := photoURLs(p)
		results = append(results, dto.MatchResult{
			PhotoID:      p.ID,
			OriginalName: p.OriginalName,
			Similarity:   m.Similarity,
			ThumbnailURL: thumb,
			DownloadURL:  download,
		})
	}

	elapsed := time.Since(start).Milliseconds()
	c.Header("X-Processing-Ms", strconv.FormatInt(elapsed, 10))
	slog.Info("selfie matched", "event_id", eventID, "matches", len(results), "elapsed_ms", elapsed)
	c.JSON(http.StatusOK, dto.MatchResponse{
		EventID:          eventID,
		MatchedCount:     len(results),
		Threshold:        h.svc.Threshold(),
		ProcessingTimeMs: elapsed,
		Results:          results,
	})
}

// Archive streams the requested photos of the event as one ZIP. Photo ids
// come comma separated in the photo_ids query parameter.
func (h *MatchHandler) Archive(c *gin.Context) {
	eventID, ok := pathID(c, "event")
	if !ok {
		return
	}
	raw := strings.Split(c.Query("photo_ids"), ",")
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid photo id " + s})
			return
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "photo_ids required"})
		return
	}
	if len(ids) > maxArchivePhotos {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("at most %d photos per archive", maxArchivePhotos)})
		return
	}

	ctx := c.Request.Context()
	ev, err := h.svc.GetEvent(ctx, eventID)
	if err != nil {
		respondError(c, err)
		return
	}
	// Validate ownership before the first byte goes out.
	for _, id := range ids {
		p, err := h.svc.GetPhoto(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		if p.EventID != eventID {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archiveFilename(ev.Name)))
	c.Status(http.StatusOK)
	if err := h.svc.WriteArchive(ctx, eventID, ids, c.Writer); err != nil {
		slog.Error("write archive", "event_id", eventID, "error", err)
	}
}

func archiveFilename(eventName string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		}
		return -1
	}, eventName)
	if name == "" {
		name = "photos"
	}
	return name + ".zip"
}
