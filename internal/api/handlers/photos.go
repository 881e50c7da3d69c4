package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/your-org/grapic/internal/facematch"
	"github.com/your-org/grapic/internal/models"
	"github.com/your-org/grapic/internal/pipeline"
	"github.com/your-org/grapic/pkg/dto"
)

type PhotoHandler struct {
	svc *facematch.Service
	// MaxFileBytes caps a single multipart part, ZIPs included.
	MaxFileBytes int64
}

func NewPhotoHandler(svc *facematch.Service, maxFileBytes int64) *PhotoHandler {
	return &PhotoHandler{svc: svc, MaxFileBytes: maxFileBytes}
}

func photoURLs(p *models.Photo) (thumbnail, image, download string) {
	base := "/v1/photos/" + p.ID.String()
	return base + "/thumbnail", base + "/image", base + "/download"
}

func photoResponse(p *models.Photo) dto.PhotoResponse {
	thumb, img, _ := photoURLs(p)
	return dto.PhotoResponse{
		ID:               p.ID,
		EventID:          p.EventID,
		OriginalName:     p.OriginalName,
		FileSize:         p.FileSize,
		Width:            p.Width,
		Height:           p.Height,
		Status:           string(p.Status),
		FaceCount:        p.FaceCount,
		ProcessingTimeMs: p.ProcessingTimeMs,
		RetryCount:       p.RetryCount,
		ErrorMessage:     p.ErrorMessage,
		ThumbnailURL:     thumb,
		ImageURL:         img,
		UploadedAt:       dto.FormatTime(p.UploadedAt),
		ProcessedAt:      formatTimePtr(p.ProcessedAt),
	}
}

func (h *PhotoHandler) readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := io.Reader(f)
	if h.MaxFileBytes > 0 {
		r = io.LimitReader(f, h.MaxFileBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if h.MaxFileBytes > 0 && int64(len(data)) > h.MaxFileBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", h.MaxFileBytes)
	}
	return data, nil
}

// Upload accepts images and ZIP archives in the "files" form field.
func (h *PhotoHandler) Upload(c *gin.Context) {
	eventID, ok := pathID(c, "event")
	if !ok {
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		files = form.File["file"]
	}
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
		return
	}

	uploads := make([]facematch.Upload, 0, len(files))
	var skipped []dto.SkippedFile
	for _, fh := range files {
		data, err := h.readPart(fh)
		if err != nil {
			skipped = append(skipped, dto.SkippedFile{Name: fh.Filename, Reason: err.Error()})
			continue
		}
		uploads = append(uploads, facematch.Upload{Name: path.Base(fh.Filename), Data: data})
	}

	res, err := h.svc.IngestBatch(c.Request.Context(), eventID, uploads)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.UploadResponse{
		Uploaded:     res.Uploaded,
		Photos:       make([]dto.PhotoResponse, 0, len(res.Photos)),
		Skipped:      skipped,
		LimitReached: res.LimitReached,
	}
	for i := range res.Photos {
		resp.Photos = append(resp.Photos, photoResponse(&res.Photos[i]))
	}
	for _, s := range res.Skipped {
		resp.Skipped = append(resp.Skipped, dto.SkippedFile{Name: s.Name, Reason: s.Reason})
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *PhotoHandler) List(c *gin.Context) {
	eventID, ok := pathID(c, "event")
	if !ok {
		return
	}
	var q dto.PhotoQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := models.PhotoStatus(q.Status)
	switch status {
	case "", models.PhotoStatusPending, models.PhotoStatusProcessing, models.PhotoStatusDone, models.PhotoStatusError:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	photos, total, err := h.svc.ListPhotos(c.Request.Context(), models.PhotoFilter{
		EventID: eventID,
		Status:  status,
		Limit:   q.Limit,
		Offset:  q.Offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]dto.PhotoResponse, 0, len(photos))
	for i := range photos {
		resp = append(resp, photoResponse(&photos[i]))
	}
	c.JSON(http.StatusOK, dto.PhotoListResponse{Photos: resp, Total: total})
}

func (h *PhotoHandler) serveImage(c *gin.Context, thumbnail, attachment bool) {
	id, ok := pathID(c, "photo")
	if !ok {
		return
	}
	p, data, err := h.svc.PhotoImage(c.Request.Context(), id, thumbnail)
	if err != nil {
		respondError(c, err)
		return
	}
	if attachment {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName(p)))
	}
	c.Header("Cache-Control", "private, max-age=3600")
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (h *PhotoHandler) Image(c *gin.Context)     { h.serveImage(c, false, false) }
func (h *PhotoHandler) Thumbnail(c *gin.Context) { h.serveImage(c, true, false) }
func (h *PhotoHandler) Download(c *gin.Context)  { h.serveImage(c, false, true) }

func downloadName(p *models.Photo) string {
	base := strings.TrimSuffix(path.Base(p.OriginalName), path.Ext(p.OriginalName))
	if base == "" || base == "." || base == "/" {
		base = p.ID.String()
	}
	return base + ".jpg"
}

func (h *PhotoHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "photo")
	if !ok {
		return
	}
	if err := h.svc.DeletePhoto(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Retry resubmits failed photos of the event. Executors that cannot retry
// answer 200 with status retry_not_available.
func (h *PhotoHandler) Retry(c *gin.Context) {
	eventID, ok := pathID(c, "event")
	if !ok {
		return
	}
	var req dto.RetryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		req.Limit = n
	}

	handle, err := h.svc.RetryFailed(c.Request.Context(), eventID, req.Limit)
	if errors.Is(err, pipeline.ErrRetryUnsupported) {
		c.JSON(http.StatusOK, dto.RetryResponse{Status: "retry_not_available", Event: eventID})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.RetryResponse{Status: "scheduled", JobID: handle.ID, Event: eventID})
}
