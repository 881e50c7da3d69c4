package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/analytics"
	"github.com/your-org/grapic/internal/embeddings"
	"github.com/your-org/grapic/internal/facematch"
	"github.com/your-org/grapic/internal/imagestore"
	"github.com/your-org/grapic/internal/storage"
	"github.com/your-org/grapic/internal/vision"
)

// respondError maps service errors to a status and a gin.H{"error": ...} body.
func respondError(c *gin.Context, err error) {
	var queryErr *embeddings.QueryError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, imagestore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, facematch.ErrNoFaceDetected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "no face detected in your selfie, please retake it with your face clearly visible",
		})
	case errors.Is(err, facematch.ErrFreeTierLimit):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case errors.Is(err, facematch.ErrEventExpired):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, vision.ErrUnreadableImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read image"})
	case errors.Is(err, vision.ErrExtraction):
		slog.Error("face model failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "face recognition temporarily unavailable"})
	case errors.Is(err, imagestore.ErrUnsupportedFormat), errors.Is(err, imagestore.ErrTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &queryErr):
		slog.Error("similarity query failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search temporarily unavailable"})
	case errors.Is(err, analytics.ErrNotAvailable):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	default:
		slog.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// pathID parses the :id path parameter, answering 400 when it is not a uuid.
func pathID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + what + " id"})
		return uuid.Nil, false
	}
	return id, true
}
