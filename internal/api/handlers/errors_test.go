package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/your-org/grapic/internal/analytics"
	"github.com/your-org/grapic/internal/embeddings"
	"github.com/your-org/grapic/internal/facematch"
	"github.com/your-org/grapic/internal/imagestore"
	"github.com/your-org/grapic/internal/storage"
	"github.com/your-org/grapic/internal/vision"
)

func TestRespondError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("get event: %w", storage.ErrNotFound), http.StatusNotFound},
		{"image missing", imagestore.ErrNotFound, http.StatusNotFound},
		{"no face", facematch.ErrNoFaceDetected, http.StatusUnprocessableEntity},
		{"free tier", facematch.ErrFreeTierLimit, http.StatusPaymentRequired},
		{"expired", facematch.ErrEventExpired, http.StatusGone},
		{"bad image", fmt.Errorf("%w: %w: decode image", vision.ErrExtraction, vision.ErrUnreadableImage), http.StatusBadRequest},
		{"model failure", fmt.Errorf("%w: session pool closed", vision.ErrExtraction), http.StatusServiceUnavailable},
		{"model run failure", fmt.Errorf("match selfie: %w: %w", vision.ErrExtraction, errors.New("onnx: run failed")), http.StatusServiceUnavailable},
		{"bad format", imagestore.ErrUnsupportedFormat, http.StatusBadRequest},
		{"query failure", &embeddings.QueryError{Err: errors.New("connection reset")}, http.StatusServiceUnavailable},
		{"no match log", analytics.ErrNotAvailable, http.StatusNotImplemented},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			respondError(c, tt.err)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestArchiveFilename(t *testing.T) {
	tests := map[string]string{
		"Summer Gala 2024": "Summer_Gala_2024.zip",
		"../../etc":        "etc.zip",
		"":                 "photos.zip",
	}
	for in, want := range tests {
		if got := archiveFilename(in); got != want {
			t.Errorf("archiveFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
