// Package api is the HTTP surface: organizer routes behind an API key and
// attendee routes reached through an event's id or access code.
package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/grapic/internal/api/handlers"
	"github.com/your-org/grapic/internal/api/ws"
	"github.com/your-org/grapic/internal/auth"
	"github.com/your-org/grapic/internal/facematch"
)

type RouterConfig struct {
	APIKeys     []string
	CORSOrigins []string
	Service     *facematch.Service
	Hub         *ws.Hub
	Checks      map[string]handlers.Check
	// MaxUploadBytes caps one uploaded file (image or ZIP).
	MaxUploadBytes int64
	MaxSelfieBytes int64
	Heartbeat      time.Duration
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return cors.Default()
	}
	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = origins
	cfg.AllowHeaders = append(cfg.AllowHeaders, "X-API-Key", "Authorization")
	cfg.ExposeHeaders = []string{"X-Processing-Ms", "Content-Disposition"}
	return cors.New(cfg)
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.MaxMultipartMemory = 32 << 20

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	eventH := handlers.NewEventHandler(cfg.Service)
	photoH := handlers.NewPhotoHandler(cfg.Service, cfg.MaxUploadBytes)
	matchH := handlers.NewMatchHandler(cfg.Service, cfg.MaxSelfieBytes)
	progressH := handlers.NewProgressHandler(cfg.Service, cfg.Heartbeat)
	analyticsH := handlers.NewAnalyticsHandler(cfg.Service)

	v1 := r.Group("/v1")

	// Attendee routes (no auth)
	v1.POST("/join", eventH.Join)
	v1.GET("/events/:id", eventH.Get)
	v1.POST("/events/:id/match", matchH.Match)
	v1.GET("/events/:id/archive", matchH.Archive)
	v1.GET("/events/:id/progress", progressH.Get)
	v1.GET("/events/:id/progress/stream", progressH.Stream)
	v1.GET("/events/:id/progress/ws", cfg.Hub.HandleProgress)
	v1.GET("/photos/:id/image", photoH.Image)
	v1.GET("/photos/:id/thumbnail", photoH.Thumbnail)
	v1.GET("/photos/:id/download", photoH.Download)

	// Organizer routes (with auth)
	org := v1.Group("")
	org.Use(auth.APIKeyMiddleware(cfg.APIKeys))

	org.POST("/events", eventH.Create)
	org.GET("/events", eventH.List)
	org.DELETE("/events/:id", eventH.Delete)

	org.POST("/events/:id/photos", photoH.Upload)
	org.GET("/events/:id/photos", photoH.List)
	org.POST("/events/:id/retry", photoH.Retry)
	org.DELETE("/photos/:id", photoH.Delete)

	org.GET("/events/:id/stats", analyticsH.Stats)
	org.GET("/events/:id/analytics", analyticsH.Matches)

	return r
}
