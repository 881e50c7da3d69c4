package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PhotosProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grapic",
		Name:      "photos_processed_total",
		Help:      "Total number of photo processing attempts by outcome",
	}, []string{"status"})

	FacesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grapic",
		Name:      "faces_detected_total",
		Help:      "Total number of faces stored from event photos",
	})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grapic",
		Name:      "inference_duration_seconds",
		Help:      "Duration of ML inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	PhotoDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "grapic",
		Name:      "photo_duration_seconds",
		Help:      "Wall time of one photo processing attempt",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	MatchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grapic",
		Name:      "match_requests_total",
		Help:      "Selfie match requests by result",
	}, []string{"result"})

	MatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "grapic",
		Name:      "match_duration_seconds",
		Help:      "Selfie match latency including extraction",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grapic",
		Name:      "queue_depth",
		Help:      "Number of pending photo tasks in queue",
	})

	RetriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grapic",
		Name:      "retries_scheduled_total",
		Help:      "Failed photos resubmitted, by trigger",
	}, []string{"trigger"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grapic",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grapic",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
