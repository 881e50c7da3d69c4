package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/grapic/internal/app"
	"github.com/your-org/grapic/internal/config"
	"github.com/your-org/grapic/internal/observability"
	"github.com/your-org/grapic/internal/pipeline"
	"github.com/your-org/grapic/internal/queue"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Pipeline.Executor != "nats" {
		slog.Error("the worker consumes NATS tasks; set pipeline.executor to nats")
		os.Exit(1)
	}

	slog.Info("starting grapic photo worker",
		"workers", cfg.Pipeline.Workers,
		"sessions", cfg.Vision.Sessions,
		"max_jobs", cfg.Pipeline.MaxJobsPerWorker,
		"cpu_cores", runtime.NumCPU(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, app.Options{Extractor: true})
	if err != nil {
		slog.Error("build app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	worker := pipeline.NewWorker(a.Processor, a.Store, a.Executor)
	done, err := consumer.ConsumePhotos(ctx, "photo-workers", worker, queue.ConsumeOptions{
		Workers: cfg.Pipeline.Workers,
		AckWait: cfg.Pipeline.HardLimit + 30*time.Second,
		MaxJobs: cfg.Pipeline.MaxJobsPerWorker,
	})
	if err != nil {
		slog.Error("start photo consumer", "error", err)
		os.Exit(1)
	}

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		slog.Info("worker metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Periodically report queue depth
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := a.Producer.QueueDepth(ctx)
				if err == nil {
					observability.QueueDepth.Set(float64(depth))
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		slog.Info("shutting down worker...")
		cancel()
		<-done
	case <-done:
		// Job limit reached; exit cleanly so the supervisor starts a fresh
		// process with fresh model sessions.
		slog.Info("worker finished its job budget")
	}
	slog.Info("worker stopped")
}
