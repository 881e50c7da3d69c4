package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/your-org/grapic/internal/api"
	"github.com/your-org/grapic/internal/api/ws"
	"github.com/your-org/grapic/internal/app"
	"github.com/your-org/grapic/internal/auth"
	"github.com/your-org/grapic/internal/config"
	"github.com/your-org/grapic/internal/observability"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting grapic API service", "port", cfg.Server.Port, "executor", cfg.Pipeline.Executor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, app.Options{Extractor: true, Migrate: true})
	if err != nil {
		slog.Error("build app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// With the in-process executor there is no scheduler; sweep here.
	if cfg.Pipeline.Executor == "local" {
		go a.Sweeper().Run(ctx, cfg.Pipeline.SweepInterval)
		go a.RunCleanup(ctx, cfg.Pipeline.CleanupInterval)
	}

	hub := ws.NewHub(a.Service, ws.DefaultHeartbeat)
	go hub.Run(ctx)

	router := api.NewRouter(api.RouterConfig{
		APIKeys:        auth.ParseKeys(cfg.Server.APIKey),
		CORSOrigins:    cfg.Server.CORSOrigins,
		Service:        a.Service,
		Hub:            hub,
		Checks:         a.Checks(),
		MaxUploadBytes: int64(cfg.Upload.MaxBatchMB) << 20,
		MaxSelfieBytes: int64(cfg.Upload.MaxMB) << 20,
	})

	// Uploads and progress streams outlive the usual request timeouts.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...", "progress_rooms", hub.Rooms())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}
