package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/your-org/grapic/internal/app"
	"github.com/your-org/grapic/internal/config"
	"github.com/your-org/grapic/internal/observability"
)

// The scheduler runs the periodic jobs of a distributed deployment: the retry
// sweep over failed photos and the expired-event cleanup.
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
		slog.Error("with the local executor the API process runs these jobs; set pipeline.executor to nats")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		slog.Error("build app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	slog.Info("starting grapic scheduler",
		"sweep_interval", cfg.Pipeline.SweepInterval,
		"cleanup_interval", cfg.Pipeline.CleanupInterval,
	)
	go a.Sweeper().Run(ctx, cfg.Pipeline.SweepInterval)
	go a.RunCleanup(ctx, cfg.Pipeline.CleanupInterval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down scheduler...")
	cancel()
	slog.Info("scheduler stopped")
}
