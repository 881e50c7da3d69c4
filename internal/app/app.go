// Package app builds the backends chosen in config and wires them into the
// services every binary runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/your-org/grapic/internal/analytics"
	"github.com/your-org/grapic/internal/api/handlers"
	"github.com/your-org/grapic/internal/config"
	"github.com/your-org/grapic/internal/embeddings"
	"github.com/your-org/grapic/internal/facematch"
	"github.com/your-org/grapic/internal/imagestore"
	"github.com/your-org/grapic/internal/pipeline"
	"github.com/your-org/grapic/internal/progress"
	"github.com/your-org/grapic/internal/queue"
	"github.com/your-org/grapic/internal/storage"
	"github.com/your-org/grapic/internal/vision"
)

// Options say which parts a binary needs.
type Options struct {
	// Extractor loads the face models. The API needs them for selfies, the
	// worker for photos; admin commands usually do not.
	Extractor bool
	// Migrate applies pending Postgres migrations during Build.
	Migrate bool
}

type App struct {
	Config     *config.Config
	Store      storage.Store
	Images     imagestore.Store
	Extractor  vision.Extractor
	Embeddings embeddings.Store
	Tracker    progress.Tracker
	Executor   pipeline.Executor
	// Processor is nil when no extractor was loaded.
	Processor *pipeline.Processor
	// Producer is nil unless NATS is configured for the executor or progress.
	Producer *queue.Producer
	Recorder *analytics.Recorder
	Service  *facematch.Service

	closers []func() error
}

// Build connects every backend. On error, whatever was already opened is
// closed again.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStore(ctx, opts.Migrate); err != nil {
		return nil, err
	}
	if err := a.openImages(ctx); err != nil {
		return nil, err
	}

	a.Embeddings, err = embeddings.New(embeddings.Options{
		Backend:   cfg.Embeddings.Backend,
		Dimension: cfg.Embeddings.Dimension,
		HNSW: embeddings.HNSWOptions{
			M:         cfg.Embeddings.HNSW.M,
			EfSearch:  cfg.Embeddings.HNSW.EfSearch,
			Overfetch: cfg.Embeddings.HNSW.Overfetch,
		},
	}, a.Store)
	if err != nil {
		return nil, err
	}

	if cfg.Pipeline.Executor == "nats" || cfg.Progress.Backend == "nats" {
		a.Producer, err = queue.NewProducer(cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Producer.Close)
	}

	if err := a.openTracker(ctx); err != nil {
		return nil, err
	}

	if opts.Extractor {
		if err := a.openExtractor(); err != nil {
			return nil, err
		}
		a.Processor = pipeline.NewProcessor(a.Store, a.Images, a.Extractor, a.Embeddings, a.Tracker, pipeline.Limits{
			Soft: cfg.Pipeline.SoftLimit,
			Hard: cfg.Pipeline.HardLimit,
		})
	}

	if err := a.openExecutor(ctx); err != nil {
		return nil, err
	}

	a.Recorder = analytics.NewRecorder(a.Store, 0)
	a.closers = append(a.closers, a.Recorder.Close)

	a.Service = facematch.NewService(facematch.Deps{
		Events:     a.Store,
		Photos:     a.Store,
		Images:     a.Images,
		Extractor:  a.Extractor,
		Embeddings: a.Embeddings,
		Executor:   a.Executor,
		Tracker:    a.Tracker,
		Recorder:   a.Recorder,
		Analytics:  analytics.NewService(a.Store),
	}, facematch.Options{
		Threshold:     cfg.Matching.Threshold,
		Limit:         cfg.Matching.Limit,
		SLA:           cfg.Matching.SLA,
		FreeTierLimit: cfg.Upload.FreeTierLimit,
		Upload:        UploadRules(cfg.Upload),
	})

	slog.Info("backends ready",
		"database", cfg.Database.Driver,
		"storage", cfg.Storage.Backend,
		"embeddings", cfg.Embeddings.Backend,
		"executor", cfg.Pipeline.Executor,
		"progress", cfg.Progress.Backend,
		"extractor", opts.Extractor,
	)
	return a, nil
}

// UploadRules converts the upload config section.
func UploadRules(c config.UploadConfig) imagestore.UploadRules {
	return imagestore.UploadRules{
		MaxBytes:          int64(c.MaxMB) << 20,
		AllowedExtensions: c.AllowedExtensions,
		MaxDimension:      c.MaxDimension,
		JPEGQuality:       c.JPEGQuality,
		ThumbnailSize:     c.ThumbnailSize,
	}
}

func (a *App) openStore(ctx context.Context, migrate bool) error {
	switch a.Config.Database.Driver {
	case "postgres":
		pg, err := storage.NewPostgresStore(a.Config.Database)
		if err != nil {
			return err
		}
		a.Store = pg
		if migrate {
			applied, err := pg.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if len(applied) > 0 {
				slog.Info("applied migrations", "versions", applied)
			}
		}
	case "sqlite":
		lite, err := storage.NewSQLiteStore(a.Config.Database.Path)
		if err != nil {
			return err
		}
		a.Store = lite
	default:
		a.Store = storage.NewMemoryStore()
	}
	a.closers = append(a.closers, func() error { a.Store.Close(); return nil })
	return nil
}

func (a *App) openImages(ctx context.Context) error {
	if a.Config.Storage.Backend == "local" {
		local, err := imagestore.NewLocalStore(a.Config.Storage.LocalDir)
		if err != nil {
			return err
		}
		a.Images = local
		return nil
	}
	m, err := imagestore.NewMinIOStore(a.Config.MinIO)
	if err != nil {
		return err
	}
	if err := m.EnsureBucket(ctx); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}
	a.Images = m
	return nil
}

func (a *App) openTracker(ctx context.Context) error {
	if a.Config.Progress.Backend != "nats" {
		a.Tracker = progress.NewMemoryTracker()
		return nil
	}
	t, err := progress.NewKVTracker(ctx, a.Producer.JetStream())
	if err != nil {
		return err
	}
	a.Tracker = t
	return nil
}

func (a *App) openExtractor() error {
	vc := a.Config.Vision
	if err := vision.InitRuntime(vc.LibPath); err != nil {
		return err
	}
	x, err := vision.NewONNXExtractor(vision.ONNXConfig{
		ModelsDir:          vc.ModelsDir,
		DetectionThreshold: float32(vc.DetectionThreshold),
		EmbeddingDim:       a.Config.Embeddings.Dimension,
		Sessions:           vc.Sessions,
		IntraOpThreads:     vc.IntraOpThreads,
		MinFaceSize:        vc.MinFaceSize,
	})
	if err != nil {
		vision.DestroyRuntime()
		return err
	}
	a.Extractor = x
	a.closers = append(a.closers, func() error {
		x.Close()
		vision.DestroyRuntime()
		return nil
	})
	return nil
}

func (a *App) openExecutor(ctx context.Context) error {
	if a.Config.Pipeline.Executor == "nats" {
		if err := a.Producer.EnsureStreams(ctx); err != nil {
			return err
		}
		a.Executor = a.Producer
		return nil
	}
	if a.Processor == nil {
		return errors.New("the local executor runs extraction in-process and needs the face models")
	}
	pool := pipeline.NewLocalPool(a.Processor, a.Config.Pipeline.Workers, a.Config.Pipeline.QueueSize)
	a.Executor = pool
	a.closers = append(a.closers, pool.Close)
	return nil
}

// RetryPolicy is the automatic retry schedule from config.
func (a *App) RetryPolicy() pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxAttempts: a.Config.Pipeline.MaxAttempts,
		Delays:      a.Config.Pipeline.RetryDelays,
	}
}

func (a *App) Sweeper() *pipeline.Sweeper {
	return pipeline.NewSweeper(a.Store, a.Executor, a.Tracker, a.RetryPolicy(), a.Config.Pipeline.StaleAfter)
}

// RunCleanup deletes expired events every interval until ctx is done.
func (a *App) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := a.Service.CleanupExpired(ctx)
		if err != nil {
			slog.Error("expired event cleanup", "error", err)
		} else if n > 0 {
			slog.Info("expired events deleted", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Checks are the readiness probes of the configured backends.
func (a *App) Checks() map[string]handlers.Check {
	checks := map[string]handlers.Check{
		a.Config.Database.Driver: a.Store.Ping,
		a.Config.Storage.Backend: a.Images.Ping,
	}
	if a.Producer != nil {
		checks["nats"] = func(context.Context) error { return a.Producer.Ping() }
	}
	return checks
}

// Close releases everything in reverse order of opening. The local pool
// drains its queue before the store goes away.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
