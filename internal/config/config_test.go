package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Matching.Threshold != 0.40 {
		t.Errorf("threshold = %v, want 0.40", cfg.Matching.Threshold)
	}
	if cfg.Embeddings.Dimension != 512 {
		t.Errorf("dimension = %d, want 512", cfg.Embeddings.Dimension)
	}
	want := []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour}
	if len(cfg.Pipeline.RetryDelays) != len(want) {
		t.Fatalf("retry delays = %v, want %v", cfg.Pipeline.RetryDelays, want)
	}
	for i := range want {
		if cfg.Pipeline.RetryDelays[i] != want[i] {
			t.Errorf("retry delay %d = %s, want %s", i, cfg.Pipeline.RetryDelays[i], want[i])
		}
	}
	if cfg.Progress.Backend != "memory" {
		t.Errorf("progress backend = %q, want memory", cfg.Progress.Backend)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  path: /tmp/x.db
embeddings:
  backend: linear
matching:
  threshold: 0.55
  sla: 2s
pipeline:
  retry_delays: [1m, 2m]
  soft_limit: 10s
  hard_limit: 20s
`)
	t.Setenv("GRAPIC_PIPELINE_WORKERS", "9")
	t.Setenv("GRAPIC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "/tmp/x.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Matching.Threshold != 0.55 || cfg.Matching.SLA != 2*time.Second {
		t.Errorf("matching = %+v", cfg.Matching)
	}
	if len(cfg.Pipeline.RetryDelays) != 2 || cfg.Pipeline.RetryDelays[1] != 2*time.Minute {
		t.Errorf("retry delays = %v", cfg.Pipeline.RetryDelays)
	}
	if cfg.Pipeline.Workers != 9 {
		t.Errorf("workers = %d, want 9 from env", cfg.Pipeline.Workers)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Pipeline.StaleAfter != 40*time.Second {
		t.Errorf("stale after = %s, want twice the hard limit", cfg.Pipeline.StaleAfter)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"pgvector needs postgres", "database: {driver: sqlite}\nembeddings: {backend: pgvector}", "pgvector"},
		{"unknown driver", "database: {driver: oracle}", "database driver"},
		{"nats executor with memory progress", "pipeline: {executor: nats}\nprogress: {backend: memory}", "progress backend"},
		{"threshold range", "matching: {threshold: 1.5}", "threshold"},
		{"soft above hard", "pipeline: {soft_limit: 10m, hard_limit: 5m}", "soft limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) succeeded, want error")
	}
}

func TestExplicitZeroThreshold(t *testing.T) {
	cfg, err := Load(writeConfig(t, "matching: {threshold: 0}"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Matching.Threshold != 0 {
		t.Errorf("threshold = %v, want explicit 0 kept", cfg.Matching.Threshold)
	}

	t.Setenv("GRAPIC_MATCH_THRESHOLD", "0")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Matching.Threshold != 0 {
		t.Errorf("threshold from env = %v, want 0", cfg.Matching.Threshold)
	}
}

func TestEmbeddingsBackendDefault(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"local executor", "pipeline: {executor: local}", "hnsw"},
		{"nats executor on postgres", "pipeline: {executor: nats}", "pgvector"},
		{"nats executor on sqlite", "pipeline: {executor: nats}\ndatabase: {driver: sqlite}", "hnsw"},
		{"explicit backend kept", "pipeline: {executor: nats}\nembeddings: {backend: linear}", "linear"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Embeddings.Backend != tt.want {
				t.Errorf("embeddings backend = %q, want %q", cfg.Embeddings.Backend, tt.want)
			}
		})
	}
}
