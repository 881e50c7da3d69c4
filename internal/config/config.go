package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Storage    StorageConfig    `yaml:"storage"`
	Vision     VisionConfig     `yaml:"vision"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Matching   MatchingConfig   `yaml:"matching"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Upload     UploadConfig     `yaml:"upload"`
	Progress   ProgressConfig   `yaml:"progress"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port        int      `yaml:"port"`
	MetricsPort int      `yaml:"metrics_port"`
	APIKey      string   `yaml:"api_key"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	// Driver is postgres, sqlite or memory.
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type StorageConfig struct {
	// Backend is minio or local.
	Backend  string `yaml:"backend"`
	LocalDir string `yaml:"local_dir"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	LibPath            string  `yaml:"lib_path"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	MinFaceSize        int     `yaml:"min_face_size"`
	Sessions           int     `yaml:"sessions"`
	IntraOpThreads     int     `yaml:"intra_op_threads"`
}

type EmbeddingsConfig struct {
	// Backend is linear, hnsw or pgvector.
	Backend   string     `yaml:"backend"`
	Dimension int        `yaml:"dimension"`
	HNSW      HNSWConfig `yaml:"hnsw"`
}

type HNSWConfig struct {
	M         int `yaml:"m"`
	EfSearch  int `yaml:"ef_search"`
	Overfetch int `yaml:"overfetch"`
}

type MatchingConfig struct {
	Threshold float64       `yaml:"threshold"`
	Limit     int           `yaml:"limit"`
	SLA       time.Duration `yaml:"sla"`
}

type PipelineConfig struct {
	// Executor is local or nats.
	Executor         string          `yaml:"executor"`
	Workers          int             `yaml:"workers"`
	QueueSize        int             `yaml:"queue_size"`
	MaxAttempts      int             `yaml:"max_attempts"`
	RetryDelays      []time.Duration `yaml:"retry_delays"`
	SweepInterval    time.Duration   `yaml:"sweep_interval"`
	StaleAfter       time.Duration   `yaml:"stale_after"`
	SoftLimit        time.Duration   `yaml:"soft_limit"`
	HardLimit        time.Duration   `yaml:"hard_limit"`
	MaxJobsPerWorker int             `yaml:"max_jobs_per_worker"`
	CleanupInterval  time.Duration   `yaml:"cleanup_interval"`
}

type UploadConfig struct {
	MaxMB             int      `yaml:"max_mb"`
	MaxBatchMB        int      `yaml:"max_batch_mb"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxDimension      int      `yaml:"max_dimension"`
	JPEGQuality       int      `yaml:"jpeg_quality"`
	ThumbnailSize     int      `yaml:"thumbnail_size"`
	FreeTierLimit     int      `yaml:"free_tier_limit"`
}

type ProgressConfig struct {
	// Backend is memory or nats.
	Backend string `yaml:"backend"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from a YAML file and applies environment variable
// overrides. An empty path skips the file and uses env and defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{Matching: MatchingConfig{Threshold: thresholdUnset}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects backend combinations that cannot work together.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	// The postgres schema fixes the vector column width.
	if c.Database.Driver == "postgres" && c.Embeddings.Dimension != 512 {
		return fmt.Errorf("postgres driver stores 512-dimensional embeddings, got %d", c.Embeddings.Dimension)
	}
	switch c.Embeddings.Backend {
	case "linear", "hnsw":
	case "pgvector":
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("embeddings backend pgvector requires the postgres driver")
		}
	default:
		return fmt.Errorf("unknown embeddings backend %q", c.Embeddings.Backend)
	}
	switch c.Storage.Backend {
	case "minio", "local":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Pipeline.Executor {
	case "local", "nats":
	default:
		return fmt.Errorf("unknown pipeline executor %q", c.Pipeline.Executor)
	}
	switch c.Progress.Backend {
	case "memory", "nats":
	default:
		return fmt.Errorf("unknown progress backend %q", c.Progress.Backend)
	}
	if c.Pipeline.Executor == "nats" && c.Progress.Backend != "nats" {
		return fmt.Errorf("the nats executor needs the nats progress backend")
	}
	if math.IsNaN(c.Matching.Threshold) || c.Matching.Threshold < 0 || c.Matching.Threshold > 1 {
		return fmt.Errorf("matching threshold %v out of [0, 1]", c.Matching.Threshold)
	}
	if c.Pipeline.SoftLimit >= c.Pipeline.HardLimit {
		return fmt.Errorf("pipeline soft limit %s must be below hard limit %s", c.Pipeline.SoftLimit, c.Pipeline.HardLimit)
	}
	return nil
}

// thresholdUnset marks a threshold that neither the file nor the environment
// set, so an explicit 0 survives defaulting.
var thresholdUnset = math.NaN()

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 8082
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "grapic.db"
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "grapic"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "minio"
	}
	if cfg.Storage.LocalDir == "" {
		cfg.Storage.LocalDir = "data/images"
	}
	if cfg.Vision.ModelsDir == "" {
		cfg.Vision.ModelsDir = "models"
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Vision.MinFaceSize == 0 {
		cfg.Vision.MinFaceSize = 20
	}
	if cfg.Vision.Sessions == 0 {
		cfg.Vision.Sessions = 4
	}
	if cfg.Embeddings.Backend == "" {
		// Graphs live in one process; with remote workers the index has to be
		// the database's.
		cfg.Embeddings.Backend = "hnsw"
		if cfg.Pipeline.Executor == "nats" && cfg.Database.Driver == "postgres" {
			cfg.Embeddings.Backend = "pgvector"
		}
	}
	if cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 512
	}
	if cfg.Embeddings.HNSW.M == 0 {
		cfg.Embeddings.HNSW.M = 16
	}
	if cfg.Embeddings.HNSW.EfSearch == 0 {
		cfg.Embeddings.HNSW.EfSearch = 100
	}
	if cfg.Embeddings.HNSW.Overfetch == 0 {
		cfg.Embeddings.HNSW.Overfetch = 3
	}
	if math.IsNaN(cfg.Matching.Threshold) {
		cfg.Matching.Threshold = 0.40
	}
	if cfg.Matching.Limit == 0 {
		cfg.Matching.Limit = 1000
	}
	if cfg.Matching.SLA == 0 {
		cfg.Matching.SLA = 3 * time.Second
	}
	if cfg.Pipeline.Executor == "" {
		cfg.Pipeline.Executor = "local"
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = 256
	}
	if cfg.Pipeline.MaxAttempts == 0 {
		cfg.Pipeline.MaxAttempts = 3
	}
	if len(cfg.Pipeline.RetryDelays) == 0 {
		cfg.Pipeline.RetryDelays = []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour}
	}
	if cfg.Pipeline.SweepInterval == 0 {
		cfg.Pipeline.SweepInterval = time.Minute
	}
	if cfg.Pipeline.SoftLimit == 0 {
		cfg.Pipeline.SoftLimit = 240 * time.Second
	}
	if cfg.Pipeline.HardLimit == 0 {
		cfg.Pipeline.HardLimit = 300 * time.Second
	}
	if cfg.Pipeline.StaleAfter == 0 {
		cfg.Pipeline.StaleAfter = 2 * cfg.Pipeline.HardLimit
	}
	if cfg.Pipeline.MaxJobsPerWorker == 0 {
		cfg.Pipeline.MaxJobsPerWorker = 100
	}
	if cfg.Pipeline.CleanupInterval == 0 {
		cfg.Pipeline.CleanupInterval = time.Hour
	}
	if cfg.Upload.MaxMB == 0 {
		cfg.Upload.MaxMB = 20
	}
	if cfg.Upload.MaxBatchMB == 0 {
		cfg.Upload.MaxBatchMB = 500
	}
	if len(cfg.Upload.AllowedExtensions) == 0 {
		cfg.Upload.AllowedExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}
	}
	if cfg.Upload.MaxDimension == 0 {
		cfg.Upload.MaxDimension = 2048
	}
	if cfg.Upload.JPEGQuality == 0 {
		cfg.Upload.JPEGQuality = 85
	}
	if cfg.Upload.ThumbnailSize == 0 {
		cfg.Upload.ThumbnailSize = 400
	}
	if cfg.Upload.FreeTierLimit == 0 {
		cfg.Upload.FreeTierLimit = 500
	}
	if cfg.Progress.Backend == "" {
		cfg.Progress.Backend = "memory"
		if cfg.Pipeline.Executor == "nats" {
			cfg.Progress.Backend = "nats"
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	envInt("GRAPIC_SERVER_PORT", &cfg.Server.Port)
	envInt("GRAPIC_METRICS_PORT", &cfg.Server.MetricsPort)
	envString("GRAPIC_API_KEY", &cfg.Server.APIKey)
	if v := os.Getenv("GRAPIC_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = strings.Split(v, ",")
	}

	envString("GRAPIC_DB_DRIVER", &cfg.Database.Driver)
	envString("GRAPIC_DB_HOST", &cfg.Database.Host)
	envInt("GRAPIC_DB_PORT", &cfg.Database.Port)
	envString("GRAPIC_DB_NAME", &cfg.Database.Name)
	envString("GRAPIC_DB_USER", &cfg.Database.User)
	envString("GRAPIC_DB_PASSWORD", &cfg.Database.Password)
	envString("GRAPIC_DB_PATH", &cfg.Database.Path)

	envString("GRAPIC_NATS_URL", &cfg.NATS.URL)

	envString("GRAPIC_MINIO_ENDPOINT", &cfg.MinIO.Endpoint)
	envString("GRAPIC_MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey)
	envString("GRAPIC_MINIO_SECRET_KEY", &cfg.MinIO.SecretKey)
	envString("GRAPIC_MINIO_BUCKET", &cfg.MinIO.Bucket)
	if v := os.Getenv("GRAPIC_MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinIO.UseSSL = b
		}
	}

	envString("GRAPIC_STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("GRAPIC_STORAGE_DIR", &cfg.Storage.LocalDir)

	envString("GRAPIC_MODELS_DIR", &cfg.Vision.ModelsDir)
	envString("GRAPIC_ONNX_LIB", &cfg.Vision.LibPath)
	envInt("GRAPIC_VISION_SESSIONS", &cfg.Vision.Sessions)

	envString("GRAPIC_EMBEDDINGS_BACKEND", &cfg.Embeddings.Backend)
	if v := os.Getenv("GRAPIC_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Matching.Threshold = f
		}
	}

	envString("GRAPIC_PIPELINE_EXECUTOR", &cfg.Pipeline.Executor)
	envInt("GRAPIC_PIPELINE_WORKERS", &cfg.Pipeline.Workers)
	envInt("GRAPIC_MAX_JOBS_PER_WORKER", &cfg.Pipeline.MaxJobsPerWorker)
	envInt("GRAPIC_FREE_TIER_LIMIT", &cfg.Upload.FreeTierLimit)
	envInt("GRAPIC_MAX_BATCH_MB", &cfg.Upload.MaxBatchMB)

	envString("GRAPIC_PROGRESS_BACKEND", &cfg.Progress.Backend)
	envString("GRAPIC_LOG_LEVEL", &cfg.Logging.Level)
	envString("GRAPIC_LOG_FORMAT", &cfg.Logging.Format)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
