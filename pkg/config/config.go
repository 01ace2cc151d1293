package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration. The key set is closed: unknown
// YAML keys are rejected so typos fail at startup instead of silently
// falling back to defaults.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Blob     BlobConfig     `yaml:"blob"`
	Vector   VectorConfig   `yaml:"vector"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Auth     AuthConfig     `yaml:"auth"`
	Quota    QuotaConfig    `yaml:"quota"`
	Redis    RedisConfig    `yaml:"redis"`
	LogLevel string         `yaml:"log_level"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// CatalogConfig selects the metadata store. An empty DSN means in-memory,
// a path or file: DSN means SQLite, a postgres:// DSN means Postgres.
type CatalogConfig struct {
	DSN string `yaml:"dsn"`
}

// BlobConfig selects the object store. Backend is one of "memory", "fs",
// "s3", "gcs"; the credential fields only apply to s3.
type BlobConfig struct {
	Backend   string `yaml:"backend"`
	Root      string `yaml:"root"`   // fs backend
	Bucket    string `yaml:"bucket"` // s3 backend
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	GCSBucket string `yaml:"gcs_bucket"`
}

// VectorConfig points at the embedding provider and vector store. An empty
// endpoint selects the deterministic local embedder.
type VectorConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Dims     int    `yaml:"dims"`
	// PgDSN enables the pgvector store; empty keeps vectors in memory.
	PgDSN string `yaml:"pg_dsn"`
}

type PipelineConfig struct {
	Workers             int            `yaml:"workers"`
	StageTimeoutSeconds int            `yaml:"stage_timeout_seconds"`
	Indexing            IndexingConfig `yaml:"indexing"`
}

type IndexingConfig struct {
	FailureRatioThreshold float64 `yaml:"failure_ratio_threshold"`
	Concurrency           int     `yaml:"concurrency"`
}

type IngestConfig struct {
	ConcurrencyPerSource int `yaml:"concurrency_per_source"`
}

type AuthConfig struct {
	// PublicKeyPEM verifies RS256 bearer tokens. Empty disables auth
	// (requests are rejected fail-closed by the API layer).
	PublicKeyPEM string `yaml:"public_key_pem"`
}

// RedisConfig enables the shared idempotency cache. An empty Addr keeps the
// cache local to the process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QuotaConfig caps monthly usage per workspace. Zero means unlimited.
type QuotaConfig struct {
	IngestBytes    int64 `yaml:"ingest_bytes"`
	PipelineRuns   int64 `yaml:"pipeline_runs"`
	EmbeddedChunks int64 `yaml:"embedded_chunks"`
}

// Default returns the configuration used when no file or env overrides are
// present: in-memory stores, local embedder, single-node defaults.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080"},
		Blob:     BlobConfig{Backend: "memory"},
		Vector:   VectorConfig{Dims: 256},
		LogLevel: "INFO",
		Pipeline: PipelineConfig{
			Workers:             runtime.NumCPU(),
			StageTimeoutSeconds: 3600,
			Indexing: IndexingConfig{
				FailureRatioThreshold: 0.05,
				Concurrency:           8,
			},
		},
		Ingest: IngestConfig{ConcurrencyPerSource: 8},
	}
}

// Load reads the optional YAML file at path, then applies environment
// overrides on top. A missing file is not an error; a malformed or
// unknown-key file is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&c.Server.Port, "PORT")
	setStr(&c.LogLevel, "LOG_LEVEL")
	setStr(&c.Catalog.DSN, "CATALOG_DSN")
	setStr(&c.Blob.Backend, "BLOB_BACKEND")
	setStr(&c.Blob.Root, "BLOB_ROOT")
	setStr(&c.Blob.Bucket, "BLOB_BUCKET")
	setStr(&c.Blob.Endpoint, "BLOB_ENDPOINT")
	setStr(&c.Blob.Region, "BLOB_REGION")
	setStr(&c.Blob.AccessKey, "BLOB_ACCESS_KEY")
	setStr(&c.Blob.SecretKey, "BLOB_SECRET_KEY")
	setStr(&c.Blob.GCSBucket, "BLOB_GCS_BUCKET")
	setStr(&c.Vector.Endpoint, "VECTOR_ENDPOINT")
	setStr(&c.Vector.APIKey, "VECTOR_API_KEY")
	setStr(&c.Vector.Model, "VECTOR_MODEL")
	setStr(&c.Vector.PgDSN, "VECTOR_PG_DSN")
	setStr(&c.Auth.PublicKeyPEM, "AUTH_PUBLIC_KEY_PEM")
	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")

	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt(&c.Pipeline.Workers, "PIPELINE_WORKERS")
	setInt(&c.Pipeline.StageTimeoutSeconds, "PIPELINE_STAGE_TIMEOUT_SECONDS")
	setInt(&c.Pipeline.Indexing.Concurrency, "PIPELINE_INDEXING_CONCURRENCY")
	setInt(&c.Ingest.ConcurrencyPerSource, "INGEST_CONCURRENCY_PER_SOURCE")
	setInt(&c.Vector.Dims, "VECTOR_DIMS")

	if v := os.Getenv("PIPELINE_INDEXING_FAILURE_RATIO_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Pipeline.Indexing.FailureRatioThreshold = f
		}
	}
}

// Validate rejects configurations that would misbehave at runtime rather
// than fail fast.
func (c *Config) Validate() error {
	switch c.Blob.Backend {
	case "memory", "fs", "s3", "gcs":
	default:
		return fmt.Errorf("config: unknown blob backend %q", c.Blob.Backend)
	}
	if c.Blob.Backend == "fs" && c.Blob.Root == "" {
		return fmt.Errorf("config: blob backend fs requires root")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("config: pipeline.workers must be >= 1")
	}
	if c.Pipeline.StageTimeoutSeconds < 1 {
		return fmt.Errorf("config: pipeline.stage_timeout_seconds must be >= 1")
	}
	t := c.Pipeline.Indexing.FailureRatioThreshold
	if t < 0 || t > 1 {
		return fmt.Errorf("config: pipeline.indexing.failure_ratio_threshold must be in [0,1]")
	}
	if c.Ingest.ConcurrencyPerSource < 1 {
		return fmt.Errorf("config: ingest.concurrency_per_source must be >= 1")
	}
	if c.Vector.Dims < 1 {
		return fmt.Errorf("config: vector.dims must be >= 1")
	}
	return nil
}
