// Package config provides unified configuration for keyfill workers and
// tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for a keyfill deployment.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Database configuration
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Jobs configuration
	Jobs JobsConfig `json:"jobs" yaml:"jobs"`

	// Populate defaults for runs that do not override them
	Populate PopulateConfig `json:"populate" yaml:"populate"`

	// Blob storage configuration
	Blob BlobConfig `json:"blob" yaml:"blob"`
}

// DatabaseConfig holds backing store configuration.
type DatabaseConfig struct {
	// Path is the backing store path; empty resolves under DataDir
	Path string `json:"path" yaml:"path"`

	// Reconnect controls transparent reconnection after dropped connections
	Reconnect bool `json:"reconnect" yaml:"reconnect"`
}

// JobsConfig holds job reservation store configuration.
type JobsConfig struct {
	// Table is the job table name
	Table string `json:"table" yaml:"table"`
}

// PopulateConfig holds population run defaults.
type PopulateConfig struct {
	// Order is the default key processing order: original, reverse, random
	Order string `json:"order" yaml:"order"`

	// SuppressErrors accumulates failures instead of aborting runs
	SuppressErrors bool `json:"suppress_errors" yaml:"suppress_errors"`

	// ReserveJobs coordinates workers through the job store
	ReserveJobs bool `json:"reserve_jobs" yaml:"reserve_jobs"`

	// Limit caps keys per run; 0 means unlimited
	Limit int `json:"limit" yaml:"limit"`
}

// BlobConfig holds external blob storage configuration.
type BlobConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is the object key prefix
	Prefix string `json:"prefix" yaml:"prefix"`

	// ThresholdBytes is the minimum blob size to externalize
	ThresholdBytes int `json:"threshold_bytes" yaml:"threshold_bytes"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/keyfill",
		Database: DatabaseConfig{
			Reconnect: true,
		},
		Jobs: JobsConfig{
			Table: "_keyfill_jobs",
		},
		Populate: PopulateConfig{
			Order: "original",
		},
		Blob: BlobConfig{
			Type:           "local",
			Prefix:         "blobs",
			ThresholdBytes: 32 * 1024,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/keyfill"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "keyfill.db")
	}
	if c.Blob.Path == "" {
		c.Blob.Path = filepath.Join(c.DataDir, "blobs")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Populate.Order {
	case "original", "reverse", "random":
	default:
		return fmt.Errorf("invalid populate order: %s (must be original, reverse, or random)", c.Populate.Order)
	}

	if c.Populate.Limit < 0 {
		return fmt.Errorf("populate.limit must not be negative, got %d", c.Populate.Limit)
	}

	if c.Blob.Type != "local" && c.Blob.Type != "s3" {
		return fmt.Errorf("invalid blob storage type: %s (must be local or s3)", c.Blob.Type)
	}

	if c.Blob.Type == "s3" && c.Blob.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when blob storage type is s3")
	}

	if c.Blob.ThresholdBytes < 0 {
		return fmt.Errorf("blob.threshold_bytes must not be negative, got %d", c.Blob.ThresholdBytes)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the KEYFILL_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("KEYFILL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KEYFILL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("KEYFILL_DATABASE_RECONNECT"); v != "" {
		cfg.Database.Reconnect = v == "true" || v == "1"
	}
	if v := os.Getenv("KEYFILL_JOBS_TABLE"); v != "" {
		cfg.Jobs.Table = v
	}

	if v := os.Getenv("KEYFILL_POPULATE_ORDER"); v != "" {
		cfg.Populate.Order = v
	}
	if v := os.Getenv("KEYFILL_POPULATE_SUPPRESS_ERRORS"); v != "" {
		cfg.Populate.SuppressErrors = v == "true" || v == "1"
	}
	if v := os.Getenv("KEYFILL_POPULATE_RESERVE_JOBS"); v != "" {
		cfg.Populate.ReserveJobs = v == "true" || v == "1"
	}
	if v := os.Getenv("KEYFILL_POPULATE_LIMIT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Populate.Limit)
	}

	if v := os.Getenv("KEYFILL_BLOB_TYPE"); v != "" {
		cfg.Blob.Type = v
	}
	if v := os.Getenv("KEYFILL_BLOB_PATH"); v != "" {
		cfg.Blob.Path = v
	}
	if v := os.Getenv("KEYFILL_BLOB_THRESHOLD_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Blob.ThresholdBytes)
	}
	if v := os.Getenv("KEYFILL_S3_BUCKET"); v != "" {
		cfg.Blob.S3.Bucket = v
	}
	if v := os.Getenv("KEYFILL_S3_REGION"); v != "" {
		cfg.Blob.S3.Region = v
	}
	if v := os.Getenv("KEYFILL_S3_ENDPOINT"); v != "" {
		cfg.Blob.S3.Endpoint = v
	}
}

// Load loads configuration with file and environment layering: defaults,
// then the optional file, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
