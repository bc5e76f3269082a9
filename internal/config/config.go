// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrBucketRequired is returned when STORAGE_BUCKET is cleared while
	// cloud backends are enabled.
	ErrBucketRequired = errors.New("config: STORAGE_BUCKET is required when USE_REAL_CLOUD is set")
	// ErrJobTableRequired is returned when JOB_TABLE_NAME is cleared while
	// cloud backends are enabled.
	ErrJobTableRequired = errors.New("config: JOB_TABLE_NAME is required when USE_REAL_CLOUD is set")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Cloud backend toggle. When false the API runs entirely on in-memory
	// backends, for local development and CI.
	UseRealCloud bool `env:"USE_REAL_CLOUD, default=false" json:"use_real_cloud"`

	// Object storage settings
	StorageBucket   string `env:"STORAGE_BUCKET, default=audio-conversion-bucket" json:"storage_bucket"`
	StorageRegion   string `env:"STORAGE_REGION, default=us-east-1" json:"storage_region"`
	StorageEndpoint string `env:"STORAGE_ENDPOINT" json:"storage_endpoint,omitempty"` // Custom endpoint for S3-compatible stores

	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Job store settings
	JobTable string `env:"JOB_TABLE_NAME, default=audio-conversion-jobs" json:"job_table"`

	// Progress primary tier settings
	ProgressPrimaryHost     string `env:"PROGRESS_PRIMARY_HOST, default=localhost" json:"progress_primary_host"`
	ProgressPrimaryPort     int    `env:"PROGRESS_PRIMARY_PORT, default=6379" json:"progress_primary_port"`
	ProgressPrimaryPassword string `env:"PROGRESS_PRIMARY_PASSWORD" json:"-"` // Masked in JSON
	ProgressPrimaryTLS      bool   `env:"PROGRESS_PRIMARY_TLS, default=false" json:"progress_primary_tls"`

	// Transcoder settings
	TranscoderPath string `env:"TRANSCODER_PATH, default=ffmpeg" json:"transcoder_path"`
	TempDir        string `env:"TEMP_DIR, default=/tmp/convert-api" json:"temp_dir"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.UseRealCloud {
		if c.StorageBucket == "" {
			return ErrBucketRequired
		}
		if c.JobTable == "" {
			return ErrJobTableRequired
		}
	}
	return nil
}

// ProgressPrimaryAddr returns the host:port address of the progress primary.
func (c *Config) ProgressPrimaryAddr() string {
	return fmt.Sprintf("%s:%d", c.ProgressPrimaryHost, c.ProgressPrimaryPort)
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, UseRealCloud: %t, StorageBucket: %s, StorageRegion: %s, StorageEndpoint: %s, JobTable: %s, ProgressPrimary: %s, TranscoderPath: %s, TempDir: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.UseRealCloud,
		c.StorageBucket,
		c.StorageRegion,
		c.StorageEndpoint,
		c.JobTable,
		c.ProgressPrimaryAddr(),
		c.TranscoderPath,
		c.TempDir,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
