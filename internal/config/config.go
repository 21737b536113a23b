// Package config loads flagkit settings from environment variables.
//
// An optional .env file in the working directory is read first; variables
// already present in the process environment take precedence over it.
//
// Credentials (required unless FLAGKIT_OFFLINE is true):
//   - FLAGKIT_CLIENT_ID, FLAGKIT_CLIENT_SECRET
//
// Client settings:
//   - FLAGKIT_BASE_URL (default "https://api.featureflagshq.com")
//   - FLAGKIT_ENVIRONMENT (default "production")
//   - FLAGKIT_POLLING_INTERVAL (default "5m", must be >= 30s)
//   - FLAGKIT_LOG_BATCH_SIZE (default 100), FLAGKIT_LOG_UPLOAD_INTERVAL (default "2m")
//   - FLAGKIT_TIMEOUT (default "30s"), FLAGKIT_MAX_RETRIES (default 3),
//     FLAGKIT_RETRY_BACKOFF (default "300ms")
//   - FLAGKIT_OFFLINE, FLAGKIT_DEBUG, FLAGKIT_ENABLE_TELEMETRY (default true)
//   - FLAGKIT_QUEUE_CAPACITY (default 10000), FLAGKIT_SHUTDOWN_TIMEOUT (default "10s")
//   - FLAGKIT_BOOTSTRAP_FILE: YAML or JSON flag file loaded before the first fetch.
//   - FLAGKIT_HEADERS: extra request headers as "Name:value,Other:value".
//
// Sidecar settings:
//   - HTTP_ADDR (default ":8080"), LOG_LEVEL (default "info")
//   - DATABASE_URL: enables the PostgreSQL flag snapshot store.
//   - FLAGKIT_SIDECAR_TOKEN_HASH: bcrypt hash of the sidecar bearer token.
//   - AUTH_RATE_LIMIT (default 10): failed sidecar auth attempts per minute per IP.
//   - MAX_JSON_BODY_SIZE (default 1048576): max request body size in bytes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const minPollingInterval = 30 * time.Second

// Settings holds the flagkit configuration read from the environment.
type Settings struct {
	BaseURL           string            `env:"FLAGKIT_BASE_URL" envDefault:"https://api.featureflagshq.com"`
	ClientID          string            `env:"FLAGKIT_CLIENT_ID"`
	ClientSecret      string            `env:"FLAGKIT_CLIENT_SECRET"`
	Environment       string            `env:"FLAGKIT_ENVIRONMENT" envDefault:"production"`
	PollingInterval   time.Duration     `env:"FLAGKIT_POLLING_INTERVAL" envDefault:"5m"`
	LogBatchSize      int               `env:"FLAGKIT_LOG_BATCH_SIZE" envDefault:"100"`
	LogUploadInterval time.Duration     `env:"FLAGKIT_LOG_UPLOAD_INTERVAL" envDefault:"2m"`
	Timeout           time.Duration     `env:"FLAGKIT_TIMEOUT" envDefault:"30s"`
	MaxRetries        int               `env:"FLAGKIT_MAX_RETRIES" envDefault:"3"`
	RetryBackoff      time.Duration     `env:"FLAGKIT_RETRY_BACKOFF" envDefault:"300ms"`
	Offline           bool              `env:"FLAGKIT_OFFLINE"`
	Debug             bool              `env:"FLAGKIT_DEBUG"`
	EnableTelemetry   bool              `env:"FLAGKIT_ENABLE_TELEMETRY" envDefault:"true"`
	QueueCapacity     int               `env:"FLAGKIT_QUEUE_CAPACITY" envDefault:"10000"`
	ShutdownTimeout   time.Duration     `env:"FLAGKIT_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	BootstrapFile     string            `env:"FLAGKIT_BOOTSTRAP_FILE"`
	Headers           map[string]string `env:"FLAGKIT_HEADERS"`

	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr         string `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL      string `env:"DATABASE_URL"`
	SidecarTokenHash string `env:"FLAGKIT_SIDECAR_TOKEN_HASH"`
	AuthRateLimit    int    `env:"AUTH_RATE_LIMIT" envDefault:"10"`
	MaxJSONBodySize  int64  `env:"MAX_JSON_BODY_SIZE" envDefault:"1048576"`
}

// Load reads an optional .env file (or the given files, which must exist)
// and parses the environment into Settings. It returns an error if required
// variables are missing or if values fail validation.
func Load(files ...string) (Settings, error) {
	if err := LoadDotenv(files...); err != nil {
		return Settings{}, err
	}

	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse environment: %w", err)
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the settings that do not depend on the network.
func (s Settings) Validate() error {
	if !s.Offline {
		if s.ClientID == "" {
			return errors.New("FLAGKIT_CLIENT_ID is required")
		}
		if s.ClientSecret == "" {
			return errors.New("FLAGKIT_CLIENT_SECRET is required")
		}
	}
	if s.PollingInterval < minPollingInterval {
		return fmt.Errorf("FLAGKIT_POLLING_INTERVAL must be >= %s", minPollingInterval)
	}
	if s.LogBatchSize <= 0 {
		return errors.New("FLAGKIT_LOG_BATCH_SIZE must be > 0")
	}
	if s.LogUploadInterval <= 0 {
		return errors.New("FLAGKIT_LOG_UPLOAD_INTERVAL must be > 0")
	}
	if s.Timeout <= 0 {
		return errors.New("FLAGKIT_TIMEOUT must be > 0")
	}
	if s.MaxRetries < 0 {
		return errors.New("FLAGKIT_MAX_RETRIES must be >= 0")
	}
	if s.QueueCapacity <= 0 {
		return errors.New("FLAGKIT_QUEUE_CAPACITY must be > 0")
	}
	if s.ShutdownTimeout <= 0 {
		return errors.New("FLAGKIT_SHUTDOWN_TIMEOUT must be > 0")
	}
	if s.AuthRateLimit <= 0 {
		return errors.New("AUTH_RATE_LIMIT must be > 0")
	}
	if s.MaxJSONBodySize <= 0 {
		return errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
	}
	return nil
}

func (s *Settings) normalize() {
	s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	s.ClientID = strings.TrimSpace(s.ClientID)
	s.ClientSecret = strings.TrimSpace(s.ClientSecret)
	s.Environment = strings.TrimSpace(s.Environment)
	s.DatabaseURL = strings.TrimSpace(s.DatabaseURL)
	s.SidecarTokenHash = strings.TrimSpace(s.SidecarTokenHash)
}

// LoadDotenv reads the given env files, which must exist, or the optional
// .env file in the working directory when none are given.
func LoadDotenv(files ...string) error {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	// The default .env file is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
