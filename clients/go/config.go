package flagkit

import (
	"fmt"
	"strings"
	"time"

	"github.com/matt-riley/flagkit/internal/config"
	"github.com/matt-riley/flagkit/internal/ratelimit"
	"github.com/matt-riley/flagkit/internal/syncer"
	"github.com/matt-riley/flagkit/internal/telemetry"
	"github.com/matt-riley/flagkit/internal/transport"
	"github.com/matt-riley/flagkit/internal/validation"
)

const (
	DefaultBaseURL         = "https://api.featureflagshq.com"
	DefaultEnvironment     = "production"
	DefaultQueueCapacity   = 10000
	DefaultShutdownTimeout = 10 * time.Second
	MinPollingInterval     = syncer.MinInterval

	minRecommendedTimeout = 5 * time.Second
	maxRecommendedRetries = 10
	minSecretLength       = 32
)

// FlagChange describes one flag whose value changed during a sync.
type FlagChange struct {
	Name     string
	OldValue string
	NewValue string
	// Added is set when the flag was not cached before.
	Added bool
}

// Config is the client constructor surface. Zero values take the defaults
// documented on each field.
type Config struct {
	// BaseURL is the flag service root (http or https). Default DefaultBaseURL.
	BaseURL      string
	ClientID     string
	ClientSecret string
	// Environment is sent as X-Environment. Default "production".
	Environment string

	// PollingInterval is the background sync period, at least 30s. Default 5m.
	PollingInterval time.Duration
	// LogBatchSize caps access logs per upload. Default 100.
	LogBatchSize int
	// LogUploadInterval is the telemetry upload period. Default 2m.
	LogUploadInterval time.Duration
	// QueueCapacity bounds pending access logs; the oldest are dropped when
	// full. Default 10000.
	QueueCapacity int

	// Timeout bounds each HTTP attempt. Default 30s.
	Timeout time.Duration
	// MaxRetries is the number of retries after a failed attempt. Default 3;
	// use a negative value to disable retries.
	MaxRetries int
	// RetryBackoff is the initial retry interval. Default 300ms.
	RetryBackoff time.Duration
	// RequestsPerSecond paces outbound requests; zero disables pacing.
	RequestsPerSecond float64

	// RateLimit is the number of evaluations allowed per user per minute.
	// Default 1000.
	RateLimit int

	// Offline disables all network activity. Flags come only from the
	// bootstrap source.
	Offline bool
	// DisableTelemetry stops access-log collection and upload.
	DisableTelemetry bool
	// Debug lowers the default logger to debug level.
	Debug bool

	// Headers are sent on every request; signing headers take precedence.
	Headers map[string]string
	// OnFlagChange is called once per changed flag after each sync.
	OnFlagChange func(FlagChange)

	// BootstrapFile is a YAML or JSON flag file loaded before the first fetch.
	BootstrapFile string
	// ShutdownTimeout bounds the wait for background workers and the final
	// flush in Close. Default 10s.
	ShutdownTimeout time.Duration
}

// ConfigFromEnv loads Config from FLAGKIT_* environment variables and an
// optional .env file.
func ConfigFromEnv() (Config, error) {
	settings, err := config.Load()
	if err != nil {
		return Config{}, &ConfigError{Message: err.Error(), Err: err}
	}
	return ConfigFromSettings(settings), nil
}

// ConfigFromSettings maps environment settings onto a client Config.
func ConfigFromSettings(s config.Settings) Config {
	return Config{
		BaseURL:           s.BaseURL,
		ClientID:          s.ClientID,
		ClientSecret:      s.ClientSecret,
		Environment:       s.Environment,
		PollingInterval:   s.PollingInterval,
		LogBatchSize:      s.LogBatchSize,
		LogUploadInterval: s.LogUploadInterval,
		QueueCapacity:     s.QueueCapacity,
		Timeout:           s.Timeout,
		MaxRetries:        retriesFromSettings(s.MaxRetries),
		RetryBackoff:      s.RetryBackoff,
		Offline:           s.Offline,
		DisableTelemetry:  !s.EnableTelemetry,
		Debug:             s.Debug,
		Headers:           s.Headers,
		BootstrapFile:     s.BootstrapFile,
		ShutdownTimeout:   s.ShutdownTimeout,
	}
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()

	if !c.Offline {
		if strings.TrimSpace(c.ClientID) == "" || strings.TrimSpace(c.ClientSecret) == "" {
			return &ConfigError{Field: "credentials", Message: "client id and client secret are required"}
		}
	}
	if _, err := validation.BaseURL(c.BaseURL); err != nil {
		return &ConfigError{Field: "base_url", Message: validationError(err).Reason, Err: err}
	}
	if c.PollingInterval < MinPollingInterval {
		return &ConfigError{Field: "polling_interval", Message: fmt.Sprintf("must be at least %s", MinPollingInterval)}
	}
	if c.LogBatchSize < 0 {
		return &ConfigError{Field: "log_batch_size", Message: "must be > 0"}
	}
	if c.RequestsPerSecond < 0 {
		return &ConfigError{Field: "requests_per_second", Message: "must be >= 0"}
	}
	return nil
}

// Warnings lists settings that are valid but risky in production.
func (c Config) Warnings() []string {
	c = c.withDefaults()

	var warnings []string
	if c.Debug {
		warnings = append(warnings, "debug mode is enabled")
	}
	if strings.HasPrefix(strings.ToLower(c.BaseURL), "http://") && !validation.IsLoopback(c.BaseURL) {
		warnings = append(warnings, "base URL uses http instead of https")
	}
	if c.Timeout < minRecommendedTimeout {
		warnings = append(warnings, "timeout is below 5s")
	}
	if c.MaxRetries > maxRecommendedRetries {
		warnings = append(warnings, "max retries is above 10")
	}
	if !c.Offline && len(c.ClientSecret) < minSecretLength {
		warnings = append(warnings, "client secret is shorter than 32 characters")
	}
	return warnings
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = DefaultEnvironment
	}
	if c.PollingInterval == 0 {
		c.PollingInterval = syncer.DefaultInterval
	}
	if c.LogBatchSize == 0 {
		c.LogBatchSize = telemetry.DefaultBatchSize
	}
	if c.LogUploadInterval <= 0 {
		c.LogUploadInterval = telemetry.DefaultInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.Timeout <= 0 {
		c.Timeout = transport.DefaultTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = transport.DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = transport.DefaultBackoff
	}
	if c.RateLimit <= 0 {
		c.RateLimit = ratelimit.DefaultLimit
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// retriesFromSettings keeps an explicit zero from the environment meaning
// "no retries" rather than "default".
func retriesFromSettings(n int) int {
	if n == 0 {
		return -1
	}
	return n
}
