package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var settingsKeys = []string{
	"FLAGKIT_BASE_URL", "FLAGKIT_CLIENT_ID", "FLAGKIT_CLIENT_SECRET", "FLAGKIT_ENVIRONMENT",
	"FLAGKIT_POLLING_INTERVAL", "FLAGKIT_LOG_BATCH_SIZE", "FLAGKIT_LOG_UPLOAD_INTERVAL",
	"FLAGKIT_TIMEOUT", "FLAGKIT_MAX_RETRIES", "FLAGKIT_RETRY_BACKOFF", "FLAGKIT_OFFLINE",
	"FLAGKIT_DEBUG", "FLAGKIT_ENABLE_TELEMETRY", "FLAGKIT_QUEUE_CAPACITY",
	"FLAGKIT_SHUTDOWN_TIMEOUT", "FLAGKIT_BOOTSTRAP_FILE", "FLAGKIT_HEADERS", "LOG_LEVEL",
	"HTTP_ADDR", "DATABASE_URL", "FLAGKIT_SIDECAR_TOKEN_HASH", "AUTH_RATE_LIMIT", "MAX_JSON_BODY_SIZE",
}

// clearEnv unsets every settings variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range settingsKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func setCredentials(t *testing.T) {
	t.Helper()
	t.Setenv("FLAGKIT_CLIENT_ID", "client-1")
	t.Setenv("FLAGKIT_CLIENT_SECRET", "a-very-long-secret-of-at-least-32-chars")
}

func TestLoad_RequiresCredentials(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when FLAGKIT_CLIENT_ID is missing")
	}

	t.Setenv("FLAGKIT_CLIENT_ID", "client-1")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when FLAGKIT_CLIENT_SECRET is missing")
	}
}

func TestLoad_OfflineSkipsCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLAGKIT_OFFLINE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Offline {
		t.Fatal("Offline = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setCredentials(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BaseURL != "https://api.featureflagshq.com" {
		t.Errorf("BaseURL = %q, want default", cfg.BaseURL)
	}
	if cfg.Environment != "production" {
		t.Errorf("Environment = %q, want production", cfg.Environment)
	}
	if cfg.PollingInterval != 5*time.Minute {
		t.Errorf("PollingInterval = %v, want 5m", cfg.PollingInterval)
	}
	if cfg.LogUploadInterval != 2*time.Minute {
		t.Errorf("LogUploadInterval = %v, want 2m", cfg.LogUploadInterval)
	}
	if cfg.LogBatchSize != 100 {
		t.Errorf("LogBatchSize = %d, want 100", cfg.LogBatchSize)
	}
	if cfg.Timeout != 30*time.Second || cfg.MaxRetries != 3 || cfg.RetryBackoff != 300*time.Millisecond {
		t.Errorf("transport defaults = %v/%d/%v", cfg.Timeout, cfg.MaxRetries, cfg.RetryBackoff)
	}
	if !cfg.EnableTelemetry {
		t.Error("telemetry should default to enabled")
	}
	if cfg.QueueCapacity != 10000 {
		t.Errorf("QueueCapacity = %d, want 10000", cfg.QueueCapacity)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.AuthRateLimit != 10 {
		t.Errorf("AuthRateLimit = %d, want 10", cfg.AuthRateLimit)
	}
	if cfg.MaxJSONBodySize != 1<<20 {
		t.Errorf("MaxJSONBodySize = %d, want %d", cfg.MaxJSONBodySize, 1<<20)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	setCredentials(t)
	t.Setenv("FLAGKIT_BASE_URL", "https://flags.internal/ ")
	t.Setenv("FLAGKIT_POLLING_INTERVAL", "45s")
	t.Setenv("FLAGKIT_HEADERS", "X-Team:growth,X-Region:eu")
	t.Setenv("FLAGKIT_DEBUG", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BaseURL != "https://flags.internal" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", cfg.BaseURL)
	}
	if cfg.PollingInterval != 45*time.Second {
		t.Errorf("PollingInterval = %v, want 45s", cfg.PollingInterval)
	}
	if cfg.Headers["X-Team"] != "growth" || cfg.Headers["X-Region"] != "eu" {
		t.Errorf("Headers = %v", cfg.Headers)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"FLAGKIT_POLLING_INTERVAL", "10s"},
		{"FLAGKIT_POLLING_INTERVAL", "not-a-duration"},
		{"FLAGKIT_LOG_BATCH_SIZE", "0"},
		{"FLAGKIT_LOG_UPLOAD_INTERVAL", "-1s"},
		{"FLAGKIT_TIMEOUT", "0s"},
		{"FLAGKIT_MAX_RETRIES", "-1"},
		{"FLAGKIT_QUEUE_CAPACITY", "0"},
		{"AUTH_RATE_LIMIT", "0"},
		{"MAX_JSON_BODY_SIZE", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			setCredentials(t)
			t.Setenv(tt.key, tt.value)

			if _, err := Load(); err == nil {
				t.Fatalf("Load() should fail for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "flagkit.env")
	content := "FLAGKIT_CLIENT_ID=from-file\nFLAGKIT_CLIENT_SECRET=file-secret\nFLAGKIT_ENVIRONMENT=staging\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("FLAGKIT_ENVIRONMENT", "from-process")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ClientID != "from-file" {
		t.Errorf("ClientID = %q, want from-file", cfg.ClientID)
	}
	if cfg.Environment != "from-process" {
		t.Errorf("Environment = %q, process environment should win", cfg.Environment)
	}
}

func TestLoad_MissingEnvFile(t *testing.T) {
	clearEnv(t)
	setCredentials(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("Load() should fail for an explicit env file that does not exist")
	}
}
