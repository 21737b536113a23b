package flagkit

import (
	"os"
	"runtime"
	"time"

	"github.com/matt-riley/flagkit/internal/breaker"
	"github.com/matt-riley/flagkit/internal/stats"
	"github.com/matt-riley/flagkit/internal/telemetry"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// SystemInfo describes the host process. It is sent with every log upload.
type SystemInfo struct {
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
	CPUCount   int    `json:"cpu_count"`
	Hostname   string `json:"hostname"`
	ProcessID  int    `json:"process_id"`
	SDKVersion string `json:"sdk_version"`
}

// Stats is a point-in-time report of client activity.
type Stats struct {
	stats.Snapshot
	SessionID      string         `json:"session_id"`
	Environment    map[string]any `json:"environment,omitempty"`
	CachedFlags    int            `json:"cached_flags_count"`
	PendingLogs    int            `json:"pending_user_logs"`
	DroppedLogs    uint64         `json:"dropped_user_logs"`
	CircuitBreaker breaker.Stats  `json:"circuit_breaker"`
	Configuration  ConfigSummary  `json:"configuration"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
}

// ConfigSummary is the non-secret part of Config reported in Stats.
type ConfigSummary struct {
	BaseURL           string  `json:"base_url"`
	Environment       string  `json:"environment"`
	PollingInterval   float64 `json:"polling_interval_seconds"`
	LogBatchSize      int     `json:"log_batch_size"`
	LogUploadInterval float64 `json:"log_upload_interval_seconds"`
	Offline           bool    `json:"offline_mode"`
	Telemetry         bool    `json:"telemetry_enabled"`
}

// SecurityStats counts rejected or unusual input.
type SecurityStats struct {
	stats.Security
	RateLimitedUsers int       `json:"rate_limited_users_tracked"`
	Timestamp        time.Time `json:"timestamp"`
}

// Health is the result of HealthCheck.
type Health struct {
	Status         string        `json:"status"`
	SDKVersion     string        `json:"sdk_version"`
	Provider       string        `json:"provider"`
	BaseURL        string        `json:"base_url"`
	CachedFlags    int           `json:"cached_flags_count"`
	SessionID      string        `json:"session_id"`
	Environment    string        `json:"environment"`
	Offline        bool          `json:"offline_mode"`
	LastSync       time.Time     `json:"last_sync,omitzero"`
	CircuitBreaker breaker.Stats `json:"circuit_breaker"`
	System         SystemInfo    `json:"system_info"`
	Security       SecurityStats `json:"security"`
}

// Stats reports usage counters and the client's current state.
func (c *Client) Stats() Stats {
	snap := c.stats.Snapshot()
	if c.syncer != nil {
		snap.LastSync = c.syncer.LastSync()
	}
	if c.uploader != nil {
		snap.LastLogUpload = c.uploader.LastUpload()
	}
	return Stats{
		Snapshot:       snap,
		SessionID:      c.sessionID,
		Environment:    c.environmentInfo(),
		CachedFlags:    c.flags.Len(),
		PendingLogs:    c.queue.Len(),
		DroppedLogs:    c.queue.Dropped(),
		CircuitBreaker: c.breaker.Stats(),
		Configuration: ConfigSummary{
			BaseURL:           c.cfg.BaseURL,
			Environment:       c.cfg.Environment,
			PollingInterval:   c.cfg.PollingInterval.Seconds(),
			LogBatchSize:      c.cfg.LogBatchSize,
			LogUploadInterval: c.cfg.LogUploadInterval.Seconds(),
			Offline:           c.cfg.Offline,
			Telemetry:         c.uploader != nil,
		},
		UptimeSeconds: time.Since(c.startedAt).Seconds(),
	}
}

// SecurityStats reports rejected input and rate limiting.
func (c *Client) SecurityStats() SecurityStats {
	return SecurityStats{
		Security:         c.stats.Security(),
		RateLimitedUsers: c.limiter.Tracked(),
		Timestamp:        time.Now().UTC(),
	}
}

// HealthCheck reports degraded while the circuit breaker is open.
func (c *Client) HealthCheck() Health {
	status := StatusHealthy
	if c.breaker.State() == breaker.Open {
		status = StatusDegraded
	}
	var lastSync time.Time
	if c.syncer != nil {
		lastSync = c.syncer.LastSync()
	}
	return Health{
		Status:         status,
		SDKVersion:     Version,
		Provider:       telemetry.Provider,
		BaseURL:        c.cfg.BaseURL,
		CachedFlags:    c.flags.Len(),
		SessionID:      c.sessionID,
		Environment:    c.cfg.Environment,
		Offline:        c.cfg.Offline,
		LastSync:       lastSync,
		CircuitBreaker: c.breaker.Stats(),
		System:         c.sys,
		Security:       c.SecurityStats(),
	}
}

// -- helpers ---

func (c *Client) sessionMetadata() any {
	return map[string]any{
		"session_id":  c.sessionID,
		"environment": c.environmentInfo(),
		"system_info": c.sys,
		"provider":    telemetry.Provider,
		"stats":       c.stats.Snapshot(),
	}
}

func collectSystemInfo() SystemInfo {
	hostname, _ := os.Hostname()
	return SystemInfo{
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		CPUCount:   runtime.NumCPU(),
		Hostname:   hostname,
		ProcessID:  os.Getpid(),
		SDKVersion: Version,
	}
}
