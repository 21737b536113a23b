// Package transport is the signed HTTP client for the remote flag service.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/matt-riley/flagkit/internal/logging"
	"github.com/matt-riley/flagkit/internal/signing"
	"github.com/matt-riley/flagkit/internal/telemetry"
)

const (
	FlagsPath = "/v1/flags/"
	LogsPath  = "/v1/logs/batch/"

	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultBackoff    = 300 * time.Millisecond

	maxResponseBytes = 10 << 20
)

// Config holds the settings for the flag service client.
type Config struct {
	// BaseURL is the validated service root without a trailing slash.
	BaseURL      string
	ClientID     string
	ClientSecret string
	Environment  string
	SessionID    string
	SDKVersion   string
	// Headers are extra headers sent on every request. Reserved headers win
	// over entries with the same name.
	Headers map[string]string
	// Timeout bounds each attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff is the initial retry interval.
	Backoff time.Duration
	// RequestsPerSecond paces outbound requests; zero disables pacing.
	RequestsPerSecond float64
	// HTTPClient is optional; the default wraps http.DefaultTransport with
	// OpenTelemetry instrumentation.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client implements the flag fetch and log upload calls.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:        cfg,
		httpClient: hc,
		logger:     logger.With("component", "transport"),
		now:        time.Now,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// CloseIdleConnections releases pooled connections held by the HTTP client.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// UploadLogs posts one serialized telemetry batch.
func (c *Client) UploadLogs(ctx context.Context, payload []byte) error {
	_, err := c.do(ctx, http.MethodPost, LogsPath, payload)
	return err
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.Backoff

	op := func() ([]byte, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		body, err := c.attempt(ctx, method, path, payload)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying flag service request", "method", method, "path", path, "error", err, "wait", wait)
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)),
		backoff.WithNotify(notify),
	)
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("flagkit: create request: %w", err)
	}
	for key, value := range c.Headers(string(payload)) {
		req.Header.Set(key, value)
	}
	c.logger.Debug("flag service request", "method", method, "path", path, "headers", logging.RedactHeaders(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagkit: http: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("flagkit: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: logging.Redact(strings.TrimSpace(string(body)))}
	}
	return body, nil
}

// Headers returns the signed header set for a request carrying payload.
func (c *Client) Headers(payload string) map[string]string {
	signature, timestamp := signing.Sign(c.cfg.ClientID, c.cfg.ClientSecret, payload, c.now())

	headers := make(map[string]string, len(c.cfg.Headers)+9)
	for key, value := range c.cfg.Headers {
		headers[key] = value
	}
	headers["Content-Type"] = "application/json"
	headers["X-SDK-Provider"] = telemetry.Provider
	headers["X-Client-ID"] = c.cfg.ClientID
	headers["X-Timestamp"] = timestamp
	headers["X-Signature"] = signature
	headers["X-Session-ID"] = c.cfg.SessionID
	headers["X-SDK-Version"] = c.cfg.SDKVersion
	headers["X-Environment"] = c.cfg.Environment
	headers["User-Agent"] = telemetry.Provider + "-Go-SDK/" + c.cfg.SDKVersion
	return headers
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagkit: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err carries an HTTP 401 from the service.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}
