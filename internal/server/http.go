// Package server exposes a flagkit client over a small local HTTP API so
// processes that cannot embed the Go client can still evaluate flags.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	flagkit "github.com/matt-riley/flagkit/clients/go"
	"github.com/matt-riley/flagkit/internal/metrics"
	"github.com/matt-riley/flagkit/internal/middleware"
)

const (
	defaultMaxJSONBodyBytes = 1 << 20
	maxBatchRequests        = 100
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer routes sidecar requests to a Client.
type HTTPServer struct {
	client    Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
	validator middleware.TokenValidator
	authOpts  []middleware.AuthOption
	maxBody   int64
}

// Option configures the sidecar handler.
type Option func(*HTTPServer)

// WithLogger sets the access and error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *HTTPServer) { s.logger = logger }
}

// WithMetrics records per-route request metrics, counts auth failures, and
// serves the registry on GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithMaxJSONBodySize caps request bodies at n bytes.
func WithMaxJSONBodySize(n int64) Option {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithAuth requires a bearer token accepted by validator on /v1/ routes.
func WithAuth(validator middleware.TokenValidator, opts ...middleware.AuthOption) Option {
	return func(s *HTTPServer) {
		s.validator = validator
		s.authOpts = opts
	}
}

type evaluateJSONRequest struct {
	UserID       string                  `json:"user_id,omitempty"`
	FlagKey      string                  `json:"flag_key,omitempty"`
	DefaultValue any                     `json:"default_value,omitempty"`
	Segments     map[string]any          `json:"segments,omitempty"`
	Requests     []evaluateJSONBatchItem `json:"requests,omitempty"`
}

type evaluateJSONBatchItem struct {
	UserID       string         `json:"user_id"`
	FlagKey      string         `json:"flag_key"`
	DefaultValue any            `json:"default_value,omitempty"`
	Segments     map[string]any `json:"segments,omitempty"`
}

type evaluateJSONResult struct {
	FlagKey     string            `json:"flag_key"`
	Value       any               `json:"value"`
	Reason      flagkit.Reason    `json:"reason"`
	DefaultUsed bool              `json:"default_used"`
	FlagFound   bool              `json:"flag_found"`
	FlagType    flagkit.ValueType `json:"flag_type,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type evaluateJSONResponse struct {
	Results []evaluateJSONResult `json:"results"`
}

// NewHTTPHandler returns the sidecar handler:
//
//	POST /v1/evaluate  single or batch evaluation
//	GET  /v1/flags     cached flag listing
//	POST /v1/refresh   immediate fetch from the flag service
//	GET  /healthz      client health
//	GET  /metrics      Prometheus metrics (with WithMetrics)
func NewHTTPHandler(client Client, opts ...Option) http.Handler {
	if client == nil {
		panic("client is nil")
	}

	s := &HTTPServer{client: client, maxBody: defaultMaxJSONBodyBytes}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics != nil {
		s.authOpts = append([]middleware.AuthOption{middleware.WithOnAuthFailure(s.metrics.IncSidecarAuthFailures)}, s.authOpts...)
	}

	mux := http.NewServeMux()
	s.handle(mux, "POST /v1/evaluate", true, s.handleEvaluate)
	s.handle(mux, "GET /v1/flags", true, s.handleListFlags)
	s.handle(mux, "POST /v1/refresh", true, s.handleRefresh)
	s.handle(mux, "GET /healthz", false, s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return otelhttp.NewHandler(middleware.HTTPRequestLogging(s.logger)(mux), "flagkit.sidecar")
}

func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, protected bool, h http.HandlerFunc) {
	var handler http.Handler = h
	if protected && s.validator != nil {
		handler = middleware.HTTPBearerAuthMiddleware(s.validator, s.authOpts...)(handler)
	}
	if s.metrics != nil {
		_, route, _ := strings.Cut(pattern, " ")
		handler = middleware.HTTPMetrics(route, s.metrics.ObserveHTTPRequest)(handler)
	}
	mux.Handle(pattern, handler)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := decodeJSONBody(w, r, s.maxBody, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	single := strings.TrimSpace(request.FlagKey) != ""
	switch {
	case len(request.Requests) > 0 && single:
		writeJSONError(w, http.StatusBadRequest, "use either flag_key or requests")
		return
	case len(request.Requests) > maxBatchRequests:
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("at most %d requests per batch", maxBatchRequests))
		return
	case len(request.Requests) > 0:
		results := make([]evaluateJSONResult, 0, len(request.Requests))
		for idx, item := range request.Requests {
			if strings.TrimSpace(item.FlagKey) == "" {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].flag_key is required", idx))
				return
			}
			results = append(results, s.evaluate(item.UserID, item.FlagKey, item.DefaultValue, item.Segments))
		}
		writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
	case single:
		result := s.evaluate(request.UserID, request.FlagKey, request.DefaultValue, request.Segments)
		if result.Error != "" {
			writeJSONError(w, http.StatusBadRequest, result.Error)
			return
		}
		writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: []evaluateJSONResult{result}})
	default:
		writeJSONError(w, http.StatusBadRequest, "flag_key or requests is required")
	}
}

func (s *HTTPServer) evaluate(userID, flagKey string, def any, segments map[string]any) evaluateJSONResult {
	ev, err := s.client.Evaluate(userID, flagKey, def, segments)
	if err != nil {
		return evaluateJSONResult{
			FlagKey:     flagKey,
			Value:       def,
			Reason:      flagkit.ReasonEvaluationError,
			DefaultUsed: true,
			Error:       err.Error(),
		}
	}
	return evaluateJSONResult{
		FlagKey:     flagKey,
		Value:       ev.Value,
		Reason:      ev.Reason,
		DefaultUsed: ev.DefaultUsed,
		FlagFound:   ev.FlagFound,
		FlagType:    ev.FlagType,
	}
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"flags": s.client.AllFlags()})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.client.RefreshFlags(r.Context()); err != nil {
		middleware.LoggerFromContext(r.Context()).Warn("manual refresh failed", "error", err)
		writeClientError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cached_flags": len(s.client.AllFlags())})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.client.HealthCheck())
}

func writeClientError(w http.ResponseWriter, err error) {
	var (
		authErr    *flagkit.AuthError
		timeoutErr *flagkit.TimeoutError
		netErr     *flagkit.NetworkError
	)
	switch {
	case errors.Is(err, flagkit.ErrOffline):
		writeJSONError(w, http.StatusConflict, "client is in offline mode")
	case errors.Is(err, flagkit.ErrClosed):
		writeJSONError(w, http.StatusServiceUnavailable, "client is closed")
	case errors.Is(err, flagkit.ErrCircuitOpen):
		writeJSONError(w, http.StatusServiceUnavailable, "circuit breaker open")
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	case errors.As(err, &authErr):
		writeJSONError(w, http.StatusBadGateway, "flag service rejected credentials")
	case errors.As(err, &timeoutErr):
		writeJSONError(w, http.StatusGatewayTimeout, "flag service timed out")
	case errors.As(err, &netErr):
		writeJSONError(w, http.StatusBadGateway, "flag service unavailable")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
