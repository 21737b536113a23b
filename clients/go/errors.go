package flagkit

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/matt-riley/flagkit/internal/stats"
	"github.com/matt-riley/flagkit/internal/syncer"
	"github.com/matt-riley/flagkit/internal/telemetry"
	"github.com/matt-riley/flagkit/internal/transport"
	"github.com/matt-riley/flagkit/internal/validation"
)

var (
	// ErrOffline is returned by network operations on a client in offline mode.
	ErrOffline = errors.New("flagkit: client is in offline mode")
	// ErrClosed is returned by network operations after Close.
	ErrClosed = errors.New("flagkit: client is closed")
	// ErrTelemetryDisabled is returned by FlushLogs when telemetry is off.
	ErrTelemetryDisabled = errors.New("flagkit: telemetry is disabled")
	// ErrCircuitOpen is returned when the circuit breaker refuses a call.
	ErrCircuitOpen = errors.New("flagkit: circuit breaker open")
	// ErrUnencodableLogs is returned by FlushLogs when no pending access log
	// in the batch could be serialized. Those entries are discarded.
	ErrUnencodableLogs = errors.New("flagkit: access logs could not be encoded")
)

// ConfigError reports an invalid client configuration. It is only returned
// by New and Config.Validate.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "flagkit: invalid config: " + e.Message
	}
	return fmt.Sprintf("flagkit: invalid config %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ValidationError reports a rejected user id or flag key. Malicious is set
// when the input carried control characters or path traversal sequences.
type ValidationError struct {
	Field     string
	Reason    string
	Malicious bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("flagkit: invalid %s: %s", e.Field, e.Reason)
}

// AuthError reports that the flag service rejected the client credentials.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "flagkit: authentication failed: " + e.Err.Error() }

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError reports a failed call to the flag service.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "flagkit: network error: " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError reports a call to the flag service that ran out of time.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string { return "flagkit: request timed out: " + e.Err.Error() }

func (e *TimeoutError) Unwrap() error { return e.Err }

// EvaluationError describes an unexpected failure while evaluating one flag.
// It is logged, never returned; the caller receives the default value.
type EvaluationError struct {
	FlagKey string
	Cause   any
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("flagkit: evaluate flag %q: %v", e.FlagKey, e.Cause)
}

// -- helpers ---

// classify maps internal failures onto the public error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syncer.ErrCircuitOpen), errors.Is(err, telemetry.ErrCircuitOpen):
		return ErrCircuitOpen
	case errors.Is(err, telemetry.ErrEncode):
		return fmt.Errorf("%w: %w", ErrUnencodableLogs, err)
	case transport.IsUnauthorized(err):
		return &AuthError{Err: err}
	case transport.IsTimeout(err):
		return &TimeoutError{Err: err}
	default:
		return &NetworkError{Err: err}
	}
}

func errorKind(err error) stats.ErrorKind {
	switch {
	case transport.IsUnauthorized(err):
		return stats.KindAuth
	case transport.IsTimeout(err):
		return stats.KindNetwork
	}
	var apiErr *transport.APIError
	if errors.As(err, &apiErr) {
		return stats.KindOther
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return stats.KindNetwork
	}
	return stats.KindOther
}

func validationError(err error) *ValidationError {
	var verr *validation.Error
	if errors.As(err, &verr) {
		return &ValidationError{Field: verr.Field, Reason: verr.Reason, Malicious: verr.Malicious}
	}
	return &ValidationError{Reason: err.Error()}
}
