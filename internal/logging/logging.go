// Package logging provides the structured logger used by the flagkit client
// and sidecar.
//
// Loggers write JSON through [log/slog]. Attributes whose keys name
// credentials are masked before they reach the handler, and [Redact] strips
// inline secrets from free-form strings such as upstream error bodies.
package logging

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	sensitiveKeys = map[string]bool{
		"client_secret": true,
		"secret":        true,
		"signature":     true,
		"authorization": true,
		"token":         true,
		"password":      true,
		"x-signature":   true,
	}

	// SensitiveHeaders are never written to logs.
	SensitiveHeaders = []string{"Authorization", "X-Signature", "X-Client-Secret"}

	inlineSecret = regexp.MustCompile(`(?i)(password|secret|token|signature)(["']?\s*[:=]\s*["']?)([^"'\s,}]+)`)
)

// New creates a [slog.Logger] that writes JSON to stderr at the given level.
// Accepted level strings (case-insensitive): "debug", "info", "warn", "error".
// An empty string defaults to "info".
func New(level string) *slog.Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a [slog.Logger] writing JSON to w at the given level.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: redactAttr,
	}))
}

// ParseLevel converts a level string to a [slog.Level].
// Returns [slog.LevelInfo] for unrecognised values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Redact masks "key=value" style secrets embedded in s.
func Redact(s string) string {
	return inlineSecret.ReplaceAllString(s, "${1}${2}"+redacted)
}

// RedactHeaders returns a copy of h with credential headers masked, suitable
// for debug logging.
func RedactHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, key := range SensitiveHeaders {
		if out.Get(key) != "" {
			out.Set(key, redacted)
		}
	}
	return out
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindString {
		if v := a.Value.String(); inlineSecret.MatchString(v) {
			return slog.String(a.Key, Redact(v))
		}
	}
	return a
}
