package logging

import (
	"bytes"
	"log/slog"
	"net/http"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewWithWriterMasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("info", &buf)
	log.Info("fetch failed", "client_secret", "hunter2", "error", `HTTP 400: {"token": "abc123"}`)

	out := buf.String()
	if !strings.Contains(out, `"msg":"fetch failed"`) {
		t.Fatalf("expected JSON msg field, got: %s", out)
	}
	if strings.Contains(out, "hunter2") || strings.Contains(out, "abc123") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
}

func TestNewWithWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("warn", &buf)
	log.Info("quiet")

	if buf.Len() != 0 {
		t.Fatalf("info message written at warn level: %s", buf.String())
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "password=swordfish", want: "password=[REDACTED]"},
		{in: `"secret": "s3"`, want: `"secret": "[REDACTED]"`},
		{in: "Signature: abc, next", want: "Signature: [REDACTED], next"},
		{in: "nothing to hide", want: "nothing to hide"},
	}
	for _, tt := range tests {
		if got := Redact(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("x-signature", "sig")
	h.Set("X-Client-ID", "client")
	h.Set("Authorization", "Bearer t")

	got := RedactHeaders(h)
	if got.Get("X-Signature") != redacted || got.Get("Authorization") != redacted {
		t.Fatalf("sensitive headers not masked: %v", got)
	}
	if got.Get("X-Client-ID") != "client" {
		t.Fatalf("X-Client-ID = %q, want client", got.Get("X-Client-ID"))
	}
	if h.Get("X-Signature") != "sig" {
		t.Fatal("RedactHeaders() modified its input")
	}
}
