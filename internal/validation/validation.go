// Package validation normalizes caller input before it reaches the flag cache
// or the outbound transport.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxUserIDLength     = 256
	MaxFlagKeyLength    = 128
	MaxSegmentKeyLength = 128
	MaxSegmentValueLen  = 1024
	MaxHeaderKeyLength  = 128
	MaxHeaderValueLen   = 1024
)

var (
	userIDPattern  = regexp.MustCompile(`^[a-zA-Z0-9_@.\-+]+$`)
	flagKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	controlChars = []string{"\n", "\r", "\x00", "\t", "\x1b"}
)

// Error describes rejected input. Malicious is set when the input carried
// control characters or path traversal sequences.
type Error struct {
	Field     string
	Reason    string
	Malicious bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UserID trims and checks a user identifier. suspicious reports an id that is
// accepted but falls outside the conservative character set.
func UserID(raw string) (id string, suspicious bool, err error) {
	id = strings.TrimSpace(raw)
	if id == "" {
		return "", false, &Error{Field: "user_id", Reason: "cannot be empty"}
	}
	if utf8.RuneCountInString(id) > MaxUserIDLength {
		return "", false, &Error{Field: "user_id", Reason: fmt.Sprintf("too long (max %d characters)", MaxUserIDLength)}
	}
	if containsAny(id, controlChars) {
		return "", false, &Error{Field: "user_id", Reason: "contains invalid characters", Malicious: true}
	}
	return id, !userIDPattern.MatchString(id), nil
}

// FlagKey trims and checks a flag key.
func FlagKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", &Error{Field: "flag_key", Reason: "cannot be empty"}
	}
	if utf8.RuneCountInString(key) > MaxFlagKeyLength {
		return "", &Error{Field: "flag_key", Reason: fmt.Sprintf("too long (max %d characters)", MaxFlagKeyLength)}
	}
	if containsAny(key, controlChars) || containsAny(key, []string{"/", `\`, ".."}) {
		return "", &Error{Field: "flag_key", Reason: "contains invalid characters", Malicious: true}
	}
	if !flagKeyPattern.MatchString(key) {
		return "", &Error{Field: "flag_key", Reason: "contains invalid characters"}
	}
	return key, nil
}

// Segments returns a cleaned copy of segments. Empty or oversized keys are
// dropped, string values lose newline, carriage return and NUL characters and
// are truncated, and values that are not scalars are rendered as strings.
func Segments(segments map[string]any) map[string]any {
	if segments == nil {
		return nil
	}
	clean := make(map[string]any, len(segments))
	for key, value := range segments {
		key = strings.TrimSpace(key)
		if key == "" || utf8.RuneCountInString(key) > MaxSegmentKeyLength {
			continue
		}
		switch v := value.(type) {
		case string:
			clean[key] = truncate(stripControl(v), MaxSegmentValueLen)
		case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			clean[key] = v
		case nil:
			clean[key] = nil
		default:
			clean[key] = truncate(fmt.Sprint(v), MaxSegmentValueLen)
		}
	}
	return clean
}

// Headers drops header names that could split a request and bounds sizes.
// rejected counts names refused for carrying dangerous characters.
func Headers(headers map[string]string) (clean map[string]string, rejected int) {
	clean = make(map[string]string, len(headers))
	for key, value := range headers {
		if key == "" {
			continue
		}
		if strings.ContainsAny(key, "\n\r\x00:") {
			rejected++
			continue
		}
		value = stripControl(value)
		if len(key) > MaxHeaderKeyLength || len(value) > MaxHeaderValueLen {
			continue
		}
		clean[key] = value
	}
	return clean, rejected
}

// BaseURL accepts absolute http or https URLs with a host and strips any
// trailing slash.
func BaseURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &Error{Field: "base_url", Reason: "cannot be empty"}
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", &Error{Field: "base_url", Reason: err.Error()}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", &Error{Field: "base_url", Reason: "scheme must be http or https"}
	}
	if parsed.Host == "" {
		return "", &Error{Field: "base_url", Reason: "missing host"}
	}
	return strings.TrimRight(trimmed, "/"), nil
}

// IsLoopback reports whether a validated base URL points at a local host.
func IsLoopback(baseURL string) bool {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "0.0.0.0", "::1":
		return true
	default:
		return false
	}
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func stripControl(s string) string {
	return strings.NewReplacer("\n", "", "\r", "", "\x00", "").Replace(s)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
