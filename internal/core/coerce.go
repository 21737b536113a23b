package core

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// TypedDefault returns the zero value for t. Unknown types behave as strings.
func TypedDefault(t ValueType) any {
	switch t {
	case TypeBool:
		return false
	case TypeInt:
		return int64(0)
	case TypeFloat:
		return float64(0)
	case TypeJSON:
		return map[string]any{}
	default:
		return ""
	}
}

// TypedValue converts raw to t. It reports false, together with the type's
// zero value, when raw cannot be represented as t.
func TypedValue(t ValueType, raw string) (any, bool) {
	switch t {
	case TypeBool:
		return ParseBool(raw), true
	case TypeInt:
		n, ok := parseTruncatedInt(raw)
		if !ok {
			return TypedDefault(t), false
		}
		return n, true
	case TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return TypedDefault(t), false
		}
		return f, true
	case TypeJSON:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return TypedDefault(t), false
		}
		return v, true
	default:
		return raw, true
	}
}

// ParseBool treats "true", "1", "yes" and "on" (any case) as true and
// everything else as false.
func ParseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func parseTruncatedInt(raw string) (int64, bool) {
	trimmed := strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return n, true
	}

	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	f = math.Trunc(f)
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
