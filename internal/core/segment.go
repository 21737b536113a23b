package core

import (
	"cmp"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// maxCachedPatterns bounds the compiled regex cache; patterns come from
// upstream definitions so the set is small in practice.
const maxCachedPatterns = 1024

var (
	patternCache     sync.Map
	patternCacheSize int64
	patternCacheMu   sync.Mutex
)

// Matches reports whether input satisfies the segment condition. Both sides
// are coerced to the segment's declared type first; inactive segments,
// coercion failures and unknown comparators never match.
func (s Segment) Matches(input any) bool {
	if !s.Active || input == nil {
		return false
	}

	if s.Comparator == OpIn {
		return s.matchesList(input)
	}

	want, ok := coerceSegmentValue(s.Type, s.Value)
	if !ok {
		return false
	}
	got, ok := coerceInput(s.Type, input)
	if !ok {
		return false
	}

	switch s.Comparator {
	case OpEquals:
		return got == want
	case OpNotEquals:
		return got != want
	case OpGreater:
		c, ok := compareScalars(got, want)
		return ok && c > 0
	case OpGreaterOrEqual:
		c, ok := compareScalars(got, want)
		return ok && c >= 0
	case OpLess:
		c, ok := compareScalars(got, want)
		return ok && c < 0
	case OpLessOrEqual:
		c, ok := compareScalars(got, want)
		return ok && c <= 0
	case OpContains:
		return strings.Contains(formatScalar(got), formatScalar(want))
	case OpStartsWith:
		return strings.HasPrefix(formatScalar(got), formatScalar(want))
	case OpEndsWith:
		return strings.HasSuffix(formatScalar(got), formatScalar(want))
	case OpRegex:
		re, err := compiledPattern(s.Value)
		if err != nil {
			return false
		}
		return re.MatchString(formatScalar(got))
	default:
		return false
	}
}

// matchesList implements "in": the segment value is a comma separated list
// and each element is coerced to the segment type on its own.
func (s Segment) matchesList(input any) bool {
	got, ok := coerceInput(s.Type, input)
	if !ok {
		return false
	}
	for _, item := range strings.Split(s.Value, ",") {
		want, ok := coerceSegmentValue(s.Type, strings.TrimSpace(item))
		if ok && got == want {
			return true
		}
	}
	return false
}

// coerceSegmentValue parses the declared segment value. Results are always
// one of int64, float64, bool or string so they compare with ==.
func coerceSegmentValue(t ValueType, raw string) (any, bool) {
	trimmed := strings.TrimSpace(raw)
	switch t {
	case TypeFloat:
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil || math.IsNaN(f) {
			return nil, false
		}
		return f, true
	case TypeInt:
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return nil, false
		}
		return n, true
	case TypeBool:
		return strings.EqualFold(trimmed, "true"), true
	default:
		return raw, true
	}
}

func coerceInput(t ValueType, input any) (any, bool) {
	switch t {
	case TypeFloat:
		return asFloat(input)
	case TypeInt:
		return asInt(input)
	case TypeBool:
		return asBool(input)
	default:
		return formatScalar(input), true
	}
}

func asFloat(value any) (any, bool) {
	if n, ok := asInt64(value); ok {
		return float64(n), true
	}
	if n, ok := asUint64(value); ok {
		return float64(n), true
	}
	if f, ok := asFloat64(value); ok {
		if math.IsNaN(f) {
			return nil, false
		}
		return f, true
	}
	switch v := value.(type) {
	case bool:
		if v {
			return float64(1), true
		}
		return float64(0), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) {
			return nil, false
		}
		return f, true
	}
	return nil, false
}

func asInt(value any) (any, bool) {
	if n, ok := asInt64(value); ok {
		return n, true
	}
	if n, ok := asUint64(value); ok {
		if n > math.MaxInt64 {
			return nil, false
		}
		return int64(n), true
	}
	if f, ok := asFloat64(value); ok {
		if !isFinite(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return nil, false
		}
		return int64(f), true
	}
	switch v := value.(type) {
	case bool:
		if v {
			return int64(1), true
		}
		return int64(0), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, false
		}
		return n, true
	}
	return nil, false
}

func asBool(value any) (any, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		return ParseBool(v), true
	}
	if n, ok := asInt64(value); ok {
		return n != 0, true
	}
	if n, ok := asUint64(value); ok {
		return n != 0, true
	}
	if f, ok := asFloat64(value); ok {
		return f != 0, true
	}
	return nil, false
}

func compareScalars(left, right any) (int, bool) {
	switch l := left.(type) {
	case int64:
		r, ok := right.(int64)
		return cmp.Compare(l, r), ok
	case float64:
		r, ok := right.(float64)
		return cmp.Compare(l, r), ok
	case string:
		r, ok := right.(string)
		return cmp.Compare(l, r), ok
	case bool:
		r, ok := right.(bool)
		return cmp.Compare(boolRank(l), boolRank(r)), ok
	default:
		return 0, false
	}
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatScalar(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	if n, ok := asInt64(value); ok {
		return strconv.FormatInt(n, 10)
	}
	if n, ok := asUint64(value); ok {
		return strconv.FormatUint(n, 10)
	}
	if s, ok := value.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}

func compiledPattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	patternCacheMu.Lock()
	if patternCacheSize >= maxCachedPatterns {
		patternCache.Clear()
		patternCacheSize = 0
	}
	if _, loaded := patternCache.LoadOrStore(pattern, re); !loaded {
		patternCacheSize++
	}
	patternCacheMu.Unlock()

	return re, nil
}

func isFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}
