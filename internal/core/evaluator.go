package core

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"time"
)

// Reason explains how an evaluation arrived at its value.
type Reason string

const (
	ReasonFlagInactive        Reason = "flag_inactive"
	ReasonSegmentsRequired    Reason = "segments_required_but_not_provided"
	ReasonSegmentsNotMatched  Reason = "segments_not_matched"
	ReasonRolloutNotQualified Reason = "rollout_not_qualified"
	ReasonRolloutQualified    Reason = "rollout_qualified"
	ReasonFullRollout         Reason = "full_rollout"
	ReasonInvalidValue        Reason = "invalid_value"
	ReasonFlagNotFound        Reason = "flag_not_found"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonEvaluationError     Reason = "evaluation_error"
)

// Details is the structured evaluation context reported with every access log.
type Details struct {
	FlagActive        bool          `json:"flag_active"`
	SegmentsEvaluated []string      `json:"segments_evaluated"`
	SegmentsMatched   []string      `json:"segments_matched"`
	RolloutQualified  bool          `json:"rollout_qualified"`
	DefaultUsed       bool          `json:"default_value_used"`
	FlagVersion       int64         `json:"flag_version"`
	Reason            Reason        `json:"evaluation_reason"`
	Duration          time.Duration `json:"-"`
}

// Result is the outcome of evaluating one flag for one user.
type Result struct {
	Value   any
	Details Details
}

// Evaluate resolves flag for userID given the caller's segment attributes.
// It performs no I/O and never fails: every problem with the definition or
// the inputs degrades to the type's zero value with an explanatory reason.
func Evaluate(flag Flag, userID string, segments map[string]any) Result {
	start := time.Now()
	details := Details{
		FlagActive:        flag.Active,
		SegmentsEvaluated: []string{},
		SegmentsMatched:   []string{},
		FlagVersion:       flag.Version,
	}

	result := evaluate(flag, userID, segments, &details)
	details.Duration = time.Since(start)
	result.Details = details
	return result
}

func evaluate(flag Flag, userID string, segments map[string]any, details *Details) Result {
	fallback := func(reason Reason) Result {
		details.DefaultUsed = true
		details.Reason = reason
		return Result{Value: TypedDefault(flag.Type)}
	}

	if !flag.Active {
		return fallback(ReasonFlagInactive)
	}

	if len(flag.Segments) > 0 {
		if len(segments) == 0 {
			return fallback(ReasonSegmentsRequired)
		}
		if !matchAnySegment(flag.Segments, segments, details) {
			return fallback(ReasonSegmentsNotMatched)
		}
	}

	reason := ReasonFullRollout
	if flag.Rollout.Percentage < 100 {
		if !InRollout(flag.Name, userID, flag.Version, flag.Rollout.Percentage) {
			return fallback(ReasonRolloutNotQualified)
		}
		reason = ReasonRolloutQualified
	}
	details.RolloutQualified = true

	value, ok := TypedValue(flag.Type, flag.Value)
	if !ok {
		return fallback(ReasonInvalidValue)
	}
	details.Reason = reason
	return Result{Value: value}
}

// matchAnySegment walks the flag's segments in declared order and stops at
// the first one the caller satisfies.
func matchAnySegment(defined []Segment, supplied map[string]any, details *Details) bool {
	for _, segment := range defined {
		details.SegmentsEvaluated = append(details.SegmentsEvaluated, segment.Name)
		value, ok := supplied[segment.Name]
		if !ok {
			continue
		}
		if segment.Matches(value) {
			details.SegmentsMatched = append(details.SegmentsMatched, segment.Name)
			return true
		}
	}
	return false
}

// RolloutBucket maps (name, userID, version) to a stable bucket in [0, 100).
// The hash input is "{name}_{userID}_{version}"; the first four bytes of its
// SHA-256 digest (the first eight hex characters) are read as a uint32.
func RolloutBucket(name, userID string, version int64) uint32 {
	sum := sha256.Sum256([]byte(name + "_" + userID + "_" + strconv.FormatInt(version, 10)))
	return binary.BigEndian.Uint32(sum[:4]) % 100
}

// InRollout reports whether userID falls inside a rollout of percentage.
func InRollout(name, userID string, version int64, percentage int) bool {
	if percentage >= 100 {
		return true
	}
	if percentage <= 0 {
		return false
	}
	return RolloutBucket(name, userID, version) < uint32(percentage)
}

// EvaluateAll evaluates every flag for the same user.
func EvaluateAll(flags []Flag, userID string, segments map[string]any) map[string]Result {
	results := make(map[string]Result, len(flags))
	for _, flag := range flags {
		results[flag.Name] = Evaluate(flag, userID, segments)
	}
	return results
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}
