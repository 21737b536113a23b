// Package telemetry buffers flag access logs and ships them to the flag
// service in batches.
package telemetry

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/flagkit/internal/core"
)

// Provider identifies this SDK in access logs and request headers.
const Provider = "flagkit"

// EvaluationContext is the evaluator's detail record plus SDK-side timing.
type EvaluationContext struct {
	core.Details
	FlagFound        bool    `json:"flag_found"`
	EvaluationTimeMS float64 `json:"evaluation_time_ms"`
	TotalSDKTimeMS   float64 `json:"total_sdk_time_ms"`
	Provider         string  `json:"provider"`
}

// Entry is one access log record. Entries are built once and not modified.
type Entry struct {
	UserID            string            `json:"user_id"`
	FlagKey           string            `json:"flag_key"`
	FlagValue         any               `json:"flag_value"`
	FlagType          core.ValueType    `json:"flag_type"`
	Segments          map[string]any    `json:"segments"`
	EvaluationContext EvaluationContext `json:"evaluation_context"`
	EvaluationTimeMS  float64           `json:"evaluation_time_ms"`
	Timestamp         time.Time         `json:"timestamp"`
	SessionID         string            `json:"session_id"`
	RequestID         string            `json:"request_id"`
	SDKProvider       string            `json:"sdk_provider"`
	SDKVersion        string            `json:"sdk_version"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// NewEntry stamps a record with a fresh request id and the current time.
// segments is copied so later caller mutation does not leak into the log.
// NaN and infinite floats in value and segments are recorded as null.
func NewEntry(userID, flagKey string, value any, flagType core.ValueType, segments map[string]any, evalCtx EvaluationContext, sessionID, sdkVersion string) Entry {
	var copied map[string]any
	if segments != nil {
		copied = make(map[string]any, len(segments))
		for k, v := range segments {
			copied[k] = finite(v)
		}
	}
	return Entry{
		UserID:            userID,
		FlagKey:           flagKey,
		FlagValue:         finite(value),
		FlagType:          flagType,
		Segments:          copied,
		EvaluationContext: evalCtx,
		EvaluationTimeMS:  evalCtx.EvaluationTimeMS,
		Timestamp:         time.Now().UTC(),
		SessionID:         sessionID,
		RequestID:         uuid.NewString(),
		SDKProvider:       Provider,
		SDKVersion:        sdkVersion,
	}
}

// wireBatch is the upload body. Logs are encoded one by one.
type wireBatch struct {
	Logs            []json.RawMessage `json:"logs"`
	SessionMetadata json.RawMessage   `json:"session_metadata"`
}

// finite replaces NaN and infinite floats, which JSON cannot carry, with
// nil. Maps and slices are copied only when something inside them changes.
func finite(v any) any {
	clean, _ := sanitize(v)
	return clean
}

func sanitize(v any) (any, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, true
		}
	case float32:
		if math.IsNaN(float64(t)) || math.IsInf(float64(t), 0) {
			return nil, true
		}
	case map[string]any:
		var out map[string]any
		for k, item := range t {
			clean, changed := sanitize(item)
			if !changed {
				continue
			}
			if out == nil {
				out = make(map[string]any, len(t))
				for k2, v2 := range t {
					out[k2] = v2
				}
			}
			out[k] = clean
		}
		if out != nil {
			return out, true
		}
	case []any:
		var out []any
		for i, item := range t {
			clean, changed := sanitize(item)
			if !changed {
				continue
			}
			if out == nil {
				out = append([]any(nil), t...)
			}
			out[i] = clean
		}
		if out != nil {
			return out, true
		}
	}
	return v, false
}
