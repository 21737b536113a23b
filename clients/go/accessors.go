package flagkit

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/validation"
)

// GetBool evaluates a bool flag. def is returned whenever the evaluation
// used a default or its value cannot be read as a bool.
func (c *Client) GetBool(userID, flagKey string, def bool, segments map[string]any) (bool, error) {
	ev, err := c.Evaluate(userID, flagKey, def, segments)
	if err != nil || ev.DefaultUsed {
		return def, err
	}
	switch v := ev.Value.(type) {
	case bool:
		return v, nil
	case string:
		return core.ParseBool(v), nil
	default:
		return def, nil
	}
}

// IsEnabled reports whether a bool flag is on for userID. Rejected input
// reads as off.
func (c *Client) IsEnabled(userID, flagKey string, segments map[string]any) bool {
	on, _ := c.GetBool(userID, flagKey, false, segments)
	return on
}

// GetString evaluates a flag and renders its value as a string.
func (c *Client) GetString(userID, flagKey, def string, segments map[string]any) (string, error) {
	ev, err := c.Evaluate(userID, flagKey, def, segments)
	if err != nil || ev.DefaultUsed {
		return def, err
	}
	switch v := ev.Value.(type) {
	case string:
		return v, nil
	case nil:
		return def, nil
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return def, nil
		}
		return string(b), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// GetInt evaluates an int flag. Float values are truncated toward zero.
func (c *Client) GetInt(userID, flagKey string, def int64, segments map[string]any) (int64, error) {
	ev, err := c.Evaluate(userID, flagKey, def, segments)
	if err != nil || ev.DefaultUsed {
		return def, err
	}
	switch v := ev.Value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return def, nil
		}
		return int64(v), nil
	case string:
		n, ok := core.TypedValue(core.TypeInt, v)
		if !ok {
			return def, nil
		}
		return n.(int64), nil
	default:
		return def, nil
	}
}

// GetFloat evaluates a float flag.
func (c *Client) GetFloat(userID, flagKey string, def float64, segments map[string]any) (float64, error) {
	ev, err := c.Evaluate(userID, flagKey, def, segments)
	if err != nil || ev.DefaultUsed {
		return def, err
	}
	switch v := ev.Value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return def, nil
		}
		return f, nil
	default:
		return def, nil
	}
}

// GetJSON evaluates a json flag. String values are decoded; def is returned
// when they are not valid JSON.
func (c *Client) GetJSON(userID, flagKey string, def any, segments map[string]any) (any, error) {
	ev, err := c.Evaluate(userID, flagKey, def, segments)
	if err != nil || ev.DefaultUsed {
		return def, err
	}
	switch v := ev.Value.(type) {
	case map[string]any, []any:
		return v, nil
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return def, nil
		}
		return decoded, nil
	default:
		return def, nil
	}
}

// GetUserFlags evaluates every cached flag, or only keys when given, for one
// user. Invalid keys are skipped. A flag whose evaluation fails yields its
// type's default without affecting the others. Batch evaluations are not
// rate limited and not logged.
func (c *Client) GetUserFlags(userID string, segments map[string]any, keys ...string) (map[string]any, error) {
	uid, suspicious, err := validation.UserID(userID)
	if err != nil {
		return nil, c.rejectInput(err, userID)
	}
	if suspicious {
		c.stats.RecordSuspicious()
	}
	clean := validation.Segments(segments)

	var flags []core.Flag
	if len(keys) == 0 {
		flags = c.flags.SnapshotAll()
	} else {
		for _, raw := range keys {
			key, err := validation.FlagKey(raw)
			if err != nil {
				c.logger.Debug("skipping invalid flag key", "error", err)
				continue
			}
			if flag, ok := c.flags.Get(key); ok {
				flags = append(flags, flag)
			}
		}
	}

	out := make(map[string]any, len(flags))
	for _, flag := range flags {
		out[flag.Name] = c.evaluateOne(flag, uid, clean)
	}
	return out, nil
}

// FlagSummary is the listing form of a cached flag.
type FlagSummary struct {
	Name              string    `json:"name" yaml:"name"`
	Type              ValueType `json:"type" yaml:"type"`
	Value             string    `json:"value" yaml:"value"`
	Active            bool      `json:"is_active" yaml:"is_active"`
	SegmentsCount     int       `json:"segments_count" yaml:"segments_count"`
	RolloutPercentage int       `json:"rollout_percentage" yaml:"rollout_percentage"`
	Version           int64     `json:"version" yaml:"version"`
	UpdatedAt         string    `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// AllFlags lists the cached flags ordered by name.
func (c *Client) AllFlags() []FlagSummary {
	flags := c.flags.SnapshotAll()
	out := make([]FlagSummary, 0, len(flags))
	for _, flag := range flags {
		summary := FlagSummary{
			Name:              flag.Name,
			Type:              flag.Type,
			Value:             flag.Value,
			Active:            flag.Active,
			SegmentsCount:     len(flag.Segments),
			RolloutPercentage: flag.Rollout.Percentage,
			Version:           flag.Version,
		}
		if !flag.UpdatedAt.IsZero() {
			summary.UpdatedAt = flag.UpdatedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, summary)
	}
	return out
}

func (c *Client) evaluateOne(flag core.Flag, userID string, segments map[string]any) (value any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("flag evaluation failed", "error", &EvaluationError{FlagKey: flag.Name, Cause: r})
			value = core.TypedDefault(flag.Type)
		}
	}()
	return core.Evaluate(flag, userID, segments).Value
}
