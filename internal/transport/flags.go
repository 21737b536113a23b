package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/matt-riley/flagkit/internal/core"
)

// -- wire types --------------------------------------------------------------

type wireFlagsResp struct {
	Data        []json.RawMessage `json:"data"`
	Environment map[string]any    `json:"environment"`
}

type wireFlag struct {
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Value     json.RawMessage `json:"value"`
	IsActive  *bool           `json:"is_active"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
	Segments  []wireSegment   `json:"segments"`
	Rollout   *wireRollout    `json:"rollout"`
	Version   *int64          `json:"version"`
}

type wireSegment struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Comparator string          `json:"comparator"`
	Value      json.RawMessage `json:"value"`
	IsActive   *bool           `json:"is_active"`
	CreatedAt  string          `json:"created_at"`
}

type wireRollout struct {
	Percentage *int  `json:"percentage"`
	Sticky     *bool `json:"sticky"`
}

var errMissingField = errors.New("missing required field")

// FetchFlags retrieves the full flag set. A body that cannot be decoded
// yields an empty set; malformed flags inside a valid body are skipped and
// counted.
func (c *Client) FetchFlags(ctx context.Context) (core.FlagSet, error) {
	body, err := c.do(ctx, http.MethodGet, FlagsPath, nil)
	if err != nil {
		return core.FlagSet{}, err
	}
	set, err := DecodeFlagSet(body)
	if err != nil {
		c.logger.Warn("ignoring malformed flag response", "error", err)
		return core.FlagSet{}, nil
	}
	if set.Skipped > 0 {
		c.logger.Warn("skipped malformed flag definitions", "skipped", set.Skipped)
	}
	return set, nil
}

// DecodeFlagSet parses a flags response body.
func DecodeFlagSet(body []byte) (core.FlagSet, error) {
	var resp wireFlagsResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.FlagSet{}, fmt.Errorf("decode flags response: %w", err)
	}

	set := core.FlagSet{
		Flags:       make([]core.Flag, 0, len(resp.Data)),
		Environment: resp.Environment,
	}
	for _, raw := range resp.Data {
		flag, err := decodeFlag(raw)
		if err != nil {
			set.Skipped++
			continue
		}
		set.Flags = append(set.Flags, flag)
	}
	return set, nil
}

func decodeFlag(raw json.RawMessage) (core.Flag, error) {
	var wf wireFlag
	if err := json.Unmarshal(raw, &wf); err != nil {
		return core.Flag{}, err
	}
	value, ok := scalarString(wf.Value)
	if wf.Name == "" || wf.Type == "" || !ok {
		return core.Flag{}, errMissingField
	}

	f := core.Flag{
		Name:      wf.Name,
		Type:      core.ValueType(strings.ToLower(wf.Type)),
		Value:     value,
		Active:    true,
		Rollout:   core.FullRollout,
		Version:   1,
		CreatedAt: parseTime(wf.CreatedAt),
		UpdatedAt: parseTime(wf.UpdatedAt),
	}
	if wf.IsActive != nil {
		f.Active = *wf.IsActive
	}
	if wf.Version != nil {
		f.Version = *wf.Version
	}
	if wf.Rollout != nil {
		if wf.Rollout.Percentage != nil {
			f.Rollout.Percentage = *wf.Rollout.Percentage
		}
		if wf.Rollout.Sticky != nil {
			f.Rollout.Sticky = *wf.Rollout.Sticky
		}
	}
	for _, ws := range wf.Segments {
		segment, err := decodeSegment(ws)
		if err != nil {
			return core.Flag{}, fmt.Errorf("flag %q: %w", wf.Name, err)
		}
		f.Segments = append(f.Segments, segment)
	}
	if err := f.Validate(); err != nil {
		return core.Flag{}, err
	}
	return f, nil
}

func decodeSegment(ws wireSegment) (core.Segment, error) {
	value, ok := scalarString(ws.Value)
	if ws.Name == "" || ws.Comparator == "" || !ok {
		return core.Segment{}, errMissingField
	}
	s := core.Segment{
		Name:       ws.Name,
		Type:       core.ValueType(strings.ToLower(ws.Type)),
		Comparator: core.Comparator(ws.Comparator),
		Value:      value,
		Active:     true,
		CreatedAt:  parseTime(ws.CreatedAt),
	}
	if s.Type == "" {
		s.Type = core.TypeString
	}
	if ws.IsActive != nil {
		s.Active = *ws.IsActive
	}
	return s, nil
}

// scalarString renders a JSON value as the raw string the evaluator expects:
// strings are unquoted, everything else keeps its JSON text.
func scalarString(raw json.RawMessage) (string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", false
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	return trimmed, true
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
