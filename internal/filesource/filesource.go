// Package filesource loads bootstrap flag definitions from a local YAML or
// JSON file. Bootstrap flags seed the cache before the first fetch and are
// the only flag source in offline mode.
package filesource

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matt-riley/flagkit/internal/core"
)

// ErrNoFlags is returned when a file parses but defines no flags.
var ErrNoFlags = errors.New("no flags found in file")

type fileFormat struct {
	Flags []fileFlag `yaml:"flags"`
}

type fileFlag struct {
	Name      string        `yaml:"name"`
	Type      string        `yaml:"type"`
	Value     any           `yaml:"value"`
	Active    *bool         `yaml:"is_active"`
	Segments  []fileSegment `yaml:"segments"`
	Rollout   *fileRollout  `yaml:"rollout"`
	Version   int64         `yaml:"version"`
	UpdatedAt time.Time     `yaml:"updated_at"`
}

type fileSegment struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Comparator string `yaml:"comparator"`
	Value      any    `yaml:"value"`
	Active     *bool  `yaml:"is_active"`
}

type fileRollout struct {
	Percentage int   `yaml:"percentage"`
	Sticky     *bool `yaml:"sticky"`
}

// Load reads and parses the flag file at path.
func Load(path string) ([]core.Flag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flag file: %w", err)
	}
	flags, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse flag file %s: %w", path, err)
	}
	return flags, nil
}

// Parse decodes a flag document. A single invalid definition fails the whole
// file.
func Parse(data []byte) ([]core.Flag, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Flags) == 0 {
		return nil, ErrNoFlags
	}

	flags := make([]core.Flag, 0, len(doc.Flags))
	seen := make(map[string]bool, len(doc.Flags))
	for i, raw := range doc.Flags {
		flag, err := raw.toFlag()
		if err != nil {
			return nil, fmt.Errorf("flag %d: %w", i, err)
		}
		if seen[flag.Name] {
			return nil, fmt.Errorf("flag %q: duplicate name", flag.Name)
		}
		seen[flag.Name] = true
		flags = append(flags, flag)
	}
	return flags, nil
}

func (f fileFlag) toFlag() (core.Flag, error) {
	flag := core.Flag{
		Name:      f.Name,
		Type:      core.ValueType(f.Type),
		Active:    boolOr(f.Active, true),
		Rollout:   core.FullRollout,
		Version:   f.Version,
		UpdatedAt: f.UpdatedAt,
	}
	if flag.Type == "" {
		flag.Type = core.TypeString
	}
	if flag.Version == 0 {
		flag.Version = 1
	}
	if f.Rollout != nil {
		flag.Rollout = core.Rollout{Percentage: f.Rollout.Percentage, Sticky: boolOr(f.Rollout.Sticky, true)}
	}

	value, err := rawValue(f.Value)
	if err != nil {
		return core.Flag{}, fmt.Errorf("flag %q: %w", f.Name, err)
	}
	flag.Value = value

	for _, s := range f.Segments {
		segValue, err := rawValue(s.Value)
		if err != nil {
			return core.Flag{}, fmt.Errorf("flag %q segment %q: %w", f.Name, s.Name, err)
		}
		segType := core.ValueType(s.Type)
		if segType == "" {
			segType = core.TypeString
		}
		flag.Segments = append(flag.Segments, core.Segment{
			Name:       s.Name,
			Type:       segType,
			Comparator: core.Comparator(s.Comparator),
			Value:      segValue,
			Active:     boolOr(s.Active, true),
		})
	}

	if err := flag.Validate(); err != nil {
		return core.Flag{}, err
	}
	return flag, nil
}

// rawValue renders a decoded YAML value as the string form the evaluator
// expects. Structured values become JSON text.
func rawValue(v any) (string, error) {
	switch value := v.(type) {
	case nil:
		return "", nil
	case string:
		return value, nil
	case bool:
		return strconv.FormatBool(value), nil
	case int:
		return strconv.Itoa(value), nil
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), nil
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("encode value: %w", err)
		}
		return string(b), nil
	}
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
