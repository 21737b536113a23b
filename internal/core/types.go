package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValueType is the declared type of a flag value or segment value.
type ValueType string

const (
	TypeBool   ValueType = "bool"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
	TypeJSON   ValueType = "json"
	TypeString ValueType = "string"
)

type Comparator string

const (
	OpEquals         Comparator = "=="
	OpNotEquals      Comparator = "!="
	OpGreater        Comparator = ">"
	OpGreaterOrEqual Comparator = ">="
	OpLess           Comparator = "<"
	OpLessOrEqual    Comparator = "<="
	OpContains       Comparator = "contains"
	OpStartsWith     Comparator = "starts_with"
	OpEndsWith       Comparator = "ends_with"
	OpRegex          Comparator = "regex"
	OpIn             Comparator = "in"
)

// Segment is a named targeting condition matched against a caller-supplied
// attribute with the same name.
type Segment struct {
	Name       string     `json:"name"`
	Type       ValueType  `json:"type"`
	Comparator Comparator `json:"comparator"`
	Value      string     `json:"value"`
	Active     bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at,omitzero"`
}

type Rollout struct {
	Percentage int  `json:"percentage"`
	Sticky     bool `json:"sticky"`
}

// FullRollout is the rollout applied when a definition does not carry one.
var FullRollout = Rollout{Percentage: 100, Sticky: true}

// Flag is a cached flag definition. Value holds the raw string form; the
// typed value is derived from Type on every evaluation.
type Flag struct {
	Name      string    `json:"name"`
	Type      ValueType `json:"type"`
	Value     string    `json:"value"`
	Active    bool      `json:"is_active"`
	Segments  []Segment `json:"segments,omitempty"`
	Rollout   Rollout   `json:"rollout"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// FlagSet is the result of one fetch of the full flag set.
type FlagSet struct {
	Flags       []Flag
	Environment map[string]any
	// Skipped counts definitions dropped because they were malformed.
	Skipped int
}

var (
	ErrMissingName      = errors.New("flag name is required")
	ErrInvalidRollout   = errors.New("rollout percentage must be between 0 and 100")
	ErrInvalidVersion   = errors.New("flag version must be >= 1")
	ErrInvalidValueType = errors.New("unknown value type")
)

// Validate checks the invariants a definition must hold before it is cached.
func (f Flag) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return ErrMissingName
	}
	if f.Rollout.Percentage < 0 || f.Rollout.Percentage > 100 {
		return fmt.Errorf("flag %q: %w", f.Name, ErrInvalidRollout)
	}
	if f.Version < 1 {
		return fmt.Errorf("flag %q: %w", f.Name, ErrInvalidVersion)
	}
	if !f.Type.Known() {
		return fmt.Errorf("flag %q: %w %q", f.Name, ErrInvalidValueType, f.Type)
	}
	return nil
}

// Known reports whether t is one of the supported value types.
func (t ValueType) Known() bool {
	switch t {
	case TypeBool, TypeInt, TypeFloat, TypeJSON, TypeString:
		return true
	default:
		return false
	}
}

// Clone returns a copy of f that shares no slices with the original.
func (f Flag) Clone() Flag {
	if f.Segments != nil {
		f.Segments = append([]Segment(nil), f.Segments...)
	}
	return f
}
