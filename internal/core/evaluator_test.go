package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"testing"
)

func activeFlag(name string, valueType ValueType, value string) Flag {
	return Flag{
		Name:    name,
		Type:    valueType,
		Value:   value,
		Active:  true,
		Rollout: FullRollout,
		Version: 1,
	}
}

func TestEvaluate(t *testing.T) {
	countrySegment := Segment{Name: "country", Type: TypeString, Comparator: OpEquals, Value: "US", Active: true}
	planSegment := Segment{Name: "plan", Type: TypeString, Comparator: OpIn, Value: "pro,enterprise", Active: true}

	tests := []struct {
		name        string
		flag        Flag
		segments    map[string]any
		want        any
		wantReason  Reason
		wantDefault bool
	}{
		{
			name:       "bool flag with full rollout",
			flag:       activeFlag("x", TypeBool, "true"),
			want:       true,
			wantReason: ReasonFullRollout,
		},
		{
			name:        "inactive flag returns typed default",
			flag:        Flag{Name: "x", Type: TypeBool, Value: "true", Rollout: FullRollout, Version: 1},
			want:        false,
			wantReason:  ReasonFlagInactive,
			wantDefault: true,
		},
		{
			name:       "int value is truncated",
			flag:       activeFlag("limit", TypeInt, "42.7"),
			want:       int64(42),
			wantReason: ReasonFullRollout,
		},
		{
			name:        "unparseable int falls back to zero",
			flag:        activeFlag("limit", TypeInt, "not_a_number"),
			want:        int64(0),
			wantReason:  ReasonInvalidValue,
			wantDefault: true,
		},
		{
			name:       "float value",
			flag:       activeFlag("ratio", TypeFloat, "3.25"),
			want:       3.25,
			wantReason: ReasonFullRollout,
		},
		{
			name:        "non-finite float falls back to zero",
			flag:        activeFlag("ratio", TypeFloat, "NaN"),
			want:        float64(0),
			wantReason:  ReasonInvalidValue,
			wantDefault: true,
		},
		{
			name:       "json value",
			flag:       activeFlag("config", TypeJSON, `{"theme":"dark","size":2}`),
			want:       map[string]any{"theme": "dark", "size": float64(2)},
			wantReason: ReasonFullRollout,
		},
		{
			name:        "malformed json falls back to empty object",
			flag:        activeFlag("config", TypeJSON, `{"theme":`),
			want:        map[string]any{},
			wantReason:  ReasonInvalidValue,
			wantDefault: true,
		},
		{
			name:       "string value is returned as is",
			flag:       activeFlag("banner", TypeString, " hello "),
			want:       " hello ",
			wantReason: ReasonFullRollout,
		},
		{
			name: "segments required but not provided",
			flag: func() Flag {
				f := activeFlag("x", TypeBool, "true")
				f.Segments = []Segment{countrySegment}
				return f
			}(),
			want:        false,
			wantReason:  ReasonSegmentsRequired,
			wantDefault: true,
		},
		{
			name: "segments not matched",
			flag: func() Flag {
				f := activeFlag("x", TypeBool, "true")
				f.Segments = []Segment{countrySegment}
				return f
			}(),
			segments:    map[string]any{"country": "CA"},
			want:        false,
			wantReason:  ReasonSegmentsNotMatched,
			wantDefault: true,
		},
		{
			name: "segments with no overlapping names do not match",
			flag: func() Flag {
				f := activeFlag("x", TypeBool, "true")
				f.Segments = []Segment{countrySegment}
				return f
			}(),
			segments:    map[string]any{"plan": "pro"},
			want:        false,
			wantReason:  ReasonSegmentsNotMatched,
			wantDefault: true,
		},
		{
			name: "any matching segment is enough",
			flag: func() Flag {
				f := activeFlag("x", TypeString, "on")
				f.Segments = []Segment{countrySegment, planSegment}
				return f
			}(),
			segments:   map[string]any{"country": "CA", "plan": "enterprise"},
			want:       "on",
			wantReason: ReasonFullRollout,
		},
		{
			name: "zero percent rollout",
			flag: func() Flag {
				f := activeFlag("x", TypeBool, "true")
				f.Rollout = Rollout{Percentage: 0, Sticky: true}
				return f
			}(),
			want:        false,
			wantReason:  ReasonRolloutNotQualified,
			wantDefault: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.flag, "user-1", tt.segments)
			if !reflect.DeepEqual(got.Value, tt.want) {
				t.Fatalf("Evaluate() value = %#v, want %#v", got.Value, tt.want)
			}
			if got.Details.Reason != tt.wantReason {
				t.Fatalf("Evaluate() reason = %q, want %q", got.Details.Reason, tt.wantReason)
			}
			if got.Details.DefaultUsed != tt.wantDefault {
				t.Fatalf("Evaluate() default used = %v, want %v", got.Details.DefaultUsed, tt.wantDefault)
			}
		})
	}
}

func TestEvaluateRecordsSegmentDetails(t *testing.T) {
	flag := activeFlag("x", TypeBool, "true")
	flag.Version = 7
	flag.Segments = []Segment{
		{Name: "country", Type: TypeString, Comparator: OpEquals, Value: "US", Active: true},
		{Name: "age", Type: TypeInt, Comparator: OpGreaterOrEqual, Value: "18", Active: true},
		{Name: "beta", Type: TypeBool, Comparator: OpEquals, Value: "true", Active: true},
	}

	got := Evaluate(flag, "user-1", map[string]any{"country": "CA", "age": 30, "beta": true})

	if want := []string{"country", "age"}; !reflect.DeepEqual(got.Details.SegmentsEvaluated, want) {
		t.Fatalf("SegmentsEvaluated = %v, want %v", got.Details.SegmentsEvaluated, want)
	}
	if want := []string{"age"}; !reflect.DeepEqual(got.Details.SegmentsMatched, want) {
		t.Fatalf("SegmentsMatched = %v, want %v", got.Details.SegmentsMatched, want)
	}
	if !got.Details.RolloutQualified {
		t.Fatal("RolloutQualified = false, want true")
	}
	if got.Details.FlagVersion != 7 {
		t.Fatalf("FlagVersion = %d, want 7", got.Details.FlagVersion)
	}
}

func TestEvaluateRolloutBoundaries(t *testing.T) {
	zero := activeFlag("zero", TypeBool, "true")
	zero.Rollout = Rollout{Percentage: 0, Sticky: true}
	full := activeFlag("full", TypeBool, "true")

	for i := 0; i < 500; i++ {
		userID := "user-" + strconv.Itoa(i)
		if got := Evaluate(zero, userID, nil); got.Value != false || !got.Details.DefaultUsed {
			t.Fatalf("Evaluate(0%%, %s) = %#v, want default", userID, got)
		}
		if got := Evaluate(full, userID, nil); got.Value != true || got.Details.Reason != ReasonFullRollout {
			t.Fatalf("Evaluate(100%%, %s) = %#v, want flag value", userID, got)
		}
	}
}

func TestEvaluateRolloutIsSticky(t *testing.T) {
	flag := activeFlag("checkout-v2", TypeBool, "true")
	flag.Rollout = Rollout{Percentage: 50, Sticky: true}

	for i := 0; i < 100; i++ {
		userID := fmt.Sprintf("user-%d", i)
		first := Evaluate(flag, userID, nil)
		for j := 0; j < 5; j++ {
			again := Evaluate(flag, userID, nil)
			if again.Value != first.Value || again.Details.Reason != first.Details.Reason {
				t.Fatalf("Evaluate(%s) changed between calls: %v then %v", userID, first.Value, again.Value)
			}
		}
	}
}

func TestEvaluateRolloutDistribution(t *testing.T) {
	flag := activeFlag("gradual", TypeBool, "true")
	flag.Rollout = Rollout{Percentage: 30, Sticky: true}

	qualified := 0
	const users = 1000
	for i := 0; i < users; i++ {
		if Evaluate(flag, fmt.Sprintf("user-%d", i), nil).Details.RolloutQualified {
			qualified++
		}
	}

	if qualified < 250 || qualified > 350 {
		t.Fatalf("qualified users = %d of %d, want within [250, 350]", qualified, users)
	}
}

func TestRolloutBucketDependsOnVersion(t *testing.T) {
	changed := 0
	for i := 0; i < 200; i++ {
		userID := fmt.Sprintf("user-%d", i)
		if RolloutBucket("x", userID, 1) != RolloutBucket("x", userID, 2) {
			changed++
		}
	}
	if changed == 0 {
		t.Fatal("RolloutBucket() ignored the version for every user")
	}
}

func TestRolloutBucketUsesLeadingHexDigits(t *testing.T) {
	for _, userID := range []string{"alice", "bob", "user@example.com", ""} {
		sum := sha256.Sum256([]byte("flag_" + userID + "_3"))
		leading, err := strconv.ParseUint(hex.EncodeToString(sum[:])[:8], 16, 32)
		if err != nil {
			t.Fatalf("parse leading digits: %v", err)
		}
		want := uint32(leading % 100)

		if got := RolloutBucket("flag", userID, 3); got != want {
			t.Fatalf("RolloutBucket(%q) = %d, want %d", userID, got, want)
		}
	}
}

func TestInRollout(t *testing.T) {
	if InRollout("x", "u", 1, 0) {
		t.Fatal("InRollout(0%) = true, want false")
	}
	if !InRollout("x", "u", 1, 100) {
		t.Fatal("InRollout(100%) = false, want true")
	}
	bucket := RolloutBucket("x", "u", 1)
	if !InRollout("x", "u", 1, int(bucket)+1) {
		t.Fatalf("InRollout(bucket+1) = false for bucket %d", bucket)
	}
	if InRollout("x", "u", 1, int(bucket)) {
		t.Fatalf("InRollout(bucket) = true for bucket %d", bucket)
	}
}

func TestEvaluateAll(t *testing.T) {
	flags := []Flag{
		activeFlag("a", TypeBool, "yes"),
		activeFlag("b", TypeInt, "7"),
	}

	results := EvaluateAll(flags, "user-1", nil)
	if len(results) != 2 {
		t.Fatalf("EvaluateAll() returned %d results, want 2", len(results))
	}
	if results["a"].Value != true {
		t.Fatalf("results[a] = %#v, want true", results["a"].Value)
	}
	if results["b"].Value != int64(7) {
		t.Fatalf("results[b] = %#v, want 7", results["b"].Value)
	}
}

func TestFlagValidate(t *testing.T) {
	tests := []struct {
		name    string
		flag    Flag
		wantErr bool
	}{
		{name: "valid", flag: activeFlag("x", TypeBool, "true")},
		{name: "missing name", flag: activeFlag(" ", TypeBool, "true"), wantErr: true},
		{
			name: "rollout above 100",
			flag: func() Flag {
				f := activeFlag("x", TypeBool, "true")
				f.Rollout.Percentage = 101
				return f
			}(),
			wantErr: true,
		},
		{
			name: "zero version",
			flag: func() Flag {
				f := activeFlag("x", TypeBool, "true")
				f.Version = 0
				return f
			}(),
			wantErr: true,
		},
		{name: "unknown type", flag: activeFlag("x", ValueType("list"), "a"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flag.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
