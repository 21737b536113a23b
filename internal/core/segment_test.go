package core

import "testing"

func TestSegmentMatches(t *testing.T) {
	seg := func(valueType ValueType, op Comparator, value string) Segment {
		return Segment{Name: "attr", Type: valueType, Comparator: op, Value: value, Active: true}
	}

	tests := []struct {
		name    string
		segment Segment
		input   any
		want    bool
	}{
		{name: "string equals", segment: seg(TypeString, OpEquals, "US"), input: "US", want: true},
		{name: "string equals mismatch", segment: seg(TypeString, OpEquals, "US"), input: "CA", want: false},
		{name: "string not equals", segment: seg(TypeString, OpNotEquals, "free"), input: "pro", want: true},
		{name: "int greater", segment: seg(TypeInt, OpGreater, "18"), input: 21, want: true},
		{name: "int greater from string", segment: seg(TypeInt, OpGreater, "18"), input: "17", want: false},
		{name: "int greater truncates float input", segment: seg(TypeInt, OpGreater, "18"), input: 18.9, want: false},
		{name: "int greater or equal", segment: seg(TypeInt, OpGreaterOrEqual, "18"), input: uint8(18), want: true},
		{name: "float less or equal", segment: seg(TypeFloat, OpLessOrEqual, "2.5"), input: 2.5, want: true},
		{name: "float less or equal mismatch", segment: seg(TypeFloat, OpLessOrEqual, "2.5"), input: "3", want: false},
		{name: "float less", segment: seg(TypeFloat, OpLess, "10"), input: int64(9), want: true},
		{name: "bool equals ignores case", segment: seg(TypeBool, OpEquals, "TRUE"), input: true, want: true},
		{name: "bool equals truthy string", segment: seg(TypeBool, OpEquals, "true"), input: "yes", want: true},
		{name: "bool equals mismatch", segment: seg(TypeBool, OpEquals, "true"), input: false, want: false},
		{name: "contains", segment: seg(TypeString, OpContains, "@acme"), input: "bob@acme.com", want: true},
		{name: "starts with", segment: seg(TypeString, OpStartsWith, "pro"), input: "professional", want: true},
		{name: "ends with", segment: seg(TypeString, OpEndsWith, ".io"), input: "example.com", want: false},
		{name: "regex", segment: seg(TypeString, OpRegex, `^u-[0-9]+$`), input: "u-123", want: true},
		{name: "regex mismatch", segment: seg(TypeString, OpRegex, `^u-[0-9]+$`), input: "u-abc", want: false},
		{name: "invalid regex", segment: seg(TypeString, OpRegex, "("), input: "(", want: false},
		{name: "in list", segment: seg(TypeString, OpIn, "US, CA ,MX"), input: "CA", want: true},
		{name: "in list mismatch", segment: seg(TypeString, OpIn, "US,CA"), input: "GB", want: false},
		{name: "in list of ints", segment: seg(TypeInt, OpIn, "1,2,3"), input: 2, want: true},
		{name: "in list skips bad elements", segment: seg(TypeInt, OpIn, "x,,3"), input: "3", want: true},
		{name: "inactive segment", segment: Segment{Name: "attr", Type: TypeString, Comparator: OpEquals, Value: "US"}, input: "US", want: false},
		{name: "unknown comparator", segment: seg(TypeString, Comparator("~="), "US"), input: "US", want: false},
		{name: "unparseable segment value", segment: seg(TypeInt, OpEquals, "abc"), input: 1, want: false},
		{name: "unparseable input", segment: seg(TypeInt, OpEquals, "1"), input: "xyz", want: false},
		{name: "nil input", segment: seg(TypeString, OpEquals, ""), input: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.segment.Matches(tt.input); got != tt.want {
				t.Fatalf("Matches(%#v) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCompiledPatternCachesByPattern(t *testing.T) {
	first, err := compiledPattern(`^cached-[a-z]+$`)
	if err != nil {
		t.Fatalf("compiledPattern() error = %v", err)
	}
	second, err := compiledPattern(`^cached-[a-z]+$`)
	if err != nil {
		t.Fatalf("compiledPattern() error = %v", err)
	}
	if first != second {
		t.Fatal("compiledPattern() returned a new regexp for a cached pattern")
	}
}
