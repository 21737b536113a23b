package filesource

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/matt-riley/flagkit/internal/core"
)

const sampleYAML = `
flags:
  - name: new-checkout
    type: bool
    value: true
    rollout:
      percentage: 25
  - name: max-items
    type: int
    value: 50
    version: 3
    is_active: false
  - name: theme
    type: json
    value:
      color: dark
      size: 2
  - name: banner
    value: hello
    segments:
      - name: country
        comparator: in
        value: US,CA
`

func TestParse(t *testing.T) {
	flags, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(flags) != 4 {
		t.Fatalf("Parse() returned %d flags, want 4", len(flags))
	}

	checkout := flags[0]
	if checkout.Value != "true" || !checkout.Active || checkout.Version != 1 {
		t.Fatalf("new-checkout = %+v", checkout)
	}
	if checkout.Rollout != (core.Rollout{Percentage: 25, Sticky: true}) {
		t.Fatalf("new-checkout rollout = %+v", checkout.Rollout)
	}

	maxItems := flags[1]
	if maxItems.Value != "50" || maxItems.Active || maxItems.Version != 3 {
		t.Fatalf("max-items = %+v", maxItems)
	}
	if maxItems.Rollout != core.FullRollout {
		t.Fatalf("max-items rollout = %+v, want full rollout", maxItems.Rollout)
	}

	theme := flags[2]
	if theme.Value != `{"color":"dark","size":2}` {
		t.Fatalf("theme value = %q", theme.Value)
	}

	banner := flags[3]
	if banner.Type != core.TypeString {
		t.Fatalf("banner type = %q, want string", banner.Type)
	}
	if len(banner.Segments) != 1 || !banner.Segments[0].Active || banner.Segments[0].Type != core.TypeString {
		t.Fatalf("banner segments = %+v", banner.Segments)
	}
}

func TestParseJSON(t *testing.T) {
	flags, err := Parse([]byte(`{"flags":[{"name":"ratio","type":"float","value":0.5}]}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if flags[0].Value != "0.5" {
		t.Fatalf("ratio value = %q, want 0.5", flags[0].Value)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not yaml", doc: "flags: [unclosed"},
		{name: "no flags", doc: "flags: []"},
		{name: "missing name", doc: "flags:\n  - type: bool\n    value: true\n"},
		{name: "bad rollout", doc: "flags:\n  - name: x\n    rollout:\n      percentage: 150\n"},
		{name: "unknown type", doc: "flags:\n  - name: x\n    type: list\n"},
		{name: "duplicate", doc: "flags:\n  - name: x\n  - name: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Fatalf("Parse(%q) error = nil, want error", tt.doc)
			}
		})
	}
}

func TestParseEmptyDocument(t *testing.T) {
	if _, err := Parse([]byte("")); !errors.Is(err, ErrNoFlags) {
		t.Fatalf("Parse(\"\") error = %v, want ErrNoFlags", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	flags, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(flags) != 4 {
		t.Fatalf("Load() returned %d flags, want 4", len(flags))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load(missing) error = %v, want os.ErrNotExist", err)
	}
}
