package validate

import (
	"encoding/json"
	"testing"
)

func TestTypeMatches(t *testing.T) {
	tests := []struct {
		declared string
		value    any
		want     bool
	}{
		{"string", "hello", true},
		{"string", 42, false},
		{"boolean", true, true},
		{"boolean", "true", false},
		{"integer", 7, true},
		{"integer", float64(7), true},
		{"integer", 7.5, false},
		{"number", 7.5, true},
		{"number", 7, true},
		{"number", "7", false},
		{"array", []any{1, 2}, true},
		{"array", []string{"a"}, true},
		{"array", "not array", false},
		{"array", nil, false},
		{"object", map[string]any{"a": 1}, true},
		{"object", []any{}, false},
		{"null", nil, true},
		{"", "anything goes", true},
	}

	for _, tt := range tests {
		if got := typeMatches(tt.declared, tt.value); got != tt.want {
			t.Errorf("typeMatches(%q, %#v) = %v, want %v", tt.declared, tt.value, got, tt.want)
		}
	}
}

func TestEnumContains(t *testing.T) {
	enum := []any{"fast", "slow"}
	if !enumContains(enum, "fast") {
		t.Error("fast should match")
	}
	if enumContains(enum, "medium") {
		t.Error("medium should not match")
	}
	// Numeric enums decoded as float64 must match programmatic ints.
	if !enumContains([]any{float64(1), float64(2)}, 1) {
		t.Error("int 1 should match float64 enum value")
	}
}

func TestParseParamSchema(t *testing.T) {
	s := parseParamSchema(json.RawMessage(`{
		"type":"object",
		"properties":{"mode":{"type":"string","enum":["a","b"]},"count":{"type":"integer"}},
		"required":["mode"]
	}`))
	if len(s.Properties) != 2 || len(s.Required) != 1 {
		t.Fatalf("parse = %+v", s)
	}
	if s.Properties["mode"].Type != "string" || len(s.Properties["mode"].Enum) != 2 {
		t.Errorf("mode prop = %+v", s.Properties["mode"])
	}
	if got := s.knownKeys(); len(got) != 2 || got[0] != "count" {
		t.Errorf("knownKeys = %v", got)
	}

	empty := parseParamSchema(nil)
	if len(empty.Properties) != 0 {
		t.Errorf("empty schema = %+v", empty)
	}
}

func TestCompiledSchemaCache(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"x":{"type":"string"}},"required":["x"]}`)

	first, err := compiledSchema(schema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	second, err := compiledSchema(schema)
	if err != nil {
		t.Fatalf("recompile: %v", err)
	}
	if first != second {
		t.Error("expected cached *jsonschema.Schema on second compile")
	}

	if err := first.Validate(map[string]any{"x": "ok"}); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
	if err := first.Validate(map[string]any{}); err == nil {
		t.Error("missing required key accepted")
	}
}
