package schema

import (
	"encoding/json"
	"testing"
)

func TestValidate(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`)
	if err := Validate("test", schema, map[string]any{"name": "ok"}); err != nil {
		t.Fatalf("expected valid payload: %v", err)
	}
	if err := Validate("test", schema, map[string]any{"nope": "bad"}); err == nil {
		t.Fatalf("expected schema validation error")
	}
}

func TestValidateYAML(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{"ttl":{"type":"integer","minimum":0}},"required":["ttl"]}`)
	if err := ValidateYAML("policy", schema, []byte("ttl: 300\n")); err != nil {
		t.Fatalf("expected valid yaml: %v", err)
	}
	if err := ValidateYAML("policy", schema, []byte("ttl: -5\n")); err == nil {
		t.Fatalf("expected validation error for negative ttl")
	}
	if err := ValidateYAML("policy", schema, []byte("ttl: [broken\n")); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := ValidateYAML("policy", schema, nil); err != nil {
		t.Fatalf("expected empty payload to pass: %v", err)
	}
}

func TestNormalizeValue(t *testing.T) {
	data := json.RawMessage(`{"k":"v"}`)
	val, err := normalizeValue(data)
	if err != nil {
		t.Fatalf("normalize raw: %v", err)
	}
	m, ok := val.(map[string]any)
	if !ok || m["k"] != "v" {
		t.Fatalf("unexpected normalized value")
	}
	val, err = normalizeValue([]byte(`{"k":"v"}`))
	if err != nil {
		t.Fatalf("normalize bytes: %v", err)
	}
	if _, ok := val.(map[string]any); !ok {
		t.Fatalf("expected map from bytes")
	}
}

func TestValidateEmptySchema(t *testing.T) {
	if err := Validate("test", nil, nil); err == nil {
		t.Fatalf("expected error for empty schema")
	}
	if err := Validate("test", []byte{}, nil); err == nil {
		t.Fatalf("expected error for empty schema")
	}
}

func TestNormalizeValueInvalidJSON(t *testing.T) {
	if _, err := normalizeValue(json.RawMessage("{")); err == nil {
		t.Fatalf("expected error for invalid raw json")
	}
	if _, err := normalizeValue([]byte("{")); err == nil {
		t.Fatalf("expected error for invalid byte json")
	}
}

func TestSchemaIDDefault(t *testing.T) {
	if got := schemaID(""); got != "inmemory://schema" {
		t.Fatalf("unexpected schema id: %s", got)
	}
}
