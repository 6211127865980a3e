package config

import (
	"errors"
	"strings"
	"testing"

	"cuelang.org/go/cue"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	err := sr.RegisterSchema("manifest", "#Manifest", `
#Manifest: {
	name:    string & =~"^[a-z0-9-]+$"
	version: string
}
`)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("manifest")
	if !ok {
		t.Fatal("expected to find manifest schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	names := sr.ListSchemas()
	if strings.Join(names, ",") != "config,manifest" {
		t.Errorf("unexpected schema names %v", names)
	}
}

func TestSchemaRegistry_RegisterErrors(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "#Broken", `#Broken: {`); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("missing", "#Missing", `#Other: {}`); err == nil {
		t.Error("expected error for a missing definition")
	}
}

func TestSchemaRegistry_ValidateAgainstSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.RegisterSchema("manifest", "#Manifest", `
#Manifest: {
	name:    string & =~"^[a-z0-9-]+$"
	version: string
}
`); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		data    map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"name": "pkg-provider", "version": "1.0.0"}, false},
		{"bad name", map[string]any{"name": "Pkg Provider", "version": "1.0.0"}, true},
		{"missing version", map[string]any{"name": "pkg"}, true},
		{"extra field", map[string]any{"name": "pkg", "version": "1", "extra": true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema("manifest", tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := sr.ValidateAgainstSchema("nope", map[string]any{}); err == nil {
		t.Error("expected error for unknown schema")
	}
}

func TestConfigSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	valid := map[string]any{
		"instance": map[string]any{"id": "orch-1", "production": true},
		"engine":   map[string]any{"iteration_delay": "1m30s", "batch_size": 10},
		"workers": map[string]any{
			"executables": map[string]any{"default": "/usr/bin/deploy-runner"},
			"remote":      map[string]any{"host": "h", "user": "u", "port": 2222},
		},
		"telemetry": map[string]any{"anything": map[string]any{"goes": 1}},
	}
	if err := sr.ValidateAgainstSchema(ConfigSchema, valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	invalid := []struct {
		field string
		data  map[string]any
	}{
		{"engine.iteration_delay", map[string]any{"engine": map[string]any{"iteration_delay": "soon"}}},
		{"workers.remote.port", map[string]any{"workers": map[string]any{"remote": map[string]any{"host": "h", "user": "u", "port": 70000}}}},
	}
	for _, tt := range invalid {
		err := sr.ValidateAgainstSchema(ConfigSchema, tt.data)
		var verrs ValidationErrors
		if !errors.As(err, &verrs) {
			t.Fatalf("expected ValidationErrors for %s, got %v", tt.field, err)
		}
		if !verrs.Has(tt.field) {
			t.Errorf("expected an error for %s, got %v", tt.field, verrs)
		}
	}
}

func TestSchemaRegistry_Compile(t *testing.T) {
	sr := NewSchemaRegistry()

	val, err := sr.Compile(ConfigSchema, "deployd.cue", []byte(`engine: batch_size: 5`))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	n, err := val.LookupPath(cue.ParsePath("engine.batch_size")).Int64()
	if err != nil || n != 5 {
		t.Errorf("batch_size = %d, %v", n, err)
	}

	_, err = sr.Compile(ConfigSchema, "deployd.cue", []byte("engine: {\n\tbatch_size: \"five\"\n}\n"))
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if !verrs.Has("engine.batch_size") {
		t.Errorf("expected an error for batch_size, got %v", verrs)
	}
}

func TestValidationErrorFormatting(t *testing.T) {
	single := ValidationErrors{{File: "deployd.yaml", Line: 3, Column: 5, Field: "engine.batch_size", Message: "must be at least 1"}}
	if got := single.Error(); got != "deployd.yaml:3:5: engine.batch_size: must be at least 1" {
		t.Errorf("unexpected message %q", got)
	}

	multi := ValidationErrors{{Field: "a", Message: "x"}, {Message: "y"}}
	if got := multi.Error(); got != "2 configuration errors:\n  a: x\n  y" {
		t.Errorf("unexpected message %q", got)
	}
}
