package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5*time.Second, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]any
		checkFunc func(*testing.T, map[string]any)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: `result = 2 + 2`,
			checkFunc: func(t *testing.T, out map[string]any) {
				if out["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", out["result"])
				}
			},
		},
		{
			name:   "use input variables",
			script: `doubled = count * 2`,
			input:  map[string]any{"count": 5},
			checkFunc: func(t *testing.T, out map[string]any) {
				if out["doubled"] != int64(10) {
					t.Errorf("expected doubled=10, got %v", out["doubled"])
				}
			},
		},
		{
			name:   "whole JSON numbers are ints",
			script: `next_port = properties["port"] + 1`,
			input:  map[string]any{"properties": map[string]any{"port": float64(8080)}},
			checkFunc: func(t *testing.T, out map[string]any) {
				if out["next_port"] != int64(8081) {
					t.Errorf("expected next_port=8081, got %v (%T)", out["next_port"], out["next_port"])
				}
			},
		},
		{
			name: "functions and private names are not properties",
			script: `
def hosts(n):
    return ["web-%d" % i for i in range(n)]

_count = 3
web_hosts = hosts(_count)
`,
			checkFunc: func(t *testing.T, out map[string]any) {
				if len(out) != 1 {
					t.Fatalf("expected only web_hosts, got %v", out)
				}
				list, ok := out["web_hosts"].([]any)
				if !ok || len(list) != 3 || list[2] != "web-2" {
					t.Errorf("unexpected web_hosts: %v", out["web_hosts"])
				}
			},
		},
		{
			name:   "conditional on production",
			script: `replicas = 3 if production else 1`,
			input:  map[string]any{"production": true},
			checkFunc: func(t *testing.T, out map[string]any) {
				if out["replicas"] != int64(3) {
					t.Errorf("expected replicas=3, got %v", out["replicas"])
				}
			},
		},
		{
			name:   "struct and tuple results",
			script: `db = struct(host = environment + "-db", ports = (5432, 5433))`,
			input:  map[string]any{"environment": "staging"},
			checkFunc: func(t *testing.T, out map[string]any) {
				db, ok := out["db"].(map[string]any)
				if !ok {
					t.Fatalf("expected db to be a map, got %T", out["db"])
				}
				if db["host"] != "staging-db" {
					t.Errorf("unexpected host %v", db["host"])
				}
				if ports, ok := db["ports"].([]any); !ok || len(ports) != 2 {
					t.Errorf("unexpected ports %v", db["ports"])
				}
			},
		},
		{
			name:   "json module",
			script: `settings = json.decode(raw)`,
			input:  map[string]any{"raw": `{"feature": true}`},
			checkFunc: func(t *testing.T, out map[string]any) {
				settings, ok := out["settings"].(map[string]any)
				if !ok || settings["feature"] != true {
					t.Errorf("unexpected settings %v", out["settings"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  `x = (`,
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  `x = 1 // 0`,
			wantErr: true,
		},
		{
			name:    "load is not available",
			script:  `load("other.star", "x")`,
			wantErr: true,
		},
		{
			name:    "unsupported input",
			script:  `x = 1`,
			input:   map[string]any{"ch": make(chan int)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := evaluator.EvaluateProperties(ctx, tt.script, tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkFunc(t, out)
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100*time.Millisecond, zerolog.Nop())

	script := `
def spin():
    total = 0
    for i in range(1000000000):
        total += i
    return total

x = spin()
`
	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("script was not cancelled promptly")
	}
}

func TestStarlarkEvaluator_CallerCancel(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := evaluator.Evaluate(ctx, "def f():\n    for i in range(1000000000):\n        pass\n\nx = f()\n", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStarlarkEvaluator_Backtrace(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second, zerolog.Nop())

	_, err := evaluator.Evaluate(context.Background(), "def f():\n    return 1 // 0\n\nx = f()\n", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "properties.star") {
		t.Errorf("expected the script location in %q", err)
	}
}

func TestToStarlarkValueRoundTrip(t *testing.T) {
	in := map[string]any{
		"name":    "billing",
		"enabled": true,
		"ratio":   0.5,
		"tags":    []string{"a", "b"},
		"labels":  map[string]string{"team": "payments"},
		"nested":  map[string]any{"list": []any{int64(1), nil}},
	}

	sv, err := toStarlarkValue(in)
	if err != nil {
		t.Fatalf("toStarlarkValue failed: %v", err)
	}
	out, err := fromStarlarkValue(sv)
	if err != nil {
		t.Fatalf("fromStarlarkValue failed: %v", err)
	}

	m := out.(map[string]any)
	if m["name"] != "billing" || m["enabled"] != true || m["ratio"] != 0.5 {
		t.Errorf("unexpected scalars: %v", m)
	}
	if tags := m["tags"].([]any); len(tags) != 2 || tags[1] != "b" {
		t.Errorf("unexpected tags: %v", m["tags"])
	}
	if labels := m["labels"].(map[string]any); labels["team"] != "payments" {
		t.Errorf("unexpected labels: %v", m["labels"])
	}
	nested := m["nested"].(map[string]any)["list"].([]any)
	if nested[0] != int64(1) || nested[1] != nil {
		t.Errorf("unexpected nested list: %v", nested)
	}
}
