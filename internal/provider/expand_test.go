package provider

import (
	"strings"
	"testing"
)

func lookupFrom(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestExpandString_Required(t *testing.T) {
	lookup := lookupFrom(map[string]string{"API_KEY": "secret"})

	got, err := expandString("Bearer ${API_KEY}", lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Bearer secret" {
		t.Errorf("got %q", got)
	}
}

func TestExpandString_RequiredMissing(t *testing.T) {
	_, err := expandString("Bearer ${API_KEY}", lookupFrom(nil))
	if err == nil {
		t.Fatal("expected error for unset required placeholder")
	}
	if !strings.Contains(err.Error(), "API_KEY") {
		t.Errorf("error should name the variable: %v", err)
	}
}

func TestExpandString_DefaultFallback(t *testing.T) {
	got, err := expandString("${HOST:-localhost}:${PORT:-8080}", lookupFrom(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "localhost:8080" {
		t.Errorf("got %q", got)
	}
}

func TestExpandString_DefaultOverridden(t *testing.T) {
	got, err := expandString("${HOST:-localhost}", lookupFrom(map[string]string{"HOST": "example.com"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "example.com" {
		t.Errorf("got %q", got)
	}
}

func TestExpandString_EmptyValueBeatsDefault(t *testing.T) {
	got, err := expandString("${HOST:-fallback}", lookupFrom(map[string]string{"HOST": ""}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("set-but-empty should win over the default, got %q", got)
	}
}

func TestExpandString_NoPlaceholders(t *testing.T) {
	got, err := expandString("plain text", lookupFrom(nil))
	if err != nil || got != "plain text" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestConfigExpanded(t *testing.T) {
	cfg := &Config{
		ID:        "svc",
		Transport: TransportSubprocess,
		Command:   "${TOOL_BIN}",
		Args:      []string{"--token", "${TOOL_TOKEN:-anon}"},
		Env:       map[string]string{"HOME_DIR": "${TOOL_HOME:-/tmp}"},
	}

	resolved, err := cfg.expanded(lookupFrom(map[string]string{"TOOL_BIN": "/usr/bin/tool"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resolved.Command != "/usr/bin/tool" {
		t.Errorf("command = %q", resolved.Command)
	}
	if resolved.Args[1] != "anon" {
		t.Errorf("args[1] = %q", resolved.Args[1])
	}
	if resolved.Env["HOME_DIR"] != "/tmp" {
		t.Errorf("env = %q", resolved.Env["HOME_DIR"])
	}

	// The original keeps its raw placeholders for persistence.
	if cfg.Command != "${TOOL_BIN}" {
		t.Errorf("original mutated: %q", cfg.Command)
	}
}

func TestConfigExpanded_MissingRequired(t *testing.T) {
	cfg := &Config{
		ID:        "svc",
		Transport: TransportStreamingHTTP,
		URL:       "${SVC_URL}",
	}

	if _, err := cfg.expanded(lookupFrom(nil)); err == nil {
		t.Fatal("expected error for unresolved required placeholder")
	}
}
