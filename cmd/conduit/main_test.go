package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestParsePairs(t *testing.T) {
	pairs, err := parsePairs([]string{"A=1", "B=two=parts"})
	if err != nil {
		t.Fatal(err)
	}
	if pairs["A"] != "1" || pairs["B"] != "two=parts" {
		t.Errorf("pairs = %v", pairs)
	}

	if _, err := parsePairs([]string{"novalue"}); err == nil {
		t.Error("expected error for pair without =")
	}
	if _, err := parsePairs([]string{"=x"}); err == nil {
		t.Error("expected error for empty key")
	}
	if pairs, err := parsePairs(nil); err != nil || pairs != nil {
		t.Errorf("empty input should yield nil map, got %v, %v", pairs, err)
	}
}

func TestProvidersAddAndList(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "conduit.yaml")
	content := "providers:\n  path: " + filepath.Join(dir, "providers.yaml") + "\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	root := buildRootCmd()
	root.SetArgs([]string{"providers", "add",
		"--config", configPath,
		"--id", "search",
		"--transport", "streaming-http",
		"--url", "http://127.0.0.1:9999/rpc",
		"--disabled",
	})
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	if err := root.Execute(); err != nil {
		t.Fatalf("add failed: %v\n%s", err, buf.String())
	}

	root = buildRootCmd()
	buf.Reset()
	root.SetArgs([]string{"providers", "list", "--config", configPath})
	root.SetOut(&buf)
	root.SetErr(&buf)
	if err := root.Execute(); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("search")) {
		t.Errorf("list output missing added provider:\n%s", buf.String())
	}
}

func TestProvidersEnableDisable(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "conduit.yaml")
	content := "providers:\n  path: " + filepath.Join(dir, "providers.yaml") + "\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) error {
		root := buildRootCmd()
		root.SetArgs(args)
		var buf bytes.Buffer
		root.SetOut(&buf)
		root.SetErr(&buf)
		return root.Execute()
	}

	if err := run("providers", "add", "--config", configPath,
		"--id", "p", "--transport", "streaming-http", "--url", "http://127.0.0.1:1/rpc", "--disabled"); err != nil {
		t.Fatal(err)
	}
	if err := run("providers", "enable", "--config", configPath, "p"); err != nil {
		t.Fatal(err)
	}
	if err := run("providers", "disable", "--config", configPath, "p"); err != nil {
		t.Fatal(err)
	}
	if err := run("providers", "remove", "--config", configPath, "p"); err != nil {
		t.Fatal(err)
	}
	if err := run("providers", "enable", "--config", configPath, "ghost"); err == nil {
		t.Error("expected error enabling unknown provider")
	}
}
