package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeSettingsConfig writes a minimal config whose data directory
// points into the test's temp space, and returns its path.
func writeSettingsConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("data_dir: %q\n", filepath.Join(dir, "data"))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunSettings_SetGetList(t *testing.T) {
	cfgPath := writeSettingsConfig(t)

	var buf bytes.Buffer
	if err := runSettings(&buf, cfgPath, []string{"set", "broker_url", "mqtts://broker:8883"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	buf.Reset()
	if err := runSettings(&buf, cfgPath, []string{"get", "broker_url"}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "mqtts://broker:8883" {
		t.Errorf("get output = %q", got)
	}

	buf.Reset()
	if err := runSettings(&buf, cfgPath, []string{"list"}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(buf.String(), "broker_url=mqtts://broker:8883") {
		t.Errorf("list output = %q", buf.String())
	}
}

func TestRunSettings_Delete(t *testing.T) {
	cfgPath := writeSettingsConfig(t)

	var buf bytes.Buffer
	if err := runSettings(&buf, cfgPath, []string{"set", "username", "device1"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := runSettings(&buf, cfgPath, []string{"delete", "username"}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	buf.Reset()
	if err := runSettings(&buf, cfgPath, []string{"get", "username"}); err == nil {
		t.Error("get after delete succeeded, want error")
	}
}

func TestRunSettings_UsageErrors(t *testing.T) {
	cfgPath := writeSettingsConfig(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no subcommand", nil},
		{"get without key", []string{"get"}},
		{"set without value", []string{"set", "key"}},
		{"unknown subcommand", []string{"frobnicate"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := runSettings(&buf, cfgPath, tt.args); err == nil {
				t.Errorf("runSettings(%v) succeeded, want error", tt.args)
			}
		})
	}
}
