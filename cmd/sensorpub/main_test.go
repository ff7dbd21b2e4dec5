package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: sensorpub") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"launch"}, "unknown command"},
		{"unknown flag", []string{"-verbose"}, "unknown flag"},
		{"bad output", []string{"-o", "xml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/sensorpub.yaml", "serve"}, "sensorpub.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want mention of %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "sensorpub ") || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-o=json", "version"}); err != nil {
		t.Fatalf("json version error = %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json version output not JSON: %v\n%s", err, out.String())
	}
	if info["version"] == "" {
		t.Errorf("json version = %v", info)
	}
}

func TestRun_ServeRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("transport: carrier-pigeon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", path, "serve"})
	if err == nil || !strings.Contains(err.Error(), "transport") {
		t.Errorf("serve error = %v, want transport validation failure", err)
	}
}

// TestRun_ServeLifecycle starts the full simulator against an
// unreachable Kafka broker with default production off, then cancels
// the context and expects a clean return.
func TestRun_ServeLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
log_level: debug
transport: kafka
kafka:
  brokers: ["127.0.0.1:1"]
  topic: sensors
baseline:
  data_dir: %q
defaults:
  enabled: false
archive:
  enabled: true
  path: %q
control:
  address: 127.0.0.1
  port: 0
`, dir, filepath.Join(dir, "archive.db"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	var out syncBuffer
	go func() { errCh <- run(ctx, &out, &out, []string{"-config", path, "serve"}) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve returned %v\n%s", err, out.String())
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	if !strings.Contains(out.String(), "sensorpub stopped") {
		t.Errorf("log missing clean stop line:\n%s", out.String())
	}
}
