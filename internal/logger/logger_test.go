package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chainguard-dev/clog"
)

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    Level
		expected string
	}{
		{"debug", LevelDebug, "DEBUG"},
		{"info", LevelInfo, "INFO"},
		{"warn", LevelWarn, "WARN"},
		{"error", LevelError, "ERROR"},
		{"unknown", Level(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.level.String() != tt.expected {
				t.Errorf("Level.String() = %q, want %q", tt.level.String(), tt.expected)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		wantErr  bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"  debug  ", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && level != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, closeFn, err := New(Options{Level: LevelInfo, Output: &buf})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	defer closeFn()

	l.Debugf("this should not appear")
	l.Infof("this should appear")

	output := buf.String()
	if strings.Contains(output, "this should not appear") {
		t.Errorf("Debug message should be filtered at INFO level")
	}
	if !strings.Contains(output, "this should appear") {
		t.Errorf("Info message should appear at INFO level, got: %s", output)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, closeFn, err := New(Options{Level: LevelDebug, Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	defer closeFn()

	l.With("kind", "issues").Infof("fetched %d records", 3)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("output is not a JSON record: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "fetched 3 records" {
		t.Errorf("msg = %v, want %q", entry["msg"], "fetched 3 records")
	}
	if entry["kind"] != "issues" {
		t.Errorf("kind = %v, want %q", entry["kind"], "issues")
	}
}

func TestUnknownFormat(t *testing.T) {
	if _, _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("New() expected error for unknown format, got nil")
	}
}

func TestLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghnotion.log")

	var buf bytes.Buffer
	l, closeFn, err := New(Options{Level: LevelInfo, Output: &buf, File: path})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}

	l.Warnf("written to both outputs")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to both outputs") {
		t.Errorf("log file missing message, got: %s", data)
	}
	if !strings.Contains(buf.String(), "written to both outputs") {
		t.Errorf("primary output missing message, got: %s", buf.String())
	}
}

func TestIntoCarriesLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx, closeFn, err := Into(context.Background(), Options{Level: LevelDebug, Output: &buf})
	if err != nil {
		t.Fatalf("Into() unexpected error: %v", err)
	}
	defer closeFn()

	clog.FromContext(ctx).Infof("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Errorf("context logger did not write to the configured output, got: %s", buf.String())
	}
}
