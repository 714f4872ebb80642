package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"fatal", FATAL},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTextOutputFiltersAndOrdersFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(INFO, false)
	logger.SetOutput(&buf)

	logger.Debug("hidden")
	logger.WithField("unit", "u1").Info("claimed", Fields{"host": "a_0", "attempt": 2})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line should be filtered: %q", out)
	}
	if !strings.Contains(out, "INFO: claimed attempt=2 host=a_0 unit=u1") {
		t.Errorf("unexpected text line: %q", out)
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DEBUG, true)
	logger.SetOutput(&buf)

	logger.Warn("timeout", Fields{"unit": "u2"})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON line %q: %v", buf.String(), err)
	}
	if entry.Level != "WARN" || entry.Message != "timeout" || entry.Fields["unit"] != "u2" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestFileLoggerAndRotation(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(dir, "worker", "agent", INFO, false)
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	defer logger.Close()

	path := filepath.Join(dir, "worker", "agent.log")
	logger.Info(strings.Repeat("x", 256))

	if err := logger.RotateIfNeeded(64); err != nil {
		t.Fatalf("RotateIfNeeded() error = %v", err)
	}

	matches, _ := filepath.Glob(path + ".*")
	if len(matches) != 1 {
		t.Errorf("expected one rotated file, got %v", matches)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected fresh log file at %s: %v", path, err)
	}
}
