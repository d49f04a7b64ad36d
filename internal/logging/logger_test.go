package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chatsyncd.log")
	logger, err := New(path, "work", "debug")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("cache warmed")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line %q is not JSON: %v", line, err)
	}
	if entry["msg"] != "cache warmed" || entry["session"] != "work" || entry["ts"] == nil {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsyncd.log")
	logger, err := New(path, "main", "warn")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("ignored")
	_ = logger.Sync()

	data, _ := os.ReadFile(path)
	if len(data) != 0 {
		t.Errorf("log = %q, want nothing below warn", data)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "x.log"), "main", "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
