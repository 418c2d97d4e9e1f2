package telemetry

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSONL(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("task created", "task_id", "t-1")
	_ = closer.Close()

	f, err := os.Open(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "task created" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatal("expected timestamp key")
	}
	if entry["component"] != "orchestrator" {
		t.Fatalf("unexpected component: %v", entry["component"])
	}
}

func TestLoggerRedactsSecretKeys(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("grant issued", "upload_token", "super-secret-value-1234")
	_ = closer.Close()

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "super-secret-value-1234") {
		t.Fatal("secret value leaked into log")
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Fatal("expected redaction marker")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
