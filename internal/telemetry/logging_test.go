package telemetry

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesJSONL(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("device registered", "device_id", "d1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"device_id":"d1"`) {
		t.Fatalf("missing attr in %q", line)
	}
	if !strings.Contains(line, `"timestamp"`) {
		t.Fatalf("time key not renamed in %q", line)
	}
}

func TestNewLogger_RedactsSensitiveKeys(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("handshake", "auth_token", "super-secret-value-12345")
	closer.Close()

	data, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if strings.Contains(string(data), "super-secret-value-12345") {
		t.Fatalf("secret leaked: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("debug") != slog.LevelDebug {
		t.Fatal("debug")
	}
	if parseLevel("WARN") != slog.LevelWarn {
		t.Fatal("warn")
	}
	if parseLevel("nonsense") != slog.LevelInfo {
		t.Fatal("default")
	}
}
