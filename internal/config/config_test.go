package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatInterval.D() != 30*time.Second {
		t.Fatalf("heartbeat_interval = %s", cfg.HeartbeatInterval.D())
	}
	if cfg.HeartbeatTimeout.D() != 90*time.Second {
		t.Fatalf("heartbeat_timeout = %s", cfg.HeartbeatTimeout.D())
	}
	if cfg.ReconnectDelay.D() != 5*time.Second {
		t.Fatalf("reconnect_delay = %s", cfg.ReconnectDelay.D())
	}
	if cfg.DefaultMaxRetries != 5 {
		t.Fatalf("default_max_retries = %d", cfg.DefaultMaxRetries)
	}
	if cfg.CancelGrace.D() != 10*time.Second {
		t.Fatalf("cancel_grace = %s", cfg.CancelGrace.D())
	}
	if cfg.DispatchReadyPollInterval.D() != 100*time.Millisecond {
		t.Fatalf("dispatch_ready_poll_interval = %s", cfg.DispatchReadyPollInterval.D())
	}
	if cfg.EventBusSubscriberBuffer != 256 {
		t.Fatalf("event_bus_subscriber_buffer = %d", cfg.EventBusSubscriberBuffer)
	}
}

func TestLoad_ParsesDurationsAndDevices(t *testing.T) {
	home := t.TempDir()
	content := `
heartbeat_interval: 10s
heartbeat_timeout: 45s
reconnect_delay: 2s
devices:
  - device_id: d1
    server_url: ws://127.0.0.1:9001/session
    capabilities: [gui, office]
  - device_id: d2
    server_url: ws://127.0.0.1:9002/session
    max_retries: 3
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatInterval.D() != 10*time.Second {
		t.Fatalf("heartbeat_interval = %s", cfg.HeartbeatInterval.D())
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("devices = %d", len(cfg.Devices))
	}
	if cfg.Devices[0].Capabilities[1] != "office" {
		t.Fatalf("capabilities = %v", cfg.Devices[0].Capabilities)
	}
	if cfg.Devices[1].MaxRetries != 3 {
		t.Fatalf("max_retries = %d", cfg.Devices[1].MaxRetries)
	}
}

func TestLoad_RejectsBadTimeouts(t *testing.T) {
	home := t.TempDir()
	content := "heartbeat_interval: 30s\nheartbeat_timeout: 5s\n"
	os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o644)
	if _, err := Load(home); err == nil {
		t.Fatal("expected error for timeout < interval")
	}
}

func TestLoad_RejectsDuplicateDevices(t *testing.T) {
	home := t.TempDir()
	content := `
devices:
  - {device_id: d1, server_url: ws://a}
  - {device_id: d1, server_url: ws://b}
`
	os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o644)
	if _, err := Load(home); err == nil {
		t.Fatal("expected duplicate device error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONSTEL_HEARTBEAT_INTERVAL", "7s")
	t.Setenv("CONSTEL_HEARTBEAT_TIMEOUT", "21s")
	t.Setenv("CONSTEL_MAX_RETRIES", "9")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatInterval.D() != 7*time.Second {
		t.Fatalf("heartbeat_interval = %s", cfg.HeartbeatInterval.D())
	}
	if cfg.DefaultMaxRetries != 9 {
		t.Fatalf("default_max_retries = %d", cfg.DefaultMaxRetries)
	}
}

func TestWatcher_EmitsOnWrite(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "config.yaml")
	os.WriteFile(path, []byte("log_level: info\n"), 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the watcher a moment to attach before writing.
	time.Sleep(50 * time.Millisecond)
	os.WriteFile(path, []byte("log_level: debug\n"), 0o644)

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("path = %s", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := t.TempDir()
	cfg := Defaults()
	cfg.HeartbeatInterval = Duration(12 * time.Second)
	if err := Save(home, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.HeartbeatInterval.D() != 12*time.Second {
		t.Fatalf("round trip lost heartbeat_interval: %s", loaded.HeartbeatInterval.D())
	}
}
