package sweep

import (
	"sync"
	"testing"
	"time"

	"github.com/orbital/constel/internal/bus"
	"github.com/orbital/constel/internal/registry"
)

type fakeDisconnector struct {
	mu      sync.Mutex
	dropped []string
}

func (f *fakeDisconnector) ForceDisconnect(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, deviceID)
}

func idleDevice(t *testing.T, reg *registry.Registry, id string, heartbeatAge time.Duration) {
	t.Helper()
	if _, err := reg.Register(id, "ws://127.0.0.1:9000/session", registry.RegisterOptions{}); err != nil {
		t.Fatal(err)
	}
	for _, s := range []registry.DeviceStatus{
		registry.StatusConnecting, registry.StatusConnected, registry.StatusRegistering,
	} {
		if err := reg.UpdateStatus(id, s); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.SetIdle(id); err != nil {
		t.Fatal(err)
	}
	if err := reg.RecordHeartbeat(id, time.Now().Add(-heartbeatAge)); err != nil {
		t.Fatal(err)
	}
}

func TestSweepOnce_DropsOnlyStale(t *testing.T) {
	reg := registry.New(bus.New(), nil)
	idleDevice(t, reg, "fresh", time.Second)
	idleDevice(t, reg, "stale", 5*time.Minute)

	fd := &fakeDisconnector{}
	s, err := New(Config{
		Registry:         reg,
		Disconnector:     fd,
		HeartbeatTimeout: 90 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	swept := s.SweepOnce(time.Now())
	if len(swept) != 1 || swept[0] != "stale" {
		t.Fatalf("swept = %v", swept)
	}
}

func TestSweepOnce_IgnoresDisconnected(t *testing.T) {
	reg := registry.New(bus.New(), nil)
	idleDevice(t, reg, "d1", 10*time.Minute)
	if err := reg.UpdateStatus("d1", registry.StatusDisconnected); err != nil {
		t.Fatal(err)
	}

	fd := &fakeDisconnector{}
	s, _ := New(Config{Registry: reg, Disconnector: fd, HeartbeatTimeout: time.Second})
	if swept := s.SweepOnce(time.Now()); len(swept) != 0 {
		t.Fatalf("swept = %v", swept)
	}
}

func TestSweepOnce_SkipsZeroHeartbeat(t *testing.T) {
	reg := registry.New(bus.New(), nil)
	// Connected but never heartbeated: grace until the first frame.
	if _, err := reg.Register("d1", "ws://127.0.0.1:9000/session", registry.RegisterOptions{}); err != nil {
		t.Fatal(err)
	}
	reg.UpdateStatus("d1", registry.StatusConnecting)
	reg.UpdateStatus("d1", registry.StatusConnected)

	fd := &fakeDisconnector{}
	s, _ := New(Config{Registry: reg, Disconnector: fd, HeartbeatTimeout: time.Second})
	if swept := s.SweepOnce(time.Now()); len(swept) != 0 {
		t.Fatalf("swept = %v", swept)
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	reg := registry.New(bus.New(), nil)
	if _, err := New(Config{Registry: reg, Disconnector: &fakeDisconnector{}, Schedule: "not a schedule"}); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestNew_AcceptsEveryDescriptor(t *testing.T) {
	reg := registry.New(bus.New(), nil)
	if _, err := New(Config{Registry: reg, Disconnector: &fakeDisconnector{}, Schedule: "@every 90s"}); err != nil {
		t.Fatalf("New: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	reg := registry.New(bus.New(), nil)
	s, err := New(Config{Registry: reg, Disconnector: &fakeDisconnector{}, Schedule: "@every 1h"})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(t.Context())
	s.Stop()
}
