package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orbital/constel/internal/bus"
	"github.com/orbital/constel/internal/connmgr"
	"github.com/orbital/constel/internal/constellation"
	"github.com/orbital/constel/internal/dispatcher"
	"github.com/orbital/constel/internal/executor"
	"github.com/orbital/constel/internal/protocol"
	"github.com/orbital/constel/internal/registry"
	"github.com/orbital/constel/internal/simagent"
)

// newStack wires the whole control plane against real WebSocket device
// agents, the way main does.
func newStack(t *testing.T) (*API, *bus.Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.New()
	reg := registry.New(b, nil)
	exec := executor.New(executor.Config{
		Registry:          reg,
		Dispatcher:        dispatcher.New(reg, nil),
		Bus:               b,
		CancelGrace:       500 * time.Millisecond,
		ReadyPollInterval: 20 * time.Millisecond,
	})
	mgr := connmgr.New(connmgr.Config{
		Registry:          reg,
		ControllerID:      "controller",
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  5 * time.Second,
		ReconnectDelay:    50 * time.Millisecond,
		OnResult:          exec.HandleResult,
		OnDeviceLost:      exec.HandleDeviceLost,
		OnDeviceIdle:      exec.HandleDeviceIdle,
	})
	t.Cleanup(mgr.Shutdown)
	exec.SetClient(mgr)

	return New(ctx, Config{
		Registry: reg,
		Executor: exec,
		Manager:  mgr,
		Bus:      b,
	}), b
}

func startAgent(t *testing.T, opts simagent.Options) string {
	t.Helper()
	srv := httptest.NewServer(simagent.New(opts).Handler())
	t.Cleanup(srv.Close)
	return srv.URL + "/session"
}

func waitDeviceStatus(t *testing.T, api *API, deviceID string, want registry.DeviceStatus) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		p, err := api.GetDevice(deviceID)
		if err == nil && p.Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("device %s never reached %s (now %s)", deviceID, want, p.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitConstellationState(t *testing.T, api *API, id string, want constellation.State) constellation.TaskConstellation {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		snap, err := api.GetConstellationStatus(id)
		if err != nil {
			t.Fatalf("GetConstellationStatus: %v", err)
		}
		if snap.State == want {
			return snap
		}
		select {
		case <-deadline:
			t.Fatalf("constellation %s never reached %s (now %s)", id, want, snap.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEndToEnd_SingleTask(t *testing.T) {
	api, _ := newStack(t)
	url := startAgent(t, simagent.Options{
		SystemInfo: protocol.SystemInfo{Platform: "linux", SupportedFeatures: []string{"gui", "office"}},
	})

	deviceID, err := api.RegisterDevice(DeviceConfig{
		DeviceID:    "d1",
		ServerURL:   url,
		AutoConnect: true,
	})
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	waitDeviceStatus(t, api, deviceID, registry.StatusIdle)

	id, err := api.SubmitConstellation(&constellation.TaskConstellation{
		Name: "single",
		Tasks: map[string]*constellation.TaskStar{
			"t1": {
				TaskID:               "t1",
				Name:                 "noop",
				RequiredCapabilities: []string{"office"},
				Payload:              json.RawMessage(`{"op":"noop"}`),
				MaxAttempts:          1,
			},
		},
	})
	if err != nil {
		t.Fatalf("SubmitConstellation: %v", err)
	}

	snap := waitConstellationState(t, api, id, constellation.StateCompleted)
	if snap.Tasks["t1"].Status != constellation.TaskCompleted {
		t.Fatalf("t1 = %s", snap.Tasks["t1"].Status)
	}

	p, _ := api.GetDevice(deviceID)
	if p.Status != registry.StatusIdle || p.CurrentTaskID != "" {
		t.Fatalf("device not idle after run: %+v", p)
	}
}

func TestEndToEnd_SuccessOnlyCascadeOverWire(t *testing.T) {
	api, _ := newStack(t)
	url := startAgent(t, simagent.Options{
		SystemInfo: protocol.SystemInfo{SupportedFeatures: []string{"gui"}},
	})
	if _, err := api.RegisterDevice(DeviceConfig{DeviceID: "d1", ServerURL: url, AutoConnect: true}); err != nil {
		t.Fatal(err)
	}
	waitDeviceStatus(t, api, "d1", registry.StatusIdle)

	fail := json.RawMessage(`{"op":"fail","message":"broken"}`)
	id, err := api.SubmitConstellation(&constellation.TaskConstellation{
		Name: "cascade",
		Tasks: map[string]*constellation.TaskStar{
			"a": {TaskID: "a", RequiredCapabilities: []string{"gui"}, Payload: fail, MaxAttempts: 1},
			"b": {TaskID: "b", RequiredCapabilities: []string{"gui"}, MaxAttempts: 1},
			"c": {TaskID: "c", RequiredCapabilities: []string{"gui"}, MaxAttempts: 1},
		},
		Edges: []constellation.TaskStarLine{
			{FromTaskID: "a", ToTaskID: "b", Kind: constellation.EdgeSuccessOnly},
			{FromTaskID: "b", ToTaskID: "c", Kind: constellation.EdgeSuccessOnly},
		},
	})
	if err != nil {
		t.Fatalf("SubmitConstellation: %v", err)
	}

	snap := waitConstellationState(t, api, id, constellation.StateFailed)
	if snap.Tasks["b"].Status != constellation.TaskCancelled || snap.Tasks["c"].Status != constellation.TaskCancelled {
		t.Fatalf("cascade: b=%s c=%s", snap.Tasks["b"].Status, snap.Tasks["c"].Status)
	}
}

func TestSubmit_InvalidConstellation(t *testing.T) {
	api, _ := newStack(t)
	_, err := api.SubmitConstellation(&constellation.TaskConstellation{
		Name: "bad",
		Tasks: map[string]*constellation.TaskStar{
			"a": {TaskID: "a"},
		},
		Edges: []constellation.TaskStarLine{
			{FromTaskID: "a", ToTaskID: "missing", Kind: constellation.EdgeUnconditional},
		},
	})
	if !errors.Is(err, constellation.ErrInvalidConstellation) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubscribe_StreamsLifecycleEvents(t *testing.T) {
	api, _ := newStack(t)
	sub := api.Subscribe("device.")
	defer api.Unsubscribe(sub)

	url := startAgent(t, simagent.Options{})
	if _, err := api.RegisterDevice(DeviceConfig{DeviceID: "d1", ServerURL: url}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicDeviceRegistered {
			t.Fatalf("topic = %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no registration event")
	}
}

func TestDeregisterDevice(t *testing.T) {
	api, _ := newStack(t)
	url := startAgent(t, simagent.Options{})
	if _, err := api.RegisterDevice(DeviceConfig{DeviceID: "d1", ServerURL: url, AutoConnect: true}); err != nil {
		t.Fatal(err)
	}
	waitDeviceStatus(t, api, "d1", registry.StatusIdle)

	if err := api.DeregisterDevice("d1"); err != nil {
		t.Fatalf("DeregisterDevice: %v", err)
	}
	if _, err := api.GetDevice("d1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestDisconnectDevice_UnknownDevice(t *testing.T) {
	api, _ := newStack(t)
	if err := api.DisconnectDevice("ghost"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
