package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/orbital/constel/internal/bus"
	"github.com/orbital/constel/internal/connmgr"
	"github.com/orbital/constel/internal/control"
	"github.com/orbital/constel/internal/dispatcher"
	"github.com/orbital/constel/internal/executor"
	"github.com/orbital/constel/internal/journal"
	"github.com/orbital/constel/internal/protocol"
	"github.com/orbital/constel/internal/registry"
	"github.com/orbital/constel/internal/simagent"
)

type testEnv struct {
	srv      *httptest.Server
	agentURL string
}

func newEnv(t *testing.T, authToken string) *testEnv {
	return newEnvWithJournal(t, authToken, nil)
}

func newEnvWithJournal(t *testing.T, authToken string, j *journal.Journal) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	agent := simagent.New(simagent.Options{
		SystemInfo: protocol.SystemInfo{Platform: "linux", SupportedFeatures: []string{"gui", "office"}},
	})
	agentSrv := httptest.NewServer(agent.Handler())
	t.Cleanup(agentSrv.Close)

	b := bus.New()
	reg := registry.New(b, nil)
	exec := executor.New(executor.Config{
		Registry:          reg,
		Dispatcher:        dispatcher.New(reg, nil),
		Bus:               b,
		ReadyPollInterval: 20 * time.Millisecond,
	})
	mgr := connmgr.New(connmgr.Config{
		Registry:          reg,
		ControllerID:      "controller",
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  5 * time.Second,
		OnResult:          exec.HandleResult,
		OnDeviceLost:      exec.HandleDeviceLost,
		OnDeviceIdle:      exec.HandleDeviceIdle,
	})
	t.Cleanup(mgr.Shutdown)
	exec.SetClient(mgr)

	if j != nil {
		go j.Consume(ctx, b)
	}

	api := control.New(ctx, control.Config{Registry: reg, Executor: exec, Manager: mgr, Bus: b})
	gw := New(Config{API: api, Bus: b, Journal: j, AuthToken: authToken})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, agentURL: agentSrv.URL + "/session"}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (e *testEnv) registerAndConnect(t *testing.T, deviceID string) {
	t.Helper()
	resp := e.post(t, "/api/devices", map[string]any{
		"device_id":    deviceID,
		"server_url":   e.agentURL,
		"auto_connect": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	deadline := time.After(5 * time.Second)
	for {
		r, err := http.Get(e.srv.URL + "/api/devices?connected=true")
		if err != nil {
			t.Fatal(err)
		}
		devices := decode[[]map[string]any](t, r)
		idle := false
		for _, d := range devices {
			if d["device_id"] == deviceID && d["status"] == "IDLE" {
				idle = true
			}
		}
		if idle {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("device %s never idle", deviceID)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestHealthz(t *testing.T) {
	env := newEnv(t, "")
	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body := decode[map[string]any](t, resp)
	if body["healthy"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestAuth_RejectsWithoutToken(t *testing.T) {
	env := newEnv(t, "sesame")
	resp, err := http.Get(env.srv.URL + "/api/devices")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/devices", nil)
	req.Header.Set("Authorization", "Bearer sesame")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d", resp2.StatusCode)
	}
}

func TestSubmitConstellation_EndToEnd(t *testing.T) {
	env := newEnv(t, "")
	env.registerAndConnect(t, "d1")

	resp := env.post(t, "/api/constellations", map[string]any{
		"name": "demo",
		"tasks": []map[string]any{
			{"task_id": "t1", "required_capabilities": []string{"office"}, "payload": map[string]string{"op": "noop"}},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	created := decode[map[string]string](t, resp)
	id := created["constellation_id"]
	if id == "" {
		t.Fatal("no constellation_id assigned")
	}

	deadline := time.After(10 * time.Second)
	for {
		r, err := http.Get(env.srv.URL + "/api/constellations/" + id)
		if err != nil {
			t.Fatal(err)
		}
		view := decode[map[string]any](t, r)
		if view["state"] == "COMPLETED" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("constellation stuck in %v", view["state"])
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestSubmitConstellation_RejectsCycle(t *testing.T) {
	env := newEnv(t, "")
	resp := env.post(t, "/api/constellations", map[string]any{
		"name": "cyclic",
		"tasks": []map[string]any{
			{"task_id": "a"}, {"task_id": "b"},
		},
		"edges": []map[string]string{
			{"from": "a", "to": "b"},
			{"from": "b", "to": "a"},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSubmitConstellation_RejectsConditionalEdge(t *testing.T) {
	env := newEnv(t, "")
	resp := env.post(t, "/api/constellations", map[string]any{
		"name": "conditional",
		"tasks": []map[string]any{
			{"task_id": "a"}, {"task_id": "b"},
		},
		"edges": []map[string]string{
			{"from": "a", "to": "b", "kind": "CONDITIONAL"},
		},
	})
	body := decode[map[string]string](t, resp)
	if !strings.Contains(body["error"], "conditional") {
		t.Fatalf("error = %q", body["error"])
	}
}

func TestCancelConstellation(t *testing.T) {
	env := newEnv(t, "")
	env.registerAndConnect(t, "d1")

	resp := env.post(t, "/api/constellations", map[string]any{
		"name": "slow",
		"tasks": []map[string]any{
			{"task_id": "t1", "required_capabilities": []string{"gui"}, "payload": map[string]any{"op": "sleep", "duration_ms": 60000}},
		},
	})
	created := decode[map[string]string](t, resp)
	id := created["constellation_id"]

	// Give it a moment to dispatch before cancelling.
	time.Sleep(200 * time.Millisecond)
	cResp := env.post(t, fmt.Sprintf("/api/constellations/%s/cancel", id), nil)
	cResp.Body.Close()
	if cResp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", cResp.StatusCode)
	}

	deadline := time.After(10 * time.Second)
	for {
		r, _ := http.Get(env.srv.URL + "/api/constellations/" + id)
		view := decode[map[string]any](t, r)
		if view["state"] == "FAILED" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state = %v after cancel", view["state"])
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWS_StreamsEvents(t *testing.T) {
	env := newEnv(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, env.srv.URL+"/ws?prefix=device.", nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	env.registerAndConnect(t, "d1")

	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	topic, _ := frame["topic"].(string)
	if !strings.HasPrefix(topic, "device.") {
		t.Fatalf("topic = %q", topic)
	}
}

func TestJournalEndpoints(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	env := newEnvWithJournal(t, "", j)
	env.registerAndConnect(t, "d1")

	resp := env.post(t, "/api/constellations", map[string]any{
		"name": "journalled",
		"tasks": []map[string]any{
			{"task_id": "t1", "required_capabilities": []string{"gui"}, "payload": map[string]string{"op": "noop"}},
		},
	})
	created := decode[map[string]string](t, resp)
	id := created["constellation_id"]

	// The journal consumer runs behind the bus; poll until the outcome
	// lands, then read both endpoints.
	deadline := time.After(10 * time.Second)
	for {
		r, err := http.Get(env.srv.URL + "/api/journal/outcomes/" + id)
		if err != nil {
			t.Fatal(err)
		}
		outcomes := decode[[]map[string]any](t, r)
		if len(outcomes) == 1 && outcomes[0]["status"] == "COMPLETED" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("outcome never journalled: %v", outcomes)
		case <-time.After(20 * time.Millisecond):
		}
	}

	r, err := http.Get(env.srv.URL + "/api/journal/events?limit=10")
	if err != nil {
		t.Fatal(err)
	}
	events := decode[[]map[string]any](t, r)
	if len(events) == 0 {
		t.Fatal("no journalled events returned")
	}
}

func TestJournalEndpoints_DisabledReturns404(t *testing.T) {
	env := newEnv(t, "")
	resp, err := http.Get(env.srv.URL + "/api/journal/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRegisterDevice_Conflict(t *testing.T) {
	env := newEnv(t, "")
	r1 := env.post(t, "/api/devices", map[string]any{"device_id": "d1", "server_url": env.agentURL})
	r1.Body.Close()
	r2 := env.post(t, "/api/devices", map[string]any{"device_id": "d1", "server_url": env.agentURL})
	defer r2.Body.Close()
	if r2.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", r2.StatusCode)
	}
}
