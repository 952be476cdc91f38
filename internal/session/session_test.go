package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orbital/constel/internal/protocol"
	"github.com/orbital/constel/internal/simagent"
)

func startAgent(t *testing.T, opts simagent.Options) string {
	t.Helper()
	srv := httptest.NewServer(simagent.New(opts).Handler())
	t.Cleanup(srv.Close)
	return srv.URL + "/session"
}

func dialTest(t *testing.T, cfg Config) (*Session, protocol.RegisterAckPayload) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, ack, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return s, ack
}

func TestDial_HandshakeSucceeds(t *testing.T) {
	url := startAgent(t, simagent.Options{
		SystemInfo: protocol.SystemInfo{Platform: "linux", SupportedFeatures: []string{"gui"}},
	})

	infoCh := make(chan protocol.SystemInfo, 1)
	s, ack := dialTest(t, Config{
		DeviceID:     "d1",
		ControllerID: "controller",
		URL:          url,
		OnDeviceInfo: func(info protocol.SystemInfo) { infoCh <- info },
	})
	defer s.Close("test done")

	if ack.Status != protocol.AckOK {
		t.Fatalf("ack status = %s", ack.Status)
	}
	if s.SessionID == "" {
		t.Fatal("no session id")
	}

	s.Start(context.Background())
	select {
	case info := <-infoCh:
		if info.Platform != "linux" {
			t.Fatalf("platform = %q", info.Platform)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no DEVICE_INFO after handshake")
	}
}

func TestDial_Rejection(t *testing.T) {
	url := startAgent(t, simagent.Options{RejectReason: "maintenance window"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := Dial(ctx, Config{DeviceID: "d1", ControllerID: "controller", URL: url})
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("err = %v, want ErrHandshakeRejected", err)
	}
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := Dial(ctx, Config{
		DeviceID: "d1", ControllerID: "controller",
		URL:              "ws://127.0.0.1:1/session",
		HandshakeTimeout: time.Second,
	})
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestSendTask_ResultRoundTrip(t *testing.T) {
	url := startAgent(t, simagent.Options{})

	resultCh := make(chan protocol.TaskResultPayload, 1)
	s, _ := dialTest(t, Config{
		DeviceID: "d1", ControllerID: "controller", URL: url,
		OnResult: func(p protocol.TaskResultPayload) { resultCh <- p },
	})
	defer s.Close("test done")
	s.Start(context.Background())

	err := s.SendTask(context.Background(), protocol.TaskDispatchPayload{
		TaskID:  "t1",
		Payload: json.RawMessage(`{"op":"noop"}`),
	})
	if err != nil {
		t.Fatalf("SendTask: %v", err)
	}

	select {
	case r := <-resultCh:
		if r.TaskID != "t1" || r.Status != protocol.ResultCompleted {
			t.Fatalf("result = %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no result")
	}
}

func TestSendCancel_YieldsCancelledResult(t *testing.T) {
	url := startAgent(t, simagent.Options{})

	resultCh := make(chan protocol.TaskResultPayload, 1)
	s, _ := dialTest(t, Config{
		DeviceID: "d1", ControllerID: "controller", URL: url,
		OnResult: func(p protocol.TaskResultPayload) { resultCh <- p },
	})
	defer s.Close("test done")
	s.Start(context.Background())

	if err := s.SendTask(context.Background(), protocol.TaskDispatchPayload{
		TaskID:  "t1",
		Payload: json.RawMessage(`{"op":"sleep","duration_ms":30000}`),
	}); err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	time.Sleep(100 * time.Millisecond) // let the agent start the task
	if err := s.SendCancel(context.Background(), "t1"); err != nil {
		t.Fatalf("SendCancel: %v", err)
	}

	select {
	case r := <-resultCh:
		if r.Status != protocol.ResultCancelled {
			t.Fatalf("status = %s, want CANCELLED", r.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no cancelled result")
	}
}

func TestPing_RecordsActivity(t *testing.T) {
	url := startAgent(t, simagent.Options{})

	var activity atomic.Int64
	s, _ := dialTest(t, Config{
		DeviceID: "d1", ControllerID: "controller", URL: url,
		OnActivity: func(time.Time) { activity.Add(1) },
	})
	defer s.Close("test done")
	s.Start(context.Background())

	// DEVICE_INFO after the handshake already counts as one frame; the
	// pong for an explicit ping adds another.
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for activity.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("activity = %d, want >= 2", activity.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestClose_FiresOnClosedOnce(t *testing.T) {
	url := startAgent(t, simagent.Options{})

	closedCh := make(chan error, 2)
	s, _ := dialTest(t, Config{
		DeviceID: "d1", ControllerID: "controller", URL: url,
		OnClosed: func(err error) { closedCh <- err },
	})
	s.Start(context.Background())
	s.Close("shutting down")

	select {
	case err := <-closedCh:
		if err != nil {
			t.Fatalf("close err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnClosed not fired")
	}
	select {
	case <-closedCh:
		t.Fatal("OnClosed fired twice")
	case <-time.After(200 * time.Millisecond):
	}
}
