package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSeq_Monotonic(t *testing.T) {
	var s Seq
	last := int64(0)
	for range 100 {
		n := s.Next()
		if n <= last {
			t.Fatalf("sequence went backward: %d after %d", n, last)
		}
		last = n
	}
}

func TestNewAndDecodePayload(t *testing.T) {
	var s Seq
	msg, err := New(TypeTaskDispatch, "controller", s.Next(), TaskDispatchPayload{
		TaskID:               "t1",
		RequiredCapabilities: []string{"office"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if msg.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
	var p TaskDispatchPayload
	if err := DecodePayload(msg, &p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.TaskID != "t1" || p.RequiredCapabilities[0] != "office" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestReply_CorrelatesToRequest(t *testing.T) {
	var controller, device Seq
	req, _ := New(TypeHeartbeatPing, "controller", controller.Next(), HeartbeatPayload{Nonce: "n1"})
	resp, err := Reply(TypeHeartbeatPong, "d1", device.Next(), req, HeartbeatPayload{Nonce: "n1"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if resp.CorrelationID != req.MessageID {
		t.Fatalf("correlation_id = %d, want %d", resp.CorrelationID, req.MessageID)
	}
	if resp.TargetID != "controller" {
		t.Fatalf("target_id = %q", resp.TargetID)
	}
}

func TestValidateFrame_AcceptsWellFormedRegister(t *testing.T) {
	var s Seq
	msg, _ := New(TypeRegister, "d1", s.Next(), RegisterPayload{
		ClientID:   "d1",
		ClientType: ClientDevice,
		Platform:   "linux",
		SystemInfo: &SystemInfo{
			Platform:          "linux",
			CPUCount:          8,
			SupportedFeatures: []string{"gui", "cli"},
		},
	})
	raw, _ := json.Marshal(msg)
	got, err := ValidateFrame(raw)
	if err != nil {
		t.Fatalf("ValidateFrame: %v", err)
	}
	if got.Type != TypeRegister || got.ClientID != "d1" {
		t.Fatalf("envelope = %+v", got)
	}
}

func TestValidateFrame_RejectsUnknownType(t *testing.T) {
	raw := []byte(`{"type":"BOGUS","client_id":"d1","message_id":1,"timestamp":"2026-01-01T00:00:00Z"}`)
	if _, err := ValidateFrame(raw); err == nil {
		t.Fatal("expected unknown type error")
	} else if !strings.Contains(err.Error(), "unknown frame type") {
		t.Fatalf("wrong error: %v", err)
	}
}

func TestValidateFrame_RejectsMissingClientID(t *testing.T) {
	raw := []byte(`{"type":"HEARTBEAT_PING","message_id":1,"timestamp":"2026-01-01T00:00:00Z"}`)
	if _, err := ValidateFrame(raw); err == nil {
		t.Fatal("expected envelope validation error")
	}
}

func TestValidateFrame_RejectsEmptyRegisterClientID(t *testing.T) {
	raw := []byte(`{"type":"REGISTER","client_id":"d1","message_id":1,` +
		`"timestamp":"2026-01-01T00:00:00Z","payload":{"client_id":"","client_type":"DEVICE"}}`)
	if _, err := ValidateFrame(raw); err == nil {
		t.Fatal("expected payload validation error")
	}
}

func TestValidateFrame_RejectsBadResultStatus(t *testing.T) {
	raw := []byte(`{"type":"TASK_RESULT","client_id":"d1","message_id":2,` +
		`"timestamp":"2026-01-01T00:00:00Z","payload":{"task_id":"t1","status":"MAYBE"}}`)
	if _, err := ValidateFrame(raw); err == nil {
		t.Fatal("expected status enum error")
	}
}

func TestValidateFrame_RejectsMalformedJSON(t *testing.T) {
	if _, err := ValidateFrame([]byte(`{"type":`)); err == nil {
		t.Fatal("expected parse error")
	}
}
