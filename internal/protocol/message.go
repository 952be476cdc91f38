// Package protocol defines the framed wire protocol spoken between the
// controller and device agents: one JSON object per frame over a duplex
// stream, carrying a typed envelope and a type-specific payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// MessageType enumerates the frame kinds on the wire.
type MessageType string

const (
	TypeRegister      MessageType = "REGISTER"
	TypeRegisterAck   MessageType = "REGISTER_ACK"
	TypeRegisterNack  MessageType = "REGISTER_NACK"
	TypeDeviceInfo    MessageType = "DEVICE_INFO"
	TypeTaskDispatch  MessageType = "TASK_DISPATCH"
	TypeTaskResult    MessageType = "TASK_RESULT"
	TypeTaskCancel    MessageType = "TASK_CANCEL"
	TypeHeartbeatPing MessageType = "HEARTBEAT_PING"
	TypeHeartbeatPong MessageType = "HEARTBEAT_PONG"
	TypeError         MessageType = "ERROR"
	TypeClose         MessageType = "CLOSE"
)

// knownTypes gates envelope validation; an unknown type is a protocol error.
var knownTypes = map[MessageType]struct{}{
	TypeRegister: {}, TypeRegisterAck: {}, TypeRegisterNack: {},
	TypeDeviceInfo: {}, TypeTaskDispatch: {}, TypeTaskResult: {},
	TypeTaskCancel: {}, TypeHeartbeatPing: {}, TypeHeartbeatPong: {},
	TypeError: {}, TypeClose: {},
}

// KnownType reports whether t is a valid frame type.
func KnownType(t MessageType) bool {
	_, ok := knownTypes[t]
	return ok
}

// ClientType identifies what kind of peer is registering.
type ClientType string

const (
	ClientDevice        ClientType = "DEVICE"
	ClientConstellation ClientType = "CONSTELLATION"
)

// Message is the frame envelope. MessageID is unique and monotonically
// non-decreasing per sender session; CorrelationID echoes the MessageID of
// the originating request on replies.
type Message struct {
	Type          MessageType     `json:"type"`
	ClientID      string          `json:"client_id"`
	TargetID      string          `json:"target_id,omitempty"`
	MessageID     int64           `json:"message_id"`
	CorrelationID int64           `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Seq hands out per-session message IDs. The zero value is ready to use.
type Seq struct {
	n atomic.Int64
}

// Next returns the next message ID.
func (s *Seq) Next() int64 {
	return s.n.Add(1)
}

// New builds a frame with the given sequence number and a marshaled payload.
func New(t MessageType, clientID string, messageID int64, payload any) (Message, error) {
	msg := Message{
		Type:      t,
		ClientID:  clientID,
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Reply builds a frame correlated to an inbound request.
func Reply(t MessageType, clientID string, messageID int64, req Message, payload any) (Message, error) {
	msg, err := New(t, clientID, messageID, payload)
	if err != nil {
		return Message{}, err
	}
	msg.CorrelationID = req.MessageID
	msg.TargetID = req.ClientID
	return msg, nil
}

// DecodePayload unmarshals a frame's payload into dst.
func DecodePayload(msg Message, dst any) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return nil
}
