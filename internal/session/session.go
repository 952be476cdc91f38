// Package session implements the controller side of one device session:
// the framed protocol over a WebSocket stream, the registration handshake,
// keepalive pings, and the receive loop that feeds results and telemetry
// back to the control plane.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/orbital/constel/internal/protocol"
)

// ErrHandshakeRejected means the device agent answered REGISTER with a
// NACK or an ERROR-status ACK.
var ErrHandshakeRejected = errors.New("registration rejected")

// ErrProtocol marks violations that are fatal to the session; the device
// is not reconnected automatically after one of these.
var ErrProtocol = errors.New("protocol error")

// Config wires a session to its owner.
type Config struct {
	// DeviceID is the remote device this session serves.
	DeviceID string
	// ControllerID is this controller's client_id on the wire.
	ControllerID string
	// URL is the device agent's endpoint.
	URL string

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration

	Logger *slog.Logger

	// OnActivity fires for every inbound frame; the heartbeat supervisor
	// treats any frame as liveness.
	OnActivity func(at time.Time)
	// OnResult fires for each TASK_RESULT frame.
	OnResult func(p protocol.TaskResultPayload)
	// OnDeviceInfo fires for each DEVICE_INFO telemetry frame.
	OnDeviceInfo func(info protocol.SystemInfo)
	// OnClosed fires exactly once when the receive loop exits. err is nil
	// for an orderly CLOSE, ErrProtocol-wrapped for protocol violations.
	OnClosed func(err error)
}

// Session is one live device connection. All writes are serialized; the
// receive loop runs on its own goroutine after Start.
type Session struct {
	cfg  Config
	conn *websocket.Conn

	// SessionID is locally generated, then replaced by a server-assigned
	// ID if the REGISTER_ACK carries one.
	SessionID string

	seq     protocol.Seq
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	wg sync.WaitGroup
}

// Dial opens a stream to cfg.URL and runs the registration handshake.
// It returns the live session and the agent's ACK payload. The caller must
// call Start to begin the receive and keepalive loops, and Close when done.
func Dial(ctx context.Context, cfg Config) (*Session, protocol.RegisterAckPayload, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, cfg.URL, nil)
	if err != nil {
		return nil, protocol.RegisterAckPayload{}, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	s := &Session{
		cfg:       cfg,
		conn:      conn,
		SessionID: uuid.NewString(),
		closed:    make(chan struct{}),
	}

	ack, err := s.handshake(dialCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, protocol.RegisterAckPayload{}, err
	}
	if ack.SessionID != "" {
		s.SessionID = ack.SessionID
	}
	return s, ack, nil
}

// handshake sends REGISTER and reads frames until ACK or NACK. Keepalive
// frames arriving early are answered; anything else is a protocol error.
func (s *Session) handshake(ctx context.Context) (protocol.RegisterAckPayload, error) {
	reg, err := protocol.New(protocol.TypeRegister, s.cfg.ControllerID, s.seq.Next(), protocol.RegisterPayload{
		ClientID:   s.cfg.DeviceID,
		ClientType: protocol.ClientDevice,
	})
	if err != nil {
		return protocol.RegisterAckPayload{}, err
	}
	reg.TargetID = s.cfg.DeviceID
	if err := s.write(ctx, reg); err != nil {
		return protocol.RegisterAckPayload{}, fmt.Errorf("send REGISTER: %w", err)
	}

	for {
		msg, err := s.readFrame(ctx)
		if err != nil {
			return protocol.RegisterAckPayload{}, fmt.Errorf("await REGISTER_ACK: %w", err)
		}
		switch msg.Type {
		case protocol.TypeRegisterAck:
			var ack protocol.RegisterAckPayload
			if err := protocol.DecodePayload(msg, &ack); err != nil {
				return protocol.RegisterAckPayload{}, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			if ack.Status != protocol.AckOK {
				return ack, fmt.Errorf("%w: %s", ErrHandshakeRejected, ack.Reason)
			}
			return ack, nil
		case protocol.TypeRegisterNack:
			var nack protocol.RegisterNackPayload
			_ = protocol.DecodePayload(msg, &nack)
			return protocol.RegisterAckPayload{}, fmt.Errorf("%w: %s", ErrHandshakeRejected, nack.Reason)
		case protocol.TypeHeartbeatPing:
			s.answerPing(ctx, msg)
		default:
			return protocol.RegisterAckPayload{}, fmt.Errorf("%w: unexpected %s during handshake", ErrProtocol, msg.Type)
		}
	}
}

// Start launches the receive and keepalive loops.
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.receiveLoop(ctx)
	go s.pingLoop(ctx)
}

// SendTask emits a TASK_DISPATCH frame.
func (s *Session) SendTask(ctx context.Context, p protocol.TaskDispatchPayload) error {
	msg, err := protocol.New(protocol.TypeTaskDispatch, s.cfg.ControllerID, s.seq.Next(), p)
	if err != nil {
		return err
	}
	msg.TargetID = s.cfg.DeviceID
	return s.write(ctx, msg)
}

// SendCancel emits a TASK_CANCEL frame.
func (s *Session) SendCancel(ctx context.Context, taskID string) error {
	msg, err := protocol.New(protocol.TypeTaskCancel, s.cfg.ControllerID, s.seq.Next(), protocol.TaskCancelPayload{TaskID: taskID})
	if err != nil {
		return err
	}
	msg.TargetID = s.cfg.DeviceID
	return s.write(ctx, msg)
}

// Ping emits a HEARTBEAT_PING frame.
func (s *Session) Ping(ctx context.Context) error {
	msg, err := protocol.New(protocol.TypeHeartbeatPing, s.cfg.ControllerID, s.seq.Next(), protocol.HeartbeatPayload{Nonce: uuid.NewString()})
	if err != nil {
		return err
	}
	msg.TargetID = s.cfg.DeviceID
	return s.write(ctx, msg)
}

// Close sends a best-effort CLOSE frame, closes the stream, and waits for
// the loops to exit.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if msg, err := protocol.New(protocol.TypeClose, s.cfg.ControllerID, s.seq.Next(), protocol.ClosePayload{Reason: reason}); err == nil {
			_ = s.write(ctx, msg)
		}
		close(s.closed)
		_ = s.conn.Close(websocket.StatusNormalClosure, reason)
	})
	s.wg.Wait()
}

// Done is closed when the session has been told to shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) write(ctx context.Context, msg protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsjson.Write(ctx, s.conn, msg)
}

// readFrame reads and validates one inbound frame.
func (s *Session) readFrame(ctx context.Context) (protocol.Message, error) {
	var raw json.RawMessage
	if err := wsjson.Read(ctx, s.conn, &raw); err != nil {
		return protocol.Message{}, err
	}
	msg, err := protocol.ValidateFrame(raw)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return msg, nil
}

func (s *Session) receiveLoop(ctx context.Context) {
	defer s.wg.Done()
	var closeErr error
	defer func() {
		if s.cfg.OnClosed != nil {
			s.cfg.OnClosed(closeErr)
		}
	}()

	for {
		msg, err := s.readFrame(ctx)
		if err != nil {
			select {
			case <-s.closed:
				// Orderly local shutdown; the read failed because the
				// stream is gone.
				return
			default:
			}
			if errors.Is(err, ErrProtocol) {
				s.cfg.Logger.Error("session protocol violation", "device_id", s.cfg.DeviceID, "error", err)
				s.sendError("PROTOCOL_ERROR", err.Error())
				closeErr = err
			} else if ctx.Err() == nil {
				closeErr = fmt.Errorf("session read: %w", err)
			}
			_ = s.conn.Close(websocket.StatusProtocolError, "read failure")
			return
		}

		now := time.Now().UTC()
		if s.cfg.OnActivity != nil {
			s.cfg.OnActivity(now)
		}

		switch msg.Type {
		case protocol.TypeTaskResult:
			var p protocol.TaskResultPayload
			if err := protocol.DecodePayload(msg, &p); err != nil {
				s.cfg.Logger.Warn("bad TASK_RESULT payload", "device_id", s.cfg.DeviceID, "error", err)
				continue
			}
			if s.cfg.OnResult != nil {
				s.cfg.OnResult(p)
			}
		case protocol.TypeDeviceInfo:
			var info protocol.SystemInfo
			if err := protocol.DecodePayload(msg, &info); err != nil {
				s.cfg.Logger.Warn("bad DEVICE_INFO payload", "device_id", s.cfg.DeviceID, "error", err)
				continue
			}
			if s.cfg.OnDeviceInfo != nil {
				s.cfg.OnDeviceInfo(info)
			}
		case protocol.TypeHeartbeatPing:
			s.answerPing(ctx, msg)
		case protocol.TypeHeartbeatPong:
			// Activity already recorded; nothing else to do.
		case protocol.TypeError:
			var p protocol.ErrorPayload
			_ = protocol.DecodePayload(msg, &p)
			s.cfg.Logger.Warn("peer reported error", "device_id", s.cfg.DeviceID, "code", p.Code, "message", p.Message)
		case protocol.TypeClose:
			var p protocol.ClosePayload
			_ = protocol.DecodePayload(msg, &p)
			s.cfg.Logger.Info("peer closed session", "device_id", s.cfg.DeviceID, "reason", p.Reason)
			_ = s.conn.Close(websocket.StatusNormalClosure, "peer close")
			return
		default:
			// A frame kind the controller never expects inbound.
			closeErr = fmt.Errorf("%w: unexpected inbound %s", ErrProtocol, msg.Type)
			s.sendError("PROTOCOL_ERROR", closeErr.Error())
			_ = s.conn.Close(websocket.StatusProtocolError, "unexpected frame")
			return
		}
	}
}

// answerPing replies HEARTBEAT_PONG echoing the ping's nonce.
func (s *Session) answerPing(ctx context.Context, ping protocol.Message) {
	var p protocol.HeartbeatPayload
	_ = protocol.DecodePayload(ping, &p)
	pong, err := protocol.Reply(protocol.TypeHeartbeatPong, s.cfg.ControllerID, s.seq.Next(), ping, p)
	if err != nil {
		return
	}
	if err := s.write(ctx, pong); err != nil {
		s.cfg.Logger.Debug("pong write failed", "device_id", s.cfg.DeviceID, "error", err)
	}
}

func (s *Session) sendError(code, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if msg, err := protocol.New(protocol.TypeError, s.cfg.ControllerID, s.seq.Next(), protocol.ErrorPayload{Code: code, Message: message}); err == nil {
		_ = s.write(ctx, msg)
	}
}

func (s *Session) pingLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := s.Ping(pingCtx)
			cancel()
			if err != nil {
				s.cfg.Logger.Debug("ping failed", "device_id", s.cfg.DeviceID, "error", err)
			}
		}
	}
}
