// Package simagent is a device agent that speaks the controller's wire
// protocol over WebSocket: it answers the registration handshake, reports
// telemetry, executes small built-in task payloads, and honors
// cancellation. Integration tests and the constel-sim binary use it as a
// stand-in for real device agents.
package simagent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/orbital/constel/internal/protocol"
)

// Options configures agent behavior, mostly for tests.
type Options struct {
	// DeviceID is the agent's client_id on the wire. Defaults to the
	// client_id offered in the REGISTER frame.
	DeviceID string
	// SystemInfo is reported in the DEVICE_INFO frame sent after a
	// successful handshake.
	SystemInfo protocol.SystemInfo
	// RejectReason, when set, makes the agent NACK every registration.
	RejectReason string
	// TaskLatency delays every task result.
	TaskLatency time.Duration
	// IgnoreCancel makes the agent swallow TASK_CANCEL frames without
	// replying, to exercise the controller's cancel grace timeout.
	IgnoreCancel bool
	Logger       *slog.Logger
}

// Agent is a simulated device agent. One Agent serves any number of
// sequential controller connections.
type Agent struct {
	opts  Options
	muted atomic.Bool

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates an Agent.
func New(opts Options) *Agent {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Agent{
		opts:    opts,
		running: make(map[string]context.CancelFunc),
	}
}

// Mute makes the agent stop sending or answering frames while keeping the
// stream open. Used to simulate a wedged device.
func (a *Agent) Mute() { a.muted.Store(true) }

// Unmute restores normal behavior.
func (a *Agent) Unmute() { a.muted.Store(false) }

// Handler returns the HTTP handler exposing the session endpoint.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", a.handleSession)
	return mux
}

type conn struct {
	ws      *websocket.Conn
	seq     protocol.Seq
	writeMu sync.Mutex
	id      string
}

func (c *conn) write(ctx context.Context, msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, msg)
}

func (a *Agent) handleSession(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, id: a.opts.DeviceID}
	defer ws.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, ws, &raw); err != nil {
			return
		}
		msg, err := protocol.ValidateFrame(raw)
		if err != nil {
			a.opts.Logger.Warn("simagent: bad frame", "error", err)
			return
		}
		if a.muted.Load() {
			continue
		}
		switch msg.Type {
		case protocol.TypeRegister:
			a.handleRegister(ctx, c, msg)
		case protocol.TypeTaskDispatch:
			a.handleDispatch(ctx, c, msg)
		case protocol.TypeTaskCancel:
			a.handleCancel(ctx, c, msg)
		case protocol.TypeHeartbeatPing:
			var p protocol.HeartbeatPayload
			_ = protocol.DecodePayload(msg, &p)
			if pong, err := protocol.Reply(protocol.TypeHeartbeatPong, c.id, c.seq.Next(), msg, p); err == nil {
				_ = c.write(ctx, pong)
			}
		case protocol.TypeHeartbeatPong:
			// Fine.
		case protocol.TypeClose:
			return
		default:
			if em, err := protocol.New(protocol.TypeError, c.id, c.seq.Next(), protocol.ErrorPayload{
				Code: "UNEXPECTED_FRAME", Message: string(msg.Type),
			}); err == nil {
				_ = c.write(ctx, em)
			}
			return
		}
	}
}

func (a *Agent) handleRegister(ctx context.Context, c *conn, msg protocol.Message) {
	var reg protocol.RegisterPayload
	if err := protocol.DecodePayload(msg, &reg); err != nil || reg.ClientID == "" {
		nack, _ := protocol.Reply(protocol.TypeRegisterNack, c.id, c.seq.Next(), msg, protocol.RegisterNackPayload{Reason: "missing client_id"})
		_ = c.write(ctx, nack)
		return
	}
	if c.id == "" {
		c.id = reg.ClientID
	}
	if a.opts.RejectReason != "" {
		nack, _ := protocol.Reply(protocol.TypeRegisterNack, c.id, c.seq.Next(), msg, protocol.RegisterNackPayload{Reason: a.opts.RejectReason})
		_ = c.write(ctx, nack)
		return
	}

	ack, err := protocol.Reply(protocol.TypeRegisterAck, c.id, c.seq.Next(), msg, protocol.RegisterAckPayload{
		ResponseID: uuid.NewString(),
		SessionID:  uuid.NewString(),
		Status:     protocol.AckOK,
	})
	if err != nil {
		return
	}
	if err := c.write(ctx, ack); err != nil {
		return
	}

	// Telemetry follows the ACK immediately so the controller can merge it
	// before marking the device schedulable.
	info, err := protocol.New(protocol.TypeDeviceInfo, c.id, c.seq.Next(), a.opts.SystemInfo)
	if err == nil {
		_ = c.write(ctx, info)
	}
}

// taskOp is the little language of simulated payloads.
type taskOp struct {
	Op         string          `json:"op"`
	DurationMs int             `json:"duration_ms,omitempty"`
	Retriable  bool            `json:"retriable,omitempty"`
	Message    string          `json:"message,omitempty"`
	Echo       json.RawMessage `json:"echo,omitempty"`
}

func (a *Agent) handleDispatch(ctx context.Context, c *conn, msg protocol.Message) {
	var p protocol.TaskDispatchPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		return
	}
	var op taskOp
	if len(p.Payload) > 0 {
		_ = json.Unmarshal(p.Payload, &op)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.running[p.TaskID] = cancel
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.running, p.TaskID)
			a.mu.Unlock()
			cancel()
		}()
		result := a.execute(taskCtx, p.TaskID, op)
		if a.muted.Load() {
			return
		}
		if out, err := protocol.New(protocol.TypeTaskResult, c.id, c.seq.Next(), result); err == nil {
			_ = c.write(ctx, out)
		}
	}()
}

func (a *Agent) execute(ctx context.Context, taskID string, op taskOp) protocol.TaskResultPayload {
	if a.opts.TaskLatency > 0 {
		select {
		case <-time.After(a.opts.TaskLatency):
		case <-ctx.Done():
			return protocol.TaskResultPayload{TaskID: taskID, Status: protocol.ResultCancelled}
		}
	}
	switch op.Op {
	case "sleep":
		d := time.Duration(op.DurationMs) * time.Millisecond
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return protocol.TaskResultPayload{TaskID: taskID, Status: protocol.ResultCancelled}
		}
		return protocol.TaskResultPayload{TaskID: taskID, Status: protocol.ResultCompleted, Result: json.RawMessage(`{"slept":true}`)}
	case "fail":
		message := op.Message
		if message == "" {
			message = "simulated failure"
		}
		return protocol.TaskResultPayload{
			TaskID: taskID,
			Status: protocol.ResultFailed,
			Error:  &protocol.TaskError{Code: "TASK_APPLICATION_ERROR", Message: message, Retriable: op.Retriable},
		}
	case "echo":
		return protocol.TaskResultPayload{TaskID: taskID, Status: protocol.ResultCompleted, Result: op.Echo}
	default:
		return protocol.TaskResultPayload{TaskID: taskID, Status: protocol.ResultCompleted, Result: json.RawMessage(`{"ok":true}`)}
	}
}

func (a *Agent) handleCancel(ctx context.Context, c *conn, msg protocol.Message) {
	if a.opts.IgnoreCancel {
		return
	}
	var p protocol.TaskCancelPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		return
	}
	a.mu.Lock()
	cancel, ok := a.running[p.TaskID]
	a.mu.Unlock()
	if ok {
		cancel()
		return
	}
	// Unknown or already-finished task: report CANCELLED directly so the
	// controller can settle it.
	if out, err := protocol.New(protocol.TypeTaskResult, c.id, c.seq.Next(), protocol.TaskResultPayload{
		TaskID: p.TaskID, Status: protocol.ResultCancelled,
	}); err == nil {
		_ = c.write(ctx, out)
	}
}
