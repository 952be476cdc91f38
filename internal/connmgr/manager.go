// Package connmgr establishes and maintains device sessions: it drives the
// registration handshake, supervises liveness, and reconnects with a
// bounded retry budget. One actor goroutine exists per device; a second
// connection attempt can never start while one is in flight.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelPkg "github.com/orbital/constel/internal/otel"
	"github.com/orbital/constel/internal/protocol"
	"github.com/orbital/constel/internal/registry"
	"github.com/orbital/constel/internal/session"
	"github.com/orbital/constel/internal/shared"
)

// ErrNoSession means the device has no live session to carry a frame.
var ErrNoSession = errors.New("no live session")

// Config wires the manager to the rest of the control plane.
type Config struct {
	Registry     *registry.Registry
	Logger       *slog.Logger
	ControllerID string
	// Tracer spans connect/handshake attempts; nil means no-op.
	Tracer trace.Tracer

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration

	// OnResult routes TASK_RESULT payloads up to the executor layer.
	OnResult func(deviceID string, p protocol.TaskResultPayload)
	// OnDeviceLost reports a device that dropped while BUSY, with the task
	// it was bound to.
	OnDeviceLost func(deviceID, taskID string)
	// OnDeviceIdle fires when a new session is established and the device
	// becomes IDLE. It does not fire when a device is released after a task.
	OnDeviceIdle func(deviceID string)
}

// Manager owns all device actors.
type Manager struct {
	cfg Config

	timingsMu         sync.RWMutex
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	reconnectDelay    time.Duration

	mu     sync.Mutex
	actors map[string]*actor
}

type actor struct {
	deviceID string
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	sess     *session.Session
	closedCh chan error
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Manager{
		cfg:               cfg,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		reconnectDelay:    cfg.ReconnectDelay,
		actors:            make(map[string]*actor),
	}
}

// SetTimings applies new supervision timings. Existing sessions pick up
// the heartbeat values on their next (re)connect; the reconnect delay
// applies immediately.
func (m *Manager) SetTimings(heartbeatInterval, heartbeatTimeout, reconnectDelay time.Duration) {
	m.timingsMu.Lock()
	defer m.timingsMu.Unlock()
	if heartbeatInterval > 0 {
		m.heartbeatInterval = heartbeatInterval
	}
	if heartbeatTimeout > 0 {
		m.heartbeatTimeout = heartbeatTimeout
	}
	if reconnectDelay > 0 {
		m.reconnectDelay = reconnectDelay
	}
}

func (m *Manager) timings() (heartbeatInterval, heartbeatTimeout, reconnectDelay time.Duration) {
	m.timingsMu.RLock()
	defer m.timingsMu.RUnlock()
	return m.heartbeatInterval, m.heartbeatTimeout, m.reconnectDelay
}

// Connect starts (or restarts) the connection actor for deviceID. It is a
// no-op when an actor is already running for the device.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	if _, err := m.cfg.Registry.Get(deviceID); err != nil {
		return err
	}

	m.mu.Lock()
	if existing, ok := m.actors[deviceID]; ok {
		select {
		case <-existing.done:
			// Previous actor finished; replace it below.
		default:
			m.mu.Unlock()
			return nil
		}
	}
	actorCtx, cancel := context.WithCancel(ctx)
	a := &actor{deviceID: deviceID, cancel: cancel, done: make(chan struct{})}
	m.actors[deviceID] = a
	m.mu.Unlock()

	go m.run(actorCtx, a)
	return nil
}

// Disconnect tears down the device's session and stops its actor.
func (m *Manager) Disconnect(deviceID string) {
	m.mu.Lock()
	a, ok := m.actors[deviceID]
	if ok {
		delete(m.actors, deviceID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	a.cancel()
	<-a.done
}

// ForceDisconnect is the staleness-sweep entry point: it drops the session
// so the actor's reconnect path takes over. Unlike Disconnect, the actor
// keeps running.
func (m *Manager) ForceDisconnect(deviceID string) {
	m.mu.Lock()
	a, ok := m.actors[deviceID]
	m.mu.Unlock()
	if !ok {
		return
	}
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess != nil {
		sess.Close("stale heartbeat")
	}
}

// Shutdown stops every actor and waits for them to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	actors := make([]*actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = make(map[string]*actor)
	m.mu.Unlock()

	for _, a := range actors {
		a.cancel()
	}
	for _, a := range actors {
		<-a.done
	}
}

// SendTask emits a TASK_DISPATCH on the device's live session.
func (m *Manager) SendTask(ctx context.Context, deviceID string, p protocol.TaskDispatchPayload) error {
	sess, err := m.sessionFor(deviceID)
	if err != nil {
		return err
	}
	return sess.SendTask(ctx, p)
}

// SendCancel emits a TASK_CANCEL on the device's live session.
func (m *Manager) SendCancel(ctx context.Context, deviceID, taskID string) error {
	sess, err := m.sessionFor(deviceID)
	if err != nil {
		return err
	}
	return sess.SendCancel(ctx, taskID)
}

func (m *Manager) sessionFor(deviceID string) (*session.Session, error) {
	m.mu.Lock()
	a, ok := m.actors[deviceID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("device %q: %w", deviceID, ErrNoSession)
	}
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("device %q: %w", deviceID, ErrNoSession)
	}
	return sess, nil
}

// run is the per-device actor loop: connect, register, supervise, and on
// loss either retry within the budget or park the device in FAILED.
func (m *Manager) run(ctx context.Context, a *actor) {
	defer close(a.done)
	reg := m.cfg.Registry
	log := shared.LoggerWith(ctx, m.cfg.Logger.With("device_id", a.deviceID))

	for {
		if ctx.Err() != nil {
			return
		}
		profile, err := reg.Get(a.deviceID)
		if err != nil {
			return // deregistered
		}
		switch profile.Status {
		case registry.StatusDisconnected, registry.StatusFailed:
		default:
			// Another path moved the device; the actor only owns the
			// DISCONNECTED/FAILED -> IDLE climb.
			return
		}

		if err := reg.UpdateStatus(a.deviceID, registry.StatusConnecting); err != nil {
			log.Warn("cannot begin connect", "error", err)
			return
		}
		attempts, atBudget, err := reg.RecordConnectAttempt(a.deviceID)
		if err != nil {
			return
		}

		sess, fatal, err := m.establish(ctx, a, profile)
		if err != nil {
			if ctx.Err() != nil {
				reg.UpdateStatus(a.deviceID, registry.StatusDisconnected)
				return
			}
			if fatal || atBudget {
				if atBudget {
					log.Error("retry budget exhausted", "attempts", attempts, "error", err)
				} else {
					log.Error("connection permanently failed", "error", err)
				}
				if uerr := reg.UpdateStatus(a.deviceID, registry.StatusFailed); uerr != nil {
					log.Warn("failed transition", "error", uerr)
				}
				return
			}
			if uerr := reg.UpdateStatus(a.deviceID, registry.StatusDisconnected); uerr != nil {
				log.Warn("disconnect transition", "error", uerr)
			}
			_, _, delay := m.timings()
			log.Info("connect failed, will retry", "attempts", attempts, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		// Supervise until the session dies or the actor is stopped.
		reconnect := m.supervise(ctx, a, sess)
		if !reconnect {
			return
		}
		_, _, delay := m.timings()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// establish dials, registers, merges initial telemetry, and marks the
// device IDLE. fatal=true means the failure should not be retried.
func (m *Manager) establish(ctx context.Context, a *actor, profile registry.AgentProfile) (_ *session.Session, fatal bool, err error) {
	reg := m.cfg.Registry
	log := shared.LoggerWith(ctx, m.cfg.Logger.With("device_id", a.deviceID))

	ctx, span := otelPkg.StartClientSpan(ctx, m.cfg.Tracer, "device.connect",
		otelPkg.AttrDeviceID.String(a.deviceID))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	infoCh := make(chan protocol.SystemInfo, 4)
	closedCh := make(chan error, 1)

	sess, ack, err := session.Dial(ctx, session.Config{
		DeviceID:          a.deviceID,
		ControllerID:      m.cfg.ControllerID,
		URL:               profile.ServerURL,
		HandshakeTimeout:  m.cfg.HandshakeTimeout,
		HeartbeatInterval: func() time.Duration { i, _, _ := m.timings(); return i }(),
		Logger:            log,
		OnActivity: func(at time.Time) {
			_ = reg.RecordHeartbeat(a.deviceID, at)
		},
		OnResult: func(p protocol.TaskResultPayload) {
			if m.cfg.OnResult != nil {
				m.cfg.OnResult(a.deviceID, p)
			}
		},
		OnDeviceInfo: func(info protocol.SystemInfo) {
			if err := reg.MergeSystemInfo(a.deviceID, info); err != nil {
				log.Warn("telemetry merge failed", "error", err)
				return
			}
			select {
			case infoCh <- info:
			default:
			}
		},
		OnClosed: func(err error) {
			closedCh <- err
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrHandshakeRejected):
			// A deliberate refusal; retrying would spam the agent.
			return nil, true, err
		case errors.Is(err, session.ErrProtocol):
			return nil, true, err
		default:
			return nil, false, err
		}
	}

	if err := reg.UpdateStatus(a.deviceID, registry.StatusConnected); err != nil {
		sess.Close("registry refused connected state")
		return nil, false, err
	}
	if err := reg.UpdateStatus(a.deviceID, registry.StatusRegistering); err != nil {
		sess.Close("registry refused registering state")
		return nil, false, err
	}
	_ = reg.RecordHeartbeat(a.deviceID, time.Now().UTC())

	a.mu.Lock()
	a.sess = sess
	a.closedCh = closedCh
	a.mu.Unlock()
	sess.Start(ctx)

	// Agents send DEVICE_INFO right after the ACK; give it a moment so the
	// profile is enriched before the device becomes schedulable. Telemetry
	// is optional, so a quiet agent still goes IDLE.
	select {
	case <-infoCh:
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}

	if err := reg.SetIdle(a.deviceID); err != nil {
		sess.Close("registry refused idle state")
		return nil, false, err
	}
	span.SetAttributes(otelPkg.AttrSessionID.String(sess.SessionID))
	log.Info("device session established", "session_id", sess.SessionID, "ack_response", ack.ResponseID)
	if m.cfg.OnDeviceIdle != nil {
		m.cfg.OnDeviceIdle(a.deviceID)
	}
	return sess, false, nil
}

// supervise watches a live session: staleness checks on a timer, loss
// notifications from the receive loop. Returns true when the caller should
// attempt a reconnect.
func (m *Manager) supervise(ctx context.Context, a *actor, sess *session.Session) bool {
	reg := m.cfg.Registry
	log := shared.LoggerWith(ctx, m.cfg.Logger.With("device_id", a.deviceID))

	a.mu.Lock()
	closedCh := a.closedCh
	a.mu.Unlock()

	interval, timeout, _ := m.timings()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	demote := func(reason string) {
		profile, err := reg.Get(a.deviceID)
		if err != nil {
			return
		}
		lostTask := profile.CurrentTaskID
		if err := reg.UpdateStatus(a.deviceID, registry.StatusDisconnected); err != nil {
			log.Warn("disconnect transition", "error", err)
		}
		log.Warn("device disconnected", "reason", reason, "lost_task", lostTask)
		if lostTask != "" && m.cfg.OnDeviceLost != nil {
			m.cfg.OnDeviceLost(a.deviceID, lostTask)
		}
	}

	for {
		select {
		case <-ctx.Done():
			sess.Close("controller shutdown")
			<-closedCh
			m.clearSession(a)
			reg.UpdateStatus(a.deviceID, registry.StatusDisconnected)
			return false

		case err := <-closedCh:
			m.clearSession(a)
			if err != nil && errors.Is(err, session.ErrProtocol) {
				// Protocol violations park the device until an operator
				// intervenes; no automatic reconnect.
				profile, gerr := reg.Get(a.deviceID)
				if gerr == nil && profile.CurrentTaskID != "" && m.cfg.OnDeviceLost != nil {
					m.cfg.OnDeviceLost(a.deviceID, profile.CurrentTaskID)
				}
				if uerr := reg.UpdateStatus(a.deviceID, registry.StatusFailed); uerr != nil {
					log.Warn("failed transition", "error", uerr)
				}
				log.Error("session closed on protocol error", "error", err)
				return false
			}
			demote("session closed")
			return true

		case <-ticker.C:
			profile, err := reg.Get(a.deviceID)
			if err != nil {
				sess.Close("device deregistered")
				<-closedCh
				m.clearSession(a)
				return false
			}
			if time.Since(profile.LastHeartbeat) > timeout {
				sess.Close("heartbeat timeout")
				<-closedCh
				m.clearSession(a)
				demote("heartbeat timeout")
				return true
			}
		}
	}
}

func (m *Manager) clearSession(a *actor) {
	a.mu.Lock()
	a.sess = nil
	a.closedCh = nil
	a.mu.Unlock()
}
