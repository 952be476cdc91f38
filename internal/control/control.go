// Package control is the boundary surface of the controller: everything
// the outside world may do — register and connect devices, submit and
// manage constellations, observe events — goes through the API here. The
// registry, executor, and connection manager are injected, never ambient.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orbital/constel/internal/bus"
	"github.com/orbital/constel/internal/connmgr"
	"github.com/orbital/constel/internal/constellation"
	"github.com/orbital/constel/internal/executor"
	"github.com/orbital/constel/internal/registry"
	"github.com/orbital/constel/internal/shared"
)

// DeviceConfig is the registration request for one device.
type DeviceConfig struct {
	DeviceID     string
	ServerURL    string
	OS           string
	Capabilities []string
	Metadata     map[string]any
	MaxRetries   int
	Overwrite    bool
	// AutoConnect establishes the session immediately after registration.
	AutoConnect bool
}

// Config wires the API to its collaborators.
type Config struct {
	Registry *registry.Registry
	Executor *executor.Executor
	Manager  *connmgr.Manager
	Bus      *bus.Bus
	Logger   *slog.Logger
	// CallDeadline bounds how long an API call may spend on internal
	// queues or frame sends. Defaults to 5s.
	CallDeadline time.Duration
}

// API is the control surface. All methods are safe for concurrent use and
// never block on network I/O past the call deadline.
type API struct {
	cfg Config
	ctx context.Context
}

// New creates the API. ctx scopes all background work the API starts
// (connection actors, constellation loops).
func New(ctx context.Context, cfg Config) *API {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CallDeadline <= 0 {
		cfg.CallDeadline = 5 * time.Second
	}
	return &API{cfg: cfg, ctx: ctx}
}

// begin stamps a boundary operation: a fresh trace_id on the API's base
// context, and a logger carrying it. Background work spawned from the
// returned context (connection actors, scheduling loops) inherits the id.
func (a *API) begin(op, subject string) (context.Context, *slog.Logger) {
	ctx := shared.WithTraceID(a.ctx, shared.NewTraceID())
	log := shared.LoggerWith(ctx, a.cfg.Logger)
	log.Debug("control api call", "op", op, "subject", subject)
	return ctx, log
}

// RegisterDevice creates a device profile and, when asked, starts its
// connection actor.
func (a *API) RegisterDevice(cfg DeviceConfig) (string, error) {
	ctx, _ := a.begin("device.register", cfg.DeviceID)
	profile, err := a.cfg.Registry.Register(cfg.DeviceID, cfg.ServerURL, registry.RegisterOptions{
		OS:           cfg.OS,
		Capabilities: cfg.Capabilities,
		Metadata:     cfg.Metadata,
		MaxRetries:   cfg.MaxRetries,
		Overwrite:    cfg.Overwrite,
	})
	if err != nil {
		return "", err
	}
	if cfg.AutoConnect {
		if err := a.cfg.Manager.Connect(ctx, profile.DeviceID); err != nil {
			return profile.DeviceID, fmt.Errorf("register ok, connect failed: %w", err)
		}
	}
	return profile.DeviceID, nil
}

// ConnectDevice starts (or restarts) the device's connection actor.
func (a *API) ConnectDevice(deviceID string) error {
	ctx, _ := a.begin("device.connect", deviceID)
	return a.cfg.Manager.Connect(ctx, deviceID)
}

// DisconnectDevice tears the device's session down and stops reconnecting.
func (a *API) DisconnectDevice(deviceID string) error {
	if _, err := a.cfg.Registry.Get(deviceID); err != nil {
		return err
	}
	a.cfg.Manager.Disconnect(deviceID)
	return nil
}

// DeregisterDevice disconnects and removes the device profile.
func (a *API) DeregisterDevice(deviceID string) error {
	a.cfg.Manager.Disconnect(deviceID)
	return a.cfg.Registry.Remove(deviceID)
}

// ListDevices returns profile snapshots matching the filter.
func (a *API) ListDevices(f registry.Filter) []registry.AgentProfile {
	return a.cfg.Registry.List(f)
}

// GetDevice returns one profile snapshot.
func (a *API) GetDevice(deviceID string) (registry.AgentProfile, error) {
	return a.cfg.Registry.Get(deviceID)
}

// SubmitConstellation validates, admits, and starts a constellation,
// returning its ID. A missing ID is assigned.
func (a *API) SubmitConstellation(c *constellation.TaskConstellation) (string, error) {
	if c.ConstellationID == "" {
		c.ConstellationID = uuid.NewString()
	}
	ctx, _ := a.begin("constellation.submit", c.ConstellationID)
	if err := a.cfg.Executor.Submit(c); err != nil {
		return "", err
	}
	if err := a.cfg.Executor.Start(ctx, c.ConstellationID); err != nil {
		return "", err
	}
	return c.ConstellationID, nil
}

// GetConstellationStatus returns a deep snapshot.
func (a *API) GetConstellationStatus(constellationID string) (constellation.TaskConstellation, error) {
	return a.cfg.Executor.Status(constellationID)
}

// CancelConstellation aborts a constellation; cancelling a terminal one is
// a no-op success.
func (a *API) CancelConstellation(constellationID string) error {
	opCtx, _ := a.begin("constellation.cancel", constellationID)
	ctx, cancel := context.WithTimeout(opCtx, a.cfg.CallDeadline)
	defer cancel()
	return a.cfg.Executor.Cancel(ctx, constellationID)
}

// PauseConstellation stops dispatching without losing progress.
func (a *API) PauseConstellation(constellationID string) error {
	return a.cfg.Executor.Pause(constellationID)
}

// ResumeConstellation re-enters scheduling.
func (a *API) ResumeConstellation(constellationID string) error {
	return a.cfg.Executor.Resume(constellationID)
}

// ReleaseConstellation drops a terminal constellation once the submitter
// has consumed its result.
func (a *API) ReleaseConstellation(constellationID string) error {
	return a.cfg.Executor.Remove(constellationID)
}

// Subscribe returns an event subscription for the given topic prefix
// (empty for all). The caller must Unsubscribe when done.
func (a *API) Subscribe(topicPrefix string) *bus.Subscription {
	return a.cfg.Bus.Subscribe(topicPrefix)
}

// Unsubscribe releases a subscription.
func (a *API) Unsubscribe(sub *bus.Subscription) {
	a.cfg.Bus.Unsubscribe(sub)
}
