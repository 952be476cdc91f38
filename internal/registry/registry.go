package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orbital/constel/internal/bus"
)

// Registry is the process-wide device registry. All mutations to a given
// profile are serialized under the registry lock; operations never block on
// I/O and fail fast on precondition violations.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*AgentProfile
	bus      *bus.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the registry's time source. Tests use this to drive
// heartbeat staleness deterministically.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry publishing lifecycle events on b.
func New(b *bus.Bus, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		profiles: make(map[string]*AgentProfile),
		bus:      b,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterOptions carries the optional fields of Register.
type RegisterOptions struct {
	OS           string
	Capabilities []string
	Metadata     map[string]any
	MaxRetries   int
	Overwrite    bool
}

// Register creates a profile for deviceID. It fails with
// ErrAlreadyRegistered when the device exists and Overwrite was not set.
func (r *Registry) Register(deviceID, serverURL string, opts RegisterOptions) (AgentProfile, error) {
	if deviceID == "" {
		return AgentProfile{}, fmt.Errorf("device_id must be non-empty")
	}
	if serverURL == "" {
		return AgentProfile{}, fmt.Errorf("server_url must be non-empty")
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	r.mu.Lock()
	if _, exists := r.profiles[deviceID]; exists && !opts.Overwrite {
		r.mu.Unlock()
		return AgentProfile{}, fmt.Errorf("device %q: %w", deviceID, ErrAlreadyRegistered)
	}
	p := &AgentProfile{
		DeviceID:     deviceID,
		ServerURL:    serverURL,
		OS:           opts.OS,
		Capabilities: dedupe(opts.Capabilities),
		Metadata:     map[string]any{},
		Status:       StatusDisconnected,
		MaxRetries:   maxRetries,
	}
	if p.OS == "" {
		p.OS = "unknown"
	}
	for k, v := range opts.Metadata {
		p.Metadata[k] = v
	}
	r.profiles[deviceID] = p
	snapshot := p.clone()
	r.mu.Unlock()

	r.logger.Info("device registered", "device_id", deviceID, "server_url", serverURL,
		"capabilities", snapshot.Capabilities)
	if r.bus != nil {
		r.bus.Publish(bus.TopicDeviceRegistered, bus.DeviceRegisteredEvent{
			DeviceID:     deviceID,
			ServerURL:    serverURL,
			Capabilities: snapshot.Capabilities,
		})
	}
	return snapshot, nil
}

// Get returns a snapshot of the profile for deviceID.
func (r *Registry) Get(deviceID string) (AgentProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[deviceID]
	if !ok {
		return AgentProfile{}, fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	return p.clone(), nil
}

// List returns snapshots of all profiles matching the filter.
func (r *Registry) List(f Filter) []AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		if f.matches(p) {
			out = append(out, p.clone())
		}
	}
	return out
}

// UpdateStatus moves a device through the state machine, enforcing the
// transition table. Transitions into BUSY must go through SetBusy so the
// task binding stays atomic.
func (r *Registry) UpdateStatus(deviceID string, newStatus DeviceStatus) error {
	if newStatus == StatusBusy {
		return fmt.Errorf("device %q: %w", deviceID, ErrTaskRequired)
	}

	r.mu.Lock()
	p, ok := r.profiles[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	old := p.Status
	if !canTransition(old, newStatus) {
		r.mu.Unlock()
		return fmt.Errorf("device %q: %s -> %s: %w", deviceID, old, newStatus, ErrInvalidTransition)
	}
	p.Status = newStatus
	// Leaving BUSY by any route releases the task binding; entering IDLE
	// additionally resets the retry budget.
	if old == StatusBusy {
		p.CurrentTaskID = ""
	}
	if newStatus == StatusIdle {
		p.ConnectionAttempts = 0
	}
	r.mu.Unlock()

	r.publishStatusChange(deviceID, old, newStatus)
	return nil
}

// SetBusy atomically binds a task to an idle device.
func (r *Registry) SetBusy(deviceID, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task_id must be non-empty")
	}

	r.mu.Lock()
	p, ok := r.profiles[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	if p.Status != StatusIdle {
		status := p.Status
		r.mu.Unlock()
		return fmt.Errorf("device %q is %s: %w", deviceID, status, ErrNotIdle)
	}
	p.Status = StatusBusy
	p.CurrentTaskID = taskID
	r.mu.Unlock()

	r.publishStatusChange(deviceID, StatusIdle, StatusBusy)
	return nil
}

// SetIdle atomically releases a device: status IDLE, no bound task, retry
// budget reset. Legal from BUSY and from REGISTERING (post-handshake).
func (r *Registry) SetIdle(deviceID string) error {
	r.mu.Lock()
	p, ok := r.profiles[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	old := p.Status
	if old == StatusIdle {
		r.mu.Unlock()
		return nil
	}
	if !canTransition(old, StatusIdle) {
		r.mu.Unlock()
		return fmt.Errorf("device %q: %s -> %s: %w", deviceID, old, StatusIdle, ErrInvalidTransition)
	}
	p.Status = StatusIdle
	p.CurrentTaskID = ""
	p.ConnectionAttempts = 0
	r.mu.Unlock()

	r.publishStatusChange(deviceID, old, StatusIdle)
	return nil
}

// RecordHeartbeat updates the device's liveness timestamp. The timestamp
// never moves backward.
func (r *Registry) RecordHeartbeat(deviceID string, at time.Time) error {
	if at.IsZero() {
		at = r.now()
	}

	r.mu.Lock()
	p, ok := r.profiles[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	if at.After(p.LastHeartbeat) {
		p.LastHeartbeat = at
	}
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(bus.TopicDeviceHeartbeat, bus.DeviceHeartbeatEvent{DeviceID: deviceID, At: at})
	}
	return nil
}

// RecordConnectAttempt increments the device's attempt counter as a new
// connection attempt begins. The counter never exceeds max_retries; it
// returns the new count and whether the retry budget is now at its limit
// (meaning a failure of this attempt must park the device in FAILED).
func (r *Registry) RecordConnectAttempt(deviceID string) (attempts int, atBudget bool, err error) {
	r.mu.Lock()
	p, ok := r.profiles[deviceID]
	if !ok {
		r.mu.Unlock()
		return 0, false, fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	if p.ConnectionAttempts < p.MaxRetries {
		p.ConnectionAttempts++
	}
	attempts = p.ConnectionAttempts
	atBudget = attempts >= p.MaxRetries
	r.mu.Unlock()
	return attempts, atBudget, nil
}

// Remove deletes the profile for deviceID.
func (r *Registry) Remove(deviceID string) error {
	r.mu.Lock()
	_, ok := r.profiles[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	delete(r.profiles, deviceID)
	r.mu.Unlock()

	r.logger.Info("device deregistered", "device_id", deviceID)
	if r.bus != nil {
		r.bus.Publish(bus.TopicDeviceDeregistered, bus.DeviceDeregisteredEvent{DeviceID: deviceID})
	}
	return nil
}

func (r *Registry) publishStatusChange(deviceID string, from, to DeviceStatus) {
	r.logger.Debug("device status changed", "device_id", deviceID, "old", string(from), "new", string(to))
	if r.bus != nil {
		r.bus.Publish(bus.TopicDeviceStatusChanged, bus.DeviceStatusChangedEvent{
			DeviceID:  deviceID,
			OldStatus: string(from),
			NewStatus: string(to),
		})
	}
}

// dedupe removes duplicates preserving first-occurrence order.
func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
