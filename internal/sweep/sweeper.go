// Package sweep runs the registry staleness sweep on a cron schedule. The
// per-session supervisors notice dead peers through their own timers; the
// sweep is the fallback observer that catches devices whose supervisor
// events were lost, comparing last_heartbeat against the timeout and
// forcing the session down when it is stale.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/orbital/constel/internal/registry"
)

// cronParser parses standard 5-field cron expressions plus descriptors
// like "@every 90s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Disconnector drops a device's live session; the connection manager
// implements it.
type Disconnector interface {
	ForceDisconnect(deviceID string)
}

// Config holds the sweeper's dependencies.
type Config struct {
	Registry     *registry.Registry
	Disconnector Disconnector
	Logger       *slog.Logger

	// Schedule is a cron expression; defaults to every minute.
	Schedule string
	// HeartbeatTimeout is the staleness threshold.
	HeartbeatTimeout time.Duration
}

// Sweeper periodically scans for stale device sessions.
type Sweeper struct {
	cfg      Config
	schedule cronlib.Schedule

	timeoutMu sync.RWMutex
	timeout   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetHeartbeatTimeout applies a new staleness threshold live.
func (s *Sweeper) SetHeartbeatTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	s.timeoutMu.Lock()
	s.timeout = timeout
	s.timeoutMu.Unlock()
}

func (s *Sweeper) heartbeatTimeout() time.Duration {
	s.timeoutMu.RLock()
	defer s.timeoutMu.RUnlock()
	return s.timeout
}

// New creates a Sweeper. The schedule is validated here so a bad config
// fails at startup rather than silently never sweeping.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "* * * * *"
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{cfg: cfg, schedule: schedule, timeout: cfg.HeartbeatTimeout}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.cfg.Logger.Info("staleness sweeper started", "schedule", s.cfg.Schedule, "timeout", s.cfg.HeartbeatTimeout)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.cfg.Logger.Info("staleness sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.SweepOnce(time.Now())
		}
	}
}

// SweepOnce scans live devices and drops any whose heartbeat is stale.
// It returns the device IDs it acted on.
func (s *Sweeper) SweepOnce(now time.Time) []string {
	live := s.cfg.Registry.List(registry.Filter{
		Statuses: []registry.DeviceStatus{
			registry.StatusConnected, registry.StatusRegistering,
			registry.StatusIdle, registry.StatusBusy,
		},
	})

	timeout := s.heartbeatTimeout()
	var swept []string
	for _, p := range live {
		if p.LastHeartbeat.IsZero() {
			continue
		}
		stale := now.Sub(p.LastHeartbeat)
		if stale <= timeout {
			continue
		}
		s.cfg.Logger.Warn("stale device session", "device_id", p.DeviceID, "stale_for", stale)
		s.cfg.Disconnector.ForceDisconnect(p.DeviceID)
		swept = append(swept, p.DeviceID)
	}
	return swept
}
