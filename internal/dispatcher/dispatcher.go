// Package dispatcher pairs a ready task with an idle, capability-matching
// device. It holds no owning references: candidates are re-queried from the
// registry at every decision point and load figures come from the caller.
package dispatcher

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/orbital/constel/internal/constellation"
	"github.com/orbital/constel/internal/registry"
)

// ErrNoDevice means no currently idle device satisfies the task's
// capability requirements. It is not a failure; the task stays pending.
var ErrNoDevice = errors.New("no eligible device")

// LoadFunc reports how many tasks a device has completed in the current
// constellation, for load balancing within a run.
type LoadFunc func(deviceID string) int

// Dispatcher selects devices for ready tasks.
type Dispatcher struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates a Dispatcher backed by the given registry.
func New(reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: reg, logger: logger}
}

// Dispatch picks an idle device whose capabilities cover the task's
// requirements and atomically marks it busy with the task. Candidates are
// ordered by (fewest completed tasks this run, lexicographic device_id);
// a device that stops being idle between selection and SetBusy is skipped
// and selection restarts.
func (d *Dispatcher) Dispatch(task *constellation.TaskStar, load LoadFunc) (string, error) {
	for {
		candidates := d.registry.List(registry.Filter{
			Statuses:        []registry.DeviceStatus{registry.StatusIdle},
			HasCapabilities: task.RequiredCapabilities,
		})
		if len(candidates) == 0 {
			return "", ErrNoDevice
		}

		sort.Slice(candidates, func(i, j int) bool {
			li, lj := 0, 0
			if load != nil {
				li, lj = load(candidates[i].DeviceID), load(candidates[j].DeviceID)
			}
			if li != lj {
				return li < lj
			}
			return candidates[i].DeviceID < candidates[j].DeviceID
		})

		for _, c := range candidates {
			err := d.registry.SetBusy(c.DeviceID, task.TaskID)
			if err == nil {
				d.logger.Debug("task placed", "task_id", task.TaskID, "device_id", c.DeviceID)
				return c.DeviceID, nil
			}
			if errors.Is(err, registry.ErrNotIdle) || errors.Is(err, registry.ErrNotFound) {
				// Lost the race for this device; try the next candidate.
				continue
			}
			return "", err
		}
		// Every candidate was stolen from under us; restart selection.
	}
}

// CouldEverSatisfy reports whether any registered profile, regardless of
// its current status, covers the task's capability requirements. Used by
// the unschedulable-task detector.
func (d *Dispatcher) CouldEverSatisfy(task *constellation.TaskStar) bool {
	return len(d.registry.List(registry.Filter{HasCapabilities: task.RequiredCapabilities})) > 0
}
