package bus

import "time"

// Device event topics.
const (
	TopicDeviceRegistered    = "device.registered"
	TopicDeviceDeregistered  = "device.deregistered"
	TopicDeviceStatusChanged = "device.status_changed"
	TopicDeviceHeartbeat     = "device.heartbeat"
)

// Task event topics.
const (
	TopicTaskStatusChanged = "task.status_changed"
	TopicTaskDispatched    = "task.dispatched"
	TopicTaskResult        = "task.result"
)

// Constellation event topics.
const (
	TopicConstellationStarted  = "constellation.started"
	TopicConstellationFinished = "constellation.finished"
)

// Error topic for failures worth surfacing to operators.
const TopicError = "error"

// DeviceRegisteredEvent is published when a device profile is created.
type DeviceRegisteredEvent struct {
	DeviceID     string
	ServerURL    string
	Capabilities []string
}

// DeviceDeregisteredEvent is published when a profile is removed.
type DeviceDeregisteredEvent struct {
	DeviceID string
}

// DeviceStatusChangedEvent is published on every registry state transition.
type DeviceStatusChangedEvent struct {
	DeviceID  string
	OldStatus string
	NewStatus string
}

// DeviceHeartbeatEvent is published when a heartbeat is recorded.
type DeviceHeartbeatEvent struct {
	DeviceID string
	At       time.Time
}

// TaskStatusChangedEvent is published when a task's status changes.
type TaskStatusChangedEvent struct {
	ConstellationID string
	TaskID          string
	OldStatus       string
	NewStatus       string
}

// TaskDispatchedEvent is published when a task is placed on a device.
type TaskDispatchedEvent struct {
	ConstellationID string
	TaskID          string
	DeviceID        string
}

// TaskResultEvent is published when a TASK_RESULT is recorded.
type TaskResultEvent struct {
	ConstellationID string
	TaskID          string
	DeviceID        string
	Status          string
	Error           string
}

// ConstellationStartedEvent is published when execution begins.
type ConstellationStartedEvent struct {
	ConstellationID string
	Name            string
	TaskCount       int
}

// ConstellationFinishedEvent is published exactly once, on reaching a
// terminal state.
type ConstellationFinishedEvent struct {
	ConstellationID string
	State           string
}

// ErrorEvent carries operator-visible failures.
type ErrorEvent struct {
	Code    string
	Message string
	Subject string
}
