package protocol

import "encoding/json"

// SystemInfo is the telemetry block a device agent reports during
// registration and in DEVICE_INFO frames.
type SystemInfo struct {
	Platform          string          `json:"platform,omitempty"`
	OSVersion         string          `json:"os_version,omitempty"`
	CPUCount          int             `json:"cpu_count,omitempty"`
	MemoryTotalGB     float64         `json:"memory_total_gb,omitempty"`
	Hostname          string          `json:"hostname,omitempty"`
	IPAddress         string          `json:"ip_address,omitempty"`
	SupportedFeatures []string        `json:"supported_features,omitempty"`
	PlatformType      string          `json:"platform_type,omitempty"`
	SchemaVersion     string          `json:"schema_version,omitempty"`
	CustomMetadata    map[string]any  `json:"custom_metadata,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
}

// RegisterPayload opens the handshake.
type RegisterPayload struct {
	ClientID   string      `json:"client_id"`
	ClientType ClientType  `json:"client_type"`
	Platform   string      `json:"platform,omitempty"`
	SystemInfo *SystemInfo `json:"system_info,omitempty"`
}

// AckStatus is the REGISTER_ACK outcome.
type AckStatus string

const (
	AckOK    AckStatus = "OK"
	AckError AckStatus = "ERROR"
)

// RegisterAckPayload confirms (or refuses) a registration.
type RegisterAckPayload struct {
	ResponseID string    `json:"response_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Status     AckStatus `json:"status"`
	Reason     string    `json:"reason,omitempty"`
}

// RegisterNackPayload rejects a registration outright.
type RegisterNackPayload struct {
	Reason string `json:"reason"`
}

// TaskDispatchPayload carries a task to a device.
type TaskDispatchPayload struct {
	TaskID               string          `json:"task_id"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds       float64         `json:"timeout,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
}

// ResultStatus is the terminal status a device reports for a task.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "COMPLETED"
	ResultFailed    ResultStatus = "FAILED"
	ResultCancelled ResultStatus = "CANCELLED"
)

// TaskError is the structured failure a device attaches to a failed result.
type TaskError struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable,omitempty"`
}

// TaskResultPayload reports a task outcome.
type TaskResultPayload struct {
	TaskID string          `json:"task_id"`
	Status ResultStatus    `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *TaskError      `json:"error,omitempty"`
}

// TaskCancelPayload asks a device to abandon a task.
type TaskCancelPayload struct {
	TaskID string `json:"task_id"`
}

// HeartbeatPayload carries the keepalive nonce; the pong echoes it.
type HeartbeatPayload struct {
	Nonce string `json:"nonce"`
}

// ErrorPayload reports a protocol-level failure before the session closes.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClosePayload announces an orderly shutdown of the session.
type ClosePayload struct {
	Reason string `json:"reason,omitempty"`
}
