// Package constellation defines the DAG-of-tasks model the executor drives:
// TaskStar nodes, TaskStarLine dependency edges, and the TaskConstellation
// that groups them into one unit of work.
package constellation

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskPending           TaskStatus = "PENDING"
	TaskWaitingDependency TaskStatus = "WAITING_DEPENDENCY"
	TaskRunning           TaskStatus = "RUNNING"
	TaskCompleted         TaskStatus = "COMPLETED"
	TaskFailed            TaskStatus = "FAILED"
	TaskCancelled         TaskStatus = "CANCELLED"
)

// Terminal reports whether a task status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Priority orders ready tasks for dispatch.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityMedium:   "MEDIUM",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "MEDIUM"
}

// TaskError is the structured failure recorded on a failed task.
type TaskError struct {
	Code      string
	Message   string
	Retriable bool
}

// TaskStar is a single task node.
type TaskStar struct {
	TaskID               string
	Name                 string
	Description          string
	RequiredCapabilities []string
	Priority             Priority
	Payload              json.RawMessage
	Timeout              time.Duration // zero = unbounded
	Status               TaskStatus
	AssignedDeviceID     string
	Result               json.RawMessage
	Error                *TaskError
	StartedAt            time.Time
	CompletedAt          time.Time
	Attempts             int
	MaxAttempts          int
	// SubmitIndex records the task's position in the submission. The
	// executor does not read it: ties between ready tasks of equal priority
	// are broken by TaskID.
	SubmitIndex int
}

// EdgeKind is how a dependency edge is satisfied by its predecessor.
type EdgeKind string

const (
	EdgeUnconditional  EdgeKind = "UNCONDITIONAL"
	EdgeSuccessOnly    EdgeKind = "SUCCESS_ONLY"
	EdgeCompletionOnly EdgeKind = "COMPLETION_ONLY"
	EdgeConditional    EdgeKind = "CONDITIONAL"
)

// Predicate evaluates a CONDITIONAL edge against the predecessor's result.
type Predicate func(result json.RawMessage) bool

// TaskStarLine is a directed dependency edge between two tasks.
type TaskStarLine struct {
	FromTaskID string
	ToTaskID   string
	Kind       EdgeKind
	// Condition is required when Kind is EdgeConditional; ignored otherwise.
	Condition Predicate
}

// State is the lifecycle state of a whole constellation.
type State string

const (
	StateCreated         State = "CREATED"
	StateReady           State = "READY"
	StateExecuting       State = "EXECUTING"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
	StatePartiallyFailed State = "PARTIALLY_FAILED"
)

// Terminal reports whether a constellation state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StatePartiallyFailed:
		return true
	}
	return false
}

// TaskConstellation is a DAG of tasks submitted as one unit of work.
type TaskConstellation struct {
	ConstellationID string
	Name            string
	Tasks           map[string]*TaskStar
	Edges           []TaskStarLine
	State           State
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	// UnschedulableAfter optionally fails tasks no registered device could
	// ever run once this much time has passed since execution began.
	// Zero means wait indefinitely.
	UnschedulableAfter time.Duration
}

// InboundEdges returns the edges terminating at taskID.
func (c *TaskConstellation) InboundEdges(taskID string) []TaskStarLine {
	var in []TaskStarLine
	for _, e := range c.Edges {
		if e.ToTaskID == taskID {
			in = append(in, e)
		}
	}
	return in
}

// OutboundEdges returns the edges originating at taskID.
func (c *TaskConstellation) OutboundEdges(taskID string) []TaskStarLine {
	var out []TaskStarLine
	for _, e := range c.Edges {
		if e.FromTaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}
