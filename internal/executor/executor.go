// Package executor drives constellations to completion: it computes ready
// sets, asks the dispatcher for placements, ships TASK_DISPATCH frames,
// folds TASK_RESULT frames back into the DAG, cascades cancellations over
// unsatisfiable edges, and retries failed tasks within their budgets.
//
// Scheduling for a given constellation is serialized on one goroutine; the
// loop is event-driven (results, idle devices, and cancellations wake it)
// with a poll-interval tick as the fallback when an event is lost.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/orbital/constel/internal/bus"
	"github.com/orbital/constel/internal/constellation"
	"github.com/orbital/constel/internal/dispatcher"
	otelPkg "github.com/orbital/constel/internal/otel"
	"github.com/orbital/constel/internal/protocol"
	"github.com/orbital/constel/internal/registry"
	"github.com/orbital/constel/internal/shared"
)

// Executor errors.
var (
	ErrUnknownConstellation = errors.New("unknown constellation")
	ErrNotTerminal          = errors.New("constellation not in a terminal state")
)

// Error codes recorded on failed tasks.
const (
	CodeDeviceLost         = "DEVICE_LOST"
	CodeDeviceUnresponsive = "DEVICE_UNRESPONSIVE"
	CodeTaskTimeout        = "TASK_TIMEOUT"
	CodeUnschedulable      = "UNSCHEDULABLE"
	CodeCancelledByUser    = "CANCELLED_BY_USER"
)

// DeviceClient is the slice of the connection manager the executor needs.
type DeviceClient interface {
	SendTask(ctx context.Context, deviceID string, p protocol.TaskDispatchPayload) error
	SendCancel(ctx context.Context, deviceID, taskID string) error
	ForceDisconnect(deviceID string)
}

// Config wires an Executor.
type Config struct {
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Client     DeviceClient
	Bus        *bus.Bus
	Logger     *slog.Logger
	// Tracer spans constellation execution and dispatch; nil means no-op.
	Tracer trace.Tracer
	// Metrics instruments, fed at placement and settle time; nil disables.
	Metrics *otelPkg.Metrics

	// CancelGrace bounds how long a cancelled RUNNING task may wait for
	// its TASK_RESULT before being forced FAILED.
	CancelGrace time.Duration
	// ReadyPollInterval is the fallback tick when no event wakes the loop.
	ReadyPollInterval time.Duration
}

// Executor runs any number of constellations concurrently; each gets its
// own scheduling goroutine.
type Executor struct {
	cfg Config

	mu        sync.Mutex
	runs      map[string]*run
	taskIndex map[string]string // task_id -> constellation_id
}

// run is the per-constellation scheduling state. All fields behind mu.
type run struct {
	mu sync.Mutex

	c      *constellation.TaskConstellation
	wake   chan struct{}
	done   chan struct{}
	paused bool

	cancelRequested bool
	cancelTimers    map[string]*time.Timer // task_id -> grace timer
	taskTimers      map[string]*time.Timer // task_id -> execution timeout
	deviceLoad      map[string]int         // completed tasks per device this run
	executingSince  time.Time
	traceID         string
	span            trace.Span
}

// New creates an Executor.
func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 10 * time.Second
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = 100 * time.Millisecond
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Executor{
		cfg:       cfg,
		runs:      make(map[string]*run),
		taskIndex: make(map[string]string),
	}
}

// SetClient injects the device client after construction. The executor
// and the connection manager reference each other, so whichever is built
// first gets its peer wired in late, before any constellation starts.
func (e *Executor) SetClient(c DeviceClient) {
	e.cfg.Client = c
}

// Submit validates a constellation and admits it in the READY state. An
// invalid constellation is rejected without side effects.
func (e *Executor) Submit(c *constellation.TaskConstellation) error {
	if err := constellation.Validate(c); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.runs[c.ConstellationID]; dup {
		return fmt.Errorf("%w: constellation %q already submitted", constellation.ErrInvalidConstellation, c.ConstellationID)
	}
	for id := range c.Tasks {
		if owner, dup := e.taskIndex[id]; dup {
			return fmt.Errorf("%w: task %q already owned by constellation %q", constellation.ErrInvalidConstellation, id, owner)
		}
	}

	constellation.InitStatuses(c)
	c.CreatedAt = time.Now().UTC()
	r := &run{
		c:            c,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		cancelTimers: make(map[string]*time.Timer),
		taskTimers:   make(map[string]*time.Timer),
		deviceLoad:   make(map[string]int),
	}
	e.runs[c.ConstellationID] = r
	for id := range c.Tasks {
		e.taskIndex[id] = c.ConstellationID
	}
	return nil
}

// Start begins executing a submitted constellation.
func (e *Executor) Start(ctx context.Context, constellationID string) error {
	r, err := e.getRun(constellationID)
	if err != nil {
		return err
	}

	spanCtx, span := otelPkg.StartSpan(ctx, e.cfg.Tracer, "constellation.execute",
		otelPkg.AttrConstellationID.String(constellationID))

	r.mu.Lock()
	if r.c.State != constellation.StateReady {
		state := r.c.State
		r.mu.Unlock()
		span.End()
		return fmt.Errorf("constellation %q is %s, not READY", constellationID, state)
	}
	r.c.State = constellation.StateExecuting
	r.c.StartedAt = time.Now().UTC()
	r.executingSince = r.c.StartedAt
	r.traceID = shared.TraceID(ctx)
	r.span = span
	name := r.c.Name
	taskCount := len(r.c.Tasks)
	r.mu.Unlock()
	ctx = spanCtx

	e.cfg.Logger.Info("constellation started", "constellation_id", constellationID,
		"tasks", taskCount, "trace_id", shared.TraceID(ctx))
	e.publish(bus.TopicConstellationStarted, bus.ConstellationStartedEvent{
		ConstellationID: constellationID,
		Name:            name,
		TaskCount:       taskCount,
	})

	go e.loop(ctx, r)
	return nil
}

// Status returns a deep snapshot of the constellation.
func (e *Executor) Status(constellationID string) (constellation.TaskConstellation, error) {
	r, err := e.getRun(constellationID)
	if err != nil {
		return constellation.TaskConstellation{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.c), nil
}

// Pause stops dispatching new tasks; results are still accepted.
func (e *Executor) Pause(constellationID string) error {
	r, err := e.getRun(constellationID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	return nil
}

// Resume re-enters scheduling.
func (e *Executor) Resume(constellationID string) error {
	r, err := e.getRun(constellationID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	r.wakeUp()
	return nil
}

// Cancel aborts a constellation: all non-terminal tasks become CANCELLED,
// RUNNING ones get a TASK_CANCEL and a grace period to report back.
// Cancelling an already-terminal constellation is a no-op.
func (e *Executor) Cancel(ctx context.Context, constellationID string) error {
	r, err := e.getRun(constellationID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.c.State.Terminal() {
		r.mu.Unlock()
		return nil
	}
	if r.cancelRequested {
		r.mu.Unlock()
		return nil
	}
	r.cancelRequested = true

	type runningTask struct{ taskID, deviceID string }
	var running []runningTask
	for id, task := range r.c.Tasks {
		switch task.Status {
		case constellation.TaskPending, constellation.TaskWaitingDependency:
			task.Error = &constellation.TaskError{Code: CodeCancelledByUser, Message: "constellation cancelled"}
			task.CompletedAt = time.Now().UTC()
			e.setTaskStatus(r, task, constellation.TaskCancelled)
		case constellation.TaskRunning:
			running = append(running, runningTask{id, task.AssignedDeviceID})
		}
	}
	// Arm the grace timers while still holding the lock so a result that
	// races in cannot find a half-cancelled task.
	for _, rt := range running {
		e.armCancelGrace(r, rt.taskID, rt.deviceID)
	}
	r.mu.Unlock()

	for _, rt := range running {
		if err := e.cfg.Client.SendCancel(ctx, rt.deviceID, rt.taskID); err != nil {
			e.cfg.Logger.Warn("cancel frame failed", "task_id", rt.taskID, "device_id", rt.deviceID, "error", err)
		}
	}
	r.wakeUp()
	return nil
}

// Remove drops a terminal constellation and frees its task IDs.
func (e *Executor) Remove(constellationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[constellationID]
	if !ok {
		return fmt.Errorf("constellation %q: %w", constellationID, ErrUnknownConstellation)
	}
	r.mu.Lock()
	terminal := r.c.State.Terminal()
	tasks := make([]string, 0, len(r.c.Tasks))
	for id := range r.c.Tasks {
		tasks = append(tasks, id)
	}
	r.mu.Unlock()
	if !terminal {
		return fmt.Errorf("constellation %q: %w", constellationID, ErrNotTerminal)
	}
	delete(e.runs, constellationID)
	for _, id := range tasks {
		delete(e.taskIndex, id)
	}
	return nil
}

// HandleResult folds a TASK_RESULT from any device into its constellation.
// Results for unknown or already-settled tasks are ignored; devices may
// repeat themselves.
func (e *Executor) HandleResult(deviceID string, p protocol.TaskResultPayload) {
	r, task, ok := e.lookupTask(p.TaskID)
	if !ok {
		e.cfg.Logger.Debug("result for unknown task", "task_id", p.TaskID, "device_id", deviceID)
		return
	}

	r.mu.Lock()
	if task.Status != constellation.TaskRunning {
		r.mu.Unlock()
		return
	}
	e.disarmTimers(r, p.TaskID)
	task.CompletedAt = time.Now().UTC()

	var newStatus constellation.TaskStatus
	switch p.Status {
	case protocol.ResultCompleted:
		newStatus = constellation.TaskCompleted
		task.Result = p.Result
		task.Error = nil // a retried task sheds its earlier failure
		r.deviceLoad[deviceID]++
	case protocol.ResultCancelled:
		if task.Error != nil && task.Error.Code == CodeTaskTimeout {
			// The cancel was controller-initiated after a timeout; the
			// device acknowledging it settles the task as a retriable
			// timeout failure, not a user cancellation.
			newStatus = constellation.TaskFailed
		} else {
			newStatus = constellation.TaskCancelled
			if task.Error == nil {
				task.Error = &constellation.TaskError{Code: CodeCancelledByUser, Message: "cancelled"}
			}
		}
	default:
		newStatus = constellation.TaskFailed
		if p.Error != nil {
			task.Error = &constellation.TaskError{Code: p.Error.Code, Message: p.Error.Message, Retriable: p.Error.Retriable}
		} else {
			task.Error = &constellation.TaskError{Code: "TASK_APPLICATION_ERROR", Message: "device reported failure"}
		}
	}
	e.settle(r, task, newStatus)
	constellationID := r.c.ConstellationID
	errorMessage := errMessage(task)
	duration := task.CompletedAt.Sub(task.StartedAt)
	r.mu.Unlock()

	if e.cfg.Metrics != nil && duration > 0 {
		e.cfg.Metrics.TaskDuration.Record(context.Background(), duration.Seconds())
	}
	// Release the device for the next placement.
	if err := e.cfg.Registry.SetIdle(deviceID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		e.cfg.Logger.Debug("release device", "device_id", deviceID, "error", err)
	}
	e.publish(bus.TopicTaskResult, bus.TaskResultEvent{
		ConstellationID: constellationID,
		TaskID:          p.TaskID,
		DeviceID:        deviceID,
		Status:          string(newStatus),
		Error:           errorMessage,
	})
	r.wakeUp()
}

// HandleDeviceLost marks the in-flight task of a dropped device failed
// with DEVICE_LOST; retriable within the task's attempt budget.
func (e *Executor) HandleDeviceLost(deviceID, taskID string) {
	r, task, ok := e.lookupTask(taskID)
	if !ok {
		return
	}
	r.mu.Lock()
	if task.Status != constellation.TaskRunning {
		r.mu.Unlock()
		return
	}
	e.disarmTimers(r, taskID)
	task.CompletedAt = time.Now().UTC()
	task.Error = &constellation.TaskError{Code: CodeDeviceLost, Message: fmt.Sprintf("device %s lost mid-task", deviceID), Retriable: true}
	e.settle(r, task, constellation.TaskFailed)
	r.mu.Unlock()
	r.wakeUp()
}

// HandleDeviceIdle wakes every executing constellation; a device just
// became schedulable.
func (e *Executor) HandleDeviceIdle(string) {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()
	for _, r := range runs {
		r.wakeUp()
	}
}

// loop is the per-constellation scheduling goroutine.
func (e *Executor) loop(ctx context.Context, r *run) {
	defer close(r.done)
	defer func() {
		// End the execution span here rather than in finish so a
		// cancelled loop context still closes it.
		r.mu.Lock()
		span := r.span
		r.span = nil
		r.mu.Unlock()
		if span != nil {
			span.End()
		}
	}()
	ticker := time.NewTicker(e.cfg.ReadyPollInterval)
	defer ticker.Stop()

	for {
		if finished := e.step(ctx, r); finished {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

// step runs one scheduling round: termination check, cascade evaluation,
// promotion of ready tasks, and dispatch. Returns true when the
// constellation reached a terminal state.
func (e *Executor) step(ctx context.Context, r *run) bool {
	r.mu.Lock()
	if r.c.State.Terminal() {
		r.mu.Unlock()
		return true
	}

	e.promoteReady(r)

	if done, final := terminalState(r.c); done {
		if r.cancelRequested {
			// A user cancel overrides the per-task arithmetic.
			final = constellation.StateFailed
		}
		e.finish(r, final)
		r.mu.Unlock()
		return true
	}

	if r.paused || r.cancelRequested {
		r.mu.Unlock()
		return false
	}

	toDispatch := e.pickDispatchable(r)
	r.mu.Unlock()

	for _, task := range toDispatch {
		e.tryDispatch(ctx, r, task)
	}
	return false
}

// promoteReady re-evaluates WAITING_DEPENDENCY tasks: satisfied ones move
// to PENDING, doomed ones are cancelled, transitively.
func (e *Executor) promoteReady(r *run) {
	for changed := true; changed; {
		changed = false
		for _, task := range r.c.Tasks {
			if task.Status != constellation.TaskWaitingDependency {
				continue
			}
			switch evalInbound(r.c, task.TaskID) {
			case edgeSatisfied:
				e.setTaskStatus(r, task, constellation.TaskPending)
				changed = true
			case edgeUnsatisfiable:
				task.CompletedAt = time.Now().UTC()
				task.Error = &constellation.TaskError{Code: "DEPENDENCY_UNSATISFIABLE", Message: "upstream task did not complete"}
				e.setTaskStatus(r, task, constellation.TaskCancelled)
				changed = true
			}
		}
	}
}

// pickDispatchable returns PENDING tasks in dispatch order: priority
// descending, then task_id ascending for determinism.
func (e *Executor) pickDispatchable(r *run) []*constellation.TaskStar {
	var pending []*constellation.TaskStar
	for _, task := range r.c.Tasks {
		if task.Status == constellation.TaskPending {
			pending = append(pending, task)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].TaskID < pending[j].TaskID
	})
	return pending
}

// tryDispatch places one PENDING task on a device and ships the frame.
func (e *Executor) tryDispatch(ctx context.Context, r *run, task *constellation.TaskStar) {
	r.mu.Lock()
	if task.Status != constellation.TaskPending || r.cancelRequested || r.paused {
		r.mu.Unlock()
		return
	}
	loadSnapshot := make(map[string]int, len(r.deviceLoad))
	for deviceID, n := range r.deviceLoad {
		loadSnapshot[deviceID] = n
	}
	constellationID := r.c.ConstellationID
	r.mu.Unlock()
	load := func(deviceID string) int { return loadSnapshot[deviceID] }

	placementStart := time.Now()
	ctx, span := otelPkg.StartSpan(ctx, e.cfg.Tracer, "task.dispatch",
		otelPkg.AttrConstellationID.String(constellationID),
		otelPkg.AttrTaskID.String(task.TaskID))
	defer span.End()

	deviceID, err := e.cfg.Dispatcher.Dispatch(task, load)
	if err != nil {
		if errors.Is(err, dispatcher.ErrNoDevice) {
			e.checkUnschedulable(r, task)
			return
		}
		e.cfg.Logger.Warn("dispatch failed", "task_id", task.TaskID, "error", err)
		return
	}
	span.SetAttributes(otelPkg.AttrDeviceID.String(deviceID))
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.DispatchLatency.Record(ctx, time.Since(placementStart).Seconds())
	}

	r.mu.Lock()
	task.Status = constellation.TaskRunning
	task.AssignedDeviceID = deviceID
	task.StartedAt = time.Now().UTC()
	task.Attempts++
	if task.Timeout > 0 {
		e.armTaskTimeout(r, task.TaskID, deviceID, task.Timeout)
	}
	attempt := task.Attempts
	r.mu.Unlock()
	span.SetAttributes(otelPkg.AttrAttempt.Int(attempt))

	e.publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
		ConstellationID: constellationID,
		TaskID:          task.TaskID,
		OldStatus:       string(constellation.TaskPending),
		NewStatus:       string(constellation.TaskRunning),
	})
	e.publish(bus.TopicTaskDispatched, bus.TaskDispatchedEvent{
		ConstellationID: constellationID,
		TaskID:          task.TaskID,
		DeviceID:        deviceID,
	})

	frame := protocol.TaskDispatchPayload{
		TaskID:               task.TaskID,
		Payload:              task.Payload,
		RequiredCapabilities: task.RequiredCapabilities,
	}
	if task.Timeout > 0 {
		frame.TimeoutSeconds = task.Timeout.Seconds()
	}
	if err := e.cfg.Client.SendTask(ctx, deviceID, frame); err != nil {
		e.cfg.Logger.Warn("task frame failed, reverting placement", "task_id", task.TaskID, "device_id", deviceID, "error", err)
		r.mu.Lock()
		if task.Status == constellation.TaskRunning {
			e.disarmTimers(r, task.TaskID)
			task.Status = constellation.TaskPending
			task.AssignedDeviceID = ""
		}
		r.mu.Unlock()
		if ierr := e.cfg.Registry.SetIdle(deviceID); ierr != nil && !errors.Is(ierr, registry.ErrNotFound) {
			e.cfg.Logger.Debug("revert device", "device_id", deviceID, "error", ierr)
		}
		r.wakeUp()
	}
}

// checkUnschedulable fails a pending task no registered profile could ever
// run, once the constellation's deadline for that has passed. The default
// (zero deadline) is to wait indefinitely.
func (e *Executor) checkUnschedulable(r *run, task *constellation.TaskStar) {
	r.mu.Lock()
	deadline := r.c.UnschedulableAfter
	since := r.executingSince
	r.mu.Unlock()
	if deadline <= 0 || time.Since(since) < deadline {
		return
	}
	if e.cfg.Dispatcher.CouldEverSatisfy(task) {
		return
	}
	r.mu.Lock()
	if task.Status == constellation.TaskPending {
		task.CompletedAt = time.Now().UTC()
		task.Error = &constellation.TaskError{Code: CodeUnschedulable, Message: "no registered device can satisfy required capabilities"}
		e.settle(r, task, constellation.TaskFailed)
	}
	r.mu.Unlock()
	r.wakeUp()
}

// settle finalizes a task's status, applying the retry policy for
// failures. Caller holds r.mu.
func (e *Executor) settle(r *run, task *constellation.TaskStar, status constellation.TaskStatus) {
	if status == constellation.TaskFailed && !r.cancelRequested &&
		task.Error != nil && task.Error.Retriable &&
		task.MaxAttempts > 0 && task.Attempts < task.MaxAttempts {
		// Back to the pool; a later round may pick a different device.
		task.AssignedDeviceID = ""
		e.setTaskStatus(r, task, constellation.TaskPending)
		e.cfg.Logger.Info("task will retry", "task_id", task.TaskID, "attempts", task.Attempts, "max_attempts", task.MaxAttempts)
		return
	}
	task.AssignedDeviceID = ""
	e.setTaskStatus(r, task, status)
}

// setTaskStatus records a transition and publishes it. Caller holds r.mu.
func (e *Executor) setTaskStatus(r *run, task *constellation.TaskStar, status constellation.TaskStatus) {
	old := task.Status
	if old == status {
		return
	}
	task.Status = status
	e.publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
		ConstellationID: r.c.ConstellationID,
		TaskID:          task.TaskID,
		OldStatus:       string(old),
		NewStatus:       string(status),
	})
}

// finish freezes the constellation in its terminal state. Caller holds r.mu.
func (e *Executor) finish(r *run, final constellation.State) {
	r.c.State = final
	r.c.CompletedAt = time.Now().UTC()
	for _, timer := range r.cancelTimers {
		timer.Stop()
	}
	for _, timer := range r.taskTimers {
		timer.Stop()
	}
	e.cfg.Logger.Info("constellation finished", "constellation_id", r.c.ConstellationID,
		"state", string(final), "trace_id", r.traceID)
	e.publish(bus.TopicConstellationFinished, bus.ConstellationFinishedEvent{
		ConstellationID: r.c.ConstellationID,
		State:           string(final),
	})
}

// terminalState decides the final constellation state once no task can
// make further progress.
func terminalState(c *constellation.TaskConstellation) (bool, constellation.State) {
	completed, failed := 0, 0
	for _, task := range c.Tasks {
		switch task.Status {
		case constellation.TaskCompleted:
			completed++
		case constellation.TaskFailed, constellation.TaskCancelled:
			failed++
		default:
			return false, ""
		}
	}
	switch {
	case failed == 0:
		return true, constellation.StateCompleted
	case completed > 0:
		return true, constellation.StatePartiallyFailed
	default:
		return true, constellation.StateFailed
	}
}

// armCancelGrace starts the countdown for a cancelled RUNNING task.
// Caller holds r.mu.
func (e *Executor) armCancelGrace(r *run, taskID, deviceID string) {
	if _, armed := r.cancelTimers[taskID]; armed {
		return
	}
	r.cancelTimers[taskID] = time.AfterFunc(e.cfg.CancelGrace, func() {
		e.cancelGraceExpired(r, taskID, deviceID)
	})
}

// cancelGraceExpired forces a task FAILED after the device ignored a
// TASK_CANCEL for the whole grace period, and drops the device's session.
func (e *Executor) cancelGraceExpired(r *run, taskID, deviceID string) {
	r.mu.Lock()
	task, ok := r.c.Tasks[taskID]
	if !ok || task.Status != constellation.TaskRunning {
		r.mu.Unlock()
		return
	}
	delete(r.cancelTimers, taskID)
	task.CompletedAt = time.Now().UTC()
	task.Error = &constellation.TaskError{Code: CodeDeviceUnresponsive, Message: fmt.Sprintf("device %s did not acknowledge cancel", deviceID)}
	task.AssignedDeviceID = ""
	e.setTaskStatus(r, task, constellation.TaskFailed)
	r.mu.Unlock()

	e.cfg.Logger.Warn("cancel grace expired", "task_id", taskID, "device_id", deviceID)
	e.cfg.Client.ForceDisconnect(deviceID)
	r.wakeUp()
}

// armTaskTimeout bounds a task's runtime. Expiry sends TASK_CANCEL and the
// eventual CANCELLED result is recorded as a retriable TASK_TIMEOUT
// failure. Caller holds r.mu.
func (e *Executor) armTaskTimeout(r *run, taskID, deviceID string, timeout time.Duration) {
	r.taskTimers[taskID] = time.AfterFunc(timeout, func() {
		r.mu.Lock()
		task, ok := r.c.Tasks[taskID]
		if !ok || task.Status != constellation.TaskRunning {
			r.mu.Unlock()
			return
		}
		delete(r.taskTimers, taskID)
		task.Error = &constellation.TaskError{Code: CodeTaskTimeout, Message: "task exceeded its execution timeout", Retriable: true}
		e.armCancelGrace(r, taskID, deviceID)
		r.mu.Unlock()

		e.cfg.Logger.Warn("task timed out", "task_id", taskID, "device_id", deviceID, "timeout", timeout)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.cfg.Client.SendCancel(ctx, deviceID, taskID); err != nil {
			e.cfg.Logger.Warn("timeout cancel frame failed", "task_id", taskID, "error", err)
		}
	})
}

// disarmTimers stops any timers bound to a task. Caller holds r.mu.
func (e *Executor) disarmTimers(r *run, taskID string) {
	if timer, ok := r.cancelTimers[taskID]; ok {
		timer.Stop()
		delete(r.cancelTimers, taskID)
	}
	if timer, ok := r.taskTimers[taskID]; ok {
		timer.Stop()
		delete(r.taskTimers, taskID)
	}
}

func (e *Executor) getRun(constellationID string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[constellationID]
	if !ok {
		return nil, fmt.Errorf("constellation %q: %w", constellationID, ErrUnknownConstellation)
	}
	return r, nil
}

func (e *Executor) lookupTask(taskID string) (*run, *constellation.TaskStar, bool) {
	e.mu.Lock()
	constellationID, ok := e.taskIndex[taskID]
	if !ok {
		e.mu.Unlock()
		return nil, nil, false
	}
	r := e.runs[constellationID]
	e.mu.Unlock()
	if r == nil {
		return nil, nil, false
	}
	r.mu.Lock()
	task := r.c.Tasks[taskID]
	r.mu.Unlock()
	if task == nil {
		return nil, nil, false
	}
	return r, task, true
}

func (e *Executor) publish(topic string, payload any) {
	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(topic, payload)
	}
}

func (r *run) wakeUp() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// snapshot deep-copies a constellation for external consumption.
func snapshot(c *constellation.TaskConstellation) constellation.TaskConstellation {
	out := *c
	out.Tasks = make(map[string]*constellation.TaskStar, len(c.Tasks))
	for id, task := range c.Tasks {
		copied := *task
		out.Tasks[id] = &copied
	}
	out.Edges = append([]constellation.TaskStarLine(nil), c.Edges...)
	return out
}

func errMessage(task *constellation.TaskStar) string {
	if task.Error == nil {
		return ""
	}
	return task.Error.Message
}
