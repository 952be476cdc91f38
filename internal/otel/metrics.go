package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the controller's metric instruments.
type Metrics struct {
	DevicesRegistered metric.Int64UpDownCounter
	DevicesConnected  metric.Int64UpDownCounter
	TasksDispatched   metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	TasksCancelled    metric.Int64Counter
	DispatchLatency   metric.Float64Histogram
	TaskDuration      metric.Float64Histogram
	ReconnectAttempts metric.Int64Counter
	BusDroppedEvents  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DevicesRegistered, err = meter.Int64UpDownCounter("constel.devices.registered",
		metric.WithDescription("Number of registered device profiles"),
	)
	if err != nil {
		return nil, err
	}

	m.DevicesConnected, err = meter.Int64UpDownCounter("constel.devices.connected",
		metric.WithDescription("Number of devices with a live session"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("constel.tasks.dispatched",
		metric.WithDescription("Total tasks placed on devices"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("constel.tasks.completed",
		metric.WithDescription("Total tasks that completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("constel.tasks.failed",
		metric.WithDescription("Total tasks that failed terminally"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("constel.tasks.cancelled",
		metric.WithDescription("Total tasks cancelled"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchLatency, err = meter.Float64Histogram("constel.dispatch.latency",
		metric.WithDescription("Device selection and placement latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("constel.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconnectAttempts, err = meter.Int64Counter("constel.reconnect.attempts",
		metric.WithDescription("Total device reconnection attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.BusDroppedEvents, err = meter.Int64Counter("constel.bus.dropped",
		metric.WithDescription("Events dropped on saturated bus subscribers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
