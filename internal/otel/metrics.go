package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all taskpilot metric instruments.
type Metrics struct {
	RunIterations    metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	Reflections      metric.Int64Counter
	Checkpoints      metric.Int64Counter
	ActiveRuns       metric.Int64UpDownCounter
	Compactions      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunIterations, err = meter.Int64Counter("taskpilot.run.iterations",
		metric.WithDescription("Engine iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskpilot.task.duration",
		metric.WithDescription("Task attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("taskpilot.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("taskpilot.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.Reflections, err = meter.Int64Counter("taskpilot.reflections",
		metric.WithDescription("REFLECT phases entered"),
	)
	if err != nil {
		return nil, err
	}

	m.Checkpoints, err = meter.Int64Counter("taskpilot.checkpoints",
		metric.WithDescription("Checkpoints saved"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("taskpilot.runs.active",
		metric.WithDescription("Number of currently executing runs"),
	)
	if err != nil {
		return nil, err
	}

	m.Compactions, err = meter.Int64Counter("taskpilot.compactions",
		metric.WithDescription("Working memory compactions performed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
