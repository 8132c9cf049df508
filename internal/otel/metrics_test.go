package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.RunIterations == nil || m.TaskDuration == nil || m.ToolCallDuration == nil || m.ToolCallErrors == nil {
		t.Error("run/task/tool instruments missing")
	}
	if m.Reflections == nil || m.Checkpoints == nil || m.ActiveRuns == nil || m.Compactions == nil {
		t.Error("engine instruments missing")
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics()
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	m.RunIterations.Add(context.Background(), 1)
	m.ActiveRuns.Add(context.Background(), -1)
}
