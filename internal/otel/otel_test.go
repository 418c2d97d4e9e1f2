package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	_, span := p.Tracer.Start(context.Background(), "noop-span")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitStdoutExporter(t *testing.T) {
	cfg := Config{Enabled: true, Exporter: "stdout", ServiceName: "datakiln-test", SampleRate: 1.0}
	p, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init stdout: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer.Start(context.Background(), "test-span")
	span.End()
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter kind")
	}
}

func TestNewMetricsCreatesInstruments(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.TaskDuration == nil || m.Transitions == nil || m.ActiveRuns == nil {
		t.Fatal("expected instruments to be non-nil")
	}
	m.Transitions.Add(context.Background(), 1)
	m.ActiveRuns.Add(context.Background(), 1)
	m.ActiveRuns.Add(context.Background(), -1)
}
