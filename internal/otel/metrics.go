package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metric instruments.
type Metrics struct {
	TaskDuration    metric.Float64Histogram
	AgentDuration   metric.Float64Histogram
	Transitions     metric.Int64Counter
	BillingDenials  metric.Int64Counter
	GrantsIssued    metric.Int64Counter
	SweeperExpiries metric.Int64Counter
	SweeperCleanups metric.Int64Counter
	ActiveRuns      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("datakiln.task.duration",
		metric.WithDescription("End-to-end pipeline run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentDuration, err = meter.Float64Histogram("datakiln.agent.duration",
		metric.WithDescription("Single agent invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("datakiln.task.transitions",
		metric.WithDescription("Accepted status transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.BillingDenials, err = meter.Int64Counter("datakiln.billing.denials",
		metric.WithDescription("Debits rejected for insufficient credits"),
	)
	if err != nil {
		return nil, err
	}

	m.GrantsIssued, err = meter.Int64Counter("datakiln.staging.grants",
		metric.WithDescription("Upload/download grants issued"),
	)
	if err != nil {
		return nil, err
	}

	m.SweeperExpiries, err = meter.Int64Counter("datakiln.sweeper.expiries",
		metric.WithDescription("Tasks force-transitioned by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.SweeperCleanups, err = meter.Int64Counter("datakiln.sweeper.cleanups",
		metric.WithDescription("Storage prefixes reclaimed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("datakiln.runner.active",
		metric.WithDescription("Pipelines currently executing"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
