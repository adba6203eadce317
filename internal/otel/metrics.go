package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all warden metric instruments.
type Metrics struct {
	Decisions           metric.Int64Counter
	Denials             metric.Int64Counter
	Escalations         metric.Int64Counter
	EvaluateDuration    metric.Float64Histogram
	ClaimDuration       metric.Float64Histogram
	TasksReclaimed      metric.Int64Counter
	SchedulerTicks      metric.Int64Counter
	ActiveOrchestrators metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Decisions, err = meter.Int64Counter("warden.decisions",
		metric.WithDescription("Gating decisions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.Denials, err = meter.Int64Counter("warden.denials",
		metric.WithDescription("DENY decisions"),
	)
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("warden.escalations",
		metric.WithDescription("ESCALATE decisions queued for review"),
	)
	if err != nil {
		return nil, err
	}

	m.EvaluateDuration, err = meter.Float64Histogram("warden.evaluate.duration",
		metric.WithDescription("Policy evaluation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimDuration, err = meter.Float64Histogram("warden.claim.duration",
		metric.WithDescription("Task claim transaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksReclaimed, err = meter.Int64Counter("warden.tasks.reclaimed",
		metric.WithDescription("Stale tasks reset to OPEN"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerTicks, err = meter.Int64Counter("warden.scheduler.ticks",
		metric.WithDescription("Scheduler loop iterations"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveOrchestrators, err = meter.Int64UpDownCounter("warden.orchestrators.active",
		metric.WithDescription("Currently running orchestrator subprocesses"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
