package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all marketplace metric instruments.
type Metrics struct {
	CycleDuration    metric.Float64Histogram
	DecisionDuration metric.Float64Histogram
	RailsDuration    metric.Float64Histogram
	CyclesTotal      metric.Int64Counter
	ActionsTotal     metric.Int64Counter
	ActiveCycles     metric.Int64UpDownCounter
	EscrowVolume     metric.Int64Counter
	SigningRetries   metric.Int64Counter
	SweepSettled     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CycleDuration, err = meter.Float64Histogram("agora.cycle.duration",
		metric.WithDescription("Heartbeat cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DecisionDuration, err = meter.Float64Histogram("agora.decision.duration",
		metric.WithDescription("Reasoning call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RailsDuration, err = meter.Float64Histogram("agora.rails.duration",
		metric.WithDescription("Financial rails call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CyclesTotal, err = meter.Int64Counter("agora.cycles.total",
		metric.WithDescription("Heartbeat cycles by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionsTotal, err = meter.Int64Counter("agora.actions.total",
		metric.WithDescription("Executed actions by type"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveCycles, err = meter.Int64UpDownCounter("agora.cycles.active",
		metric.WithDescription("Heartbeat cycles currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.EscrowVolume, err = meter.Int64Counter("agora.escrow.volume",
		metric.WithDescription("Released escrow volume in minor units"),
	)
	if err != nil {
		return nil, err
	}

	m.SigningRetries, err = meter.Int64Counter("agora.signing.retries",
		metric.WithDescription("Custody signing retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepSettled, err = meter.Int64Counter("agora.sweep.settled",
		metric.WithDescription("Escrows settled by the deadline sweeper"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
