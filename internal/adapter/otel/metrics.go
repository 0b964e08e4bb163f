package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "stageflow"

// Metrics holds all stageflow metric instruments.
type Metrics struct {
	RunsCreated    metric.Int64Counter
	RunsDeduped    metric.Int64Counter
	RunsClaimed    metric.Int64Counter
	ClaimConflicts metric.Int64Counter
	RunsFinished   metric.Int64Counter
	RunsRescued    metric.Int64Counter
	GateChecks     metric.Int64Counter
	RunDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsCreated, err = meter.Int64Counter("stageflow.runs.created",
		metric.WithDescription("Number of runs created"))
	if err != nil {
		return nil, err
	}

	m.RunsDeduped, err = meter.Int64Counter("stageflow.runs.deduplicated",
		metric.WithDescription("Number of create requests answered with an already active run"))
	if err != nil {
		return nil, err
	}

	m.RunsClaimed, err = meter.Int64Counter("stageflow.runs.claimed",
		metric.WithDescription("Number of successful run claims"))
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("stageflow.runs.claim_conflicts",
		metric.WithDescription("Number of claims lost to another worker or a non-queued run"))
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("stageflow.runs.finished",
		metric.WithDescription("Number of runs that reached a terminal status"))
	if err != nil {
		return nil, err
	}

	m.RunsRescued, err = meter.Int64Counter("stageflow.runs.rescued",
		metric.WithDescription("Number of stuck runs failed by the rescue sweep"))
	if err != nil {
		return nil, err
	}

	m.GateChecks, err = meter.Int64Counter("stageflow.gates.checked",
		metric.WithDescription("Number of gate checks evaluated"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("stageflow.run.duration_seconds",
		metric.WithDescription("Time from claim to terminal status"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
