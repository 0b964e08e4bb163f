package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "stageflow"

// StartRunSpan starts a span for a run lifecycle operation such as create, claim or complete.
func StartRunSpan(ctx context.Context, op, runID, cardID, stage string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run."+op,
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("card.id", cardID),
			attribute.String("stage", stage),
		),
	)
}

// StartRescueSpan starts a span for one stuck-run sweep.
func StartRescueSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "rescue.sweep")
}

// StartGateSpan starts a span for the gate evaluation of a stage.
func StartGateSpan(ctx context.Context, cardID, stage string, gates int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "gates.evaluate",
		trace.WithAttributes(
			attribute.String("card.id", cardID),
			attribute.String("stage", stage),
			attribute.Int("gate.count", gates),
		),
	)
}
