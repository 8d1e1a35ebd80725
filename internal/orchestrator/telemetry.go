package orchestrator

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rahul/missionctl/internal/orchestrator"

// telemetry holds the OpenTelemetry instruments. With no provider installed
// the global no-op implementations are used.
type telemetry struct {
	tracer trace.Tracer

	plansFinished metric.Int64Counter
	stepAttempts  metric.Int64Counter
	stepDuration  metric.Float64Histogram
}

func newTelemetry() *telemetry {
	meter := otel.Meter(instrumentationName)
	t := &telemetry{tracer: otel.Tracer(instrumentationName)}

	var err error
	t.plansFinished, err = meter.Int64Counter(
		"mission.plans.finished",
		metric.WithDescription("Plans that reached a terminal status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		log.Printf("telemetry: create plans counter: %v", err)
	}
	t.stepAttempts, err = meter.Int64Counter(
		"mission.step.attempts",
		metric.WithDescription("Connector invocations by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		log.Printf("telemetry: create attempts counter: %v", err)
	}
	t.stepDuration, err = meter.Float64Histogram(
		"mission.step.duration",
		metric.WithDescription("Connector call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		log.Printf("telemetry: create duration histogram: %v", err)
	}
	return t
}

func (t *telemetry) recordAttempt(ctx context.Context, connectorName, action, outcome string, ms float64) {
	opts := metric.WithAttributes(
		attribute.String("connector", connectorName),
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	)
	if t.stepAttempts != nil {
		t.stepAttempts.Add(ctx, 1, opts)
	}
	if t.stepDuration != nil {
		t.stepDuration.Record(ctx, ms, opts)
	}
}

func (t *telemetry) recordPlan(ctx context.Context, status string) {
	if t.plansFinished != nil {
		t.plansFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}
