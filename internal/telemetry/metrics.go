package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the bridge's metric instruments.
type Metrics struct {
	decisions      metric.Int64Counter
	coldStarts     metric.Int64Counter
	coldStartWait  metric.Float64Histogram
	tokenRefreshes metric.Int64Counter
}

// NewMetrics registers the bridge's instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("subdomain-auth-bridge")

	decisions, err := meter.Int64Counter("bridge.guard.decisions",
		metric.WithDescription("Terminal access decisions by type and reason"))
	if err != nil {
		return nil, err
	}
	coldStarts, err := meter.Int64Counter("bridge.coldstart.detected",
		metric.WithDescription("Requests that crossed the cold-start threshold"))
	if err != nil {
		return nil, err
	}
	coldStartWait, err := meter.Float64Histogram("bridge.coldstart.wait_seconds",
		metric.WithDescription("Time spent waiting on cold-start requests"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	refreshes, err := meter.Int64Counter("bridge.token.refreshes",
		metric.WithDescription("Token refresh attempts by outcome"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		decisions:      decisions,
		coldStarts:     coldStarts,
		coldStartWait:  coldStartWait,
		tokenRefreshes: refreshes,
	}, nil
}

// RecordDecision counts one terminal guard decision. Nil receiver is a no-op.
func (m *Metrics) RecordDecision(ctx context.Context, subdomain, decision, reason string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subdomain", subdomain),
		attribute.String("decision", decision),
		attribute.String("reason", reason),
	))
}

// RecordColdStart counts one detected cold start and its wait time.
func (m *Metrics) RecordColdStart(ctx context.Context, waitSeconds float64) {
	if m == nil {
		return
	}
	m.coldStarts.Add(ctx, 1)
	m.coldStartWait.Record(ctx, waitSeconds)
}

// RecordRefresh counts one token refresh attempt by outcome.
func (m *Metrics) RecordRefresh(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
