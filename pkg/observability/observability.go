// Package observability wires the OpenTelemetry metrics pipeline. Export is
// optional: without an OTLP endpoint the meter provider stays a no-op and
// the instruments cost nothing.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "proofcaptcha"

// Metrics are the service-level instruments.
type Metrics struct {
	ChallengesIssued metric.Int64Counter
	Verifications    metric.Int64Counter
	ThreatsBlocked   metric.Int64Counter
	SolveTimeMillis  metric.Int64Histogram
	shutdown         func(context.Context) error
}

// Setup installs the global meter provider. endpoint may be empty, in which
// case instruments record into the default no-op provider.
func Setup(ctx context.Context, endpoint string) (*Metrics, error) {
	shutdown := func(context.Context) error { return nil }
	if endpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(30*time.Second))),
		)
		otel.SetMeterProvider(provider)
		shutdown = provider.Shutdown
	}

	meter := otel.Meter(meterName)
	m := &Metrics{shutdown: shutdown}
	var err error
	if m.ChallengesIssued, err = meter.Int64Counter("captcha.challenges.issued",
		metric.WithDescription("Challenges issued")); err != nil {
		return nil, err
	}
	if m.Verifications, err = meter.Int64Counter("captcha.verifications",
		metric.WithDescription("Verification attempts, by outcome")); err != nil {
		return nil, err
	}
	if m.ThreatsBlocked, err = meter.Int64Counter("captcha.threats.blocked",
		metric.WithDescription("Requests denied by blocklist or risk")); err != nil {
		return nil, err
	}
	if m.SolveTimeMillis, err = meter.Int64Histogram("captcha.solve.millis",
		metric.WithDescription("Time from issue to successful verification")); err != nil {
		return nil, err
	}
	return m, nil
}

// Shutdown flushes the exporter.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.shutdown(ctx)
}
