package aggregate

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/tollmark/mileage/internal/aggregate"

type instruments struct {
	succeeded metric.Int64Counter
	failed    metric.Int64Counter
	skipped   metric.Int64Counter
	duration  metric.Float64Histogram
}

// newInstruments uses the global OTel meter (no-op if not configured).
func newInstruments() (*instruments, error) {
	m := otel.Meter(instrumentationName)
	i := &instruments{}

	var err error
	i.succeeded, err = m.Int64Counter(
		"aggregate.vehicles.succeeded",
		metric.WithDescription("Vehicles whose ledger was updated"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating succeeded counter: %w", err)
	}

	i.failed, err = m.Int64Counter(
		"aggregate.vehicles.failed",
		metric.WithDescription("Vehicles whose fold or update failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}

	i.skipped, err = m.Int64Counter(
		"aggregate.vehicles.skipped",
		metric.WithDescription("Plates with staged events but no ledger row"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating skipped counter: %w", err)
	}

	i.duration, err = m.Float64Histogram(
		"aggregate.fold.duration",
		metric.WithDescription("Per-vehicle reconcile time"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	return i, nil
}
