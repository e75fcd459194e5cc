package dispatcher

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/tollmark/mileage/internal/dispatcher"

// initMetrics creates the dispatcher instruments on the global meter, which
// is a no-op until the otel package installs a provider.
func (d *Dispatcher) initMetrics() error {
	m := otel.Meter(instrumentationName)

	var err error
	d.inflightGauge, err = m.Int64ObservableGauge(
		"dispatcher.commands.inflight",
		metric.WithDescription("Commands currently running"),
	)
	if err != nil {
		return fmt.Errorf("creating inflight gauge: %w", err)
	}

	_, err = m.RegisterCallback(d.observeInflight, d.inflightGauge)
	if err != nil {
		return fmt.Errorf("registering inflight callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.commands.processed",
		metric.WithDescription("Total commands processed"),
	)
	if err != nil {
		return fmt.Errorf("creating processed counter: %w", err)
	}

	d.failed, err = m.Int64Counter(
		"dispatcher.commands.failed",
		metric.WithDescription("Total commands that returned an error"),
	)
	if err != nil {
		return fmt.Errorf("creating failed counter: %w", err)
	}

	d.duration, err = m.Float64Histogram(
		"dispatcher.command.duration",
		metric.WithDescription("Command handling time"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("creating duration histogram: %w", err)
	}
	return nil
}

func (d *Dispatcher) observeInflight(_ context.Context, o metric.Observer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for cmd, n := range d.inflight {
		o.ObserveInt64(d.inflightGauge, n, metric.WithAttributes(attribute.String("command", cmd)))
	}
	return nil
}
