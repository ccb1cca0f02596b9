package scheduling

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "scheduled-mailer/scheduling"

type metrics struct {
	scheduled   metric.Int64Counter
	cancelled   metric.Int64Counter
	rescheduled metric.Int64Counter
	fired       metric.Int64Counter
	backend     attribute.KeyValue
}

// newMetrics registers the scheduler counters on the global meter provider.
// Instrument errors leave a no-op counter in place.
func newMetrics(backend string) *metrics {
	meter := otel.Meter(meterName)

	scheduled, _ := meter.Int64Counter("scheduler.jobs.scheduled",
		metric.WithDescription("Number of jobs armed"),
		metric.WithUnit("{job}"),
	)
	cancelled, _ := meter.Int64Counter("scheduler.jobs.cancelled",
		metric.WithDescription("Number of pending jobs cancelled"),
		metric.WithUnit("{job}"),
	)
	rescheduled, _ := meter.Int64Counter("scheduler.jobs.rescheduled",
		metric.WithDescription("Number of jobs moved to a new due time"),
		metric.WithUnit("{job}"),
	)
	fired, _ := meter.Int64Counter("scheduler.jobs.fired",
		metric.WithDescription("Number of in-process timers that fired"),
		metric.WithUnit("{job}"),
	)

	return &metrics{
		scheduled:   scheduled,
		cancelled:   cancelled,
		rescheduled: rescheduled,
		fired:       fired,
		backend:     attribute.String("backend", backend),
	}
}

func (m *metrics) add(ctx context.Context, counter metric.Int64Counter) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(m.backend))
}
