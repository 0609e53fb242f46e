package middleware

import (
	"context"
	"time"

	"github.com/qvcloud/courier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics wraps a handler with an OpenTelemetry counter and duration
// histogram per delivery, labelled by topic and outcome.
func Metrics(h courier.Handler, m metric.Meter) courier.Handler {
	if m == nil {
		m = otel.Meter("github.com/qvcloud/courier")
	}

	counter, err := m.Int64Counter("courier.messages.handled",
		metric.WithDescription("Deliveries dispatched to the handler."))
	if err != nil {
		return h
	}
	duration, err := m.Float64Histogram("courier.handle.duration",
		metric.WithDescription("Handler execution time."),
		metric.WithUnit("s"))
	if err != nil {
		return h
	}

	return func(ctx context.Context, event courier.Event) error {
		start := time.Now()
		err := h(ctx, event)

		attrs := metric.WithAttributes(
			attribute.String("topic", event.Topic()),
			attribute.Bool("error", err != nil),
		)
		counter.Add(ctx, 1, attrs)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		return err
	}
}
