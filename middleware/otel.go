// Package middleware provides courier.Handler wrappers for the concerns
// that sit around message processing: tracing, metrics, logging and
// panic recovery. Wrappers compose; apply them innermost-first.
package middleware

import (
	"context"

	"github.com/qvcloud/courier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Otel wraps a handler with an OpenTelemetry consumer span per delivery.
func Otel(h courier.Handler, opts ...Option) courier.Handler {
	options := options{
		tracer: otel.Tracer("github.com/qvcloud/courier"),
	}
	for _, o := range opts {
		o(&options)
	}

	return func(ctx context.Context, event courier.Event) error {
		ctx, span := options.tracer.Start(ctx, "courier.handle",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "courier"),
				attribute.String("messaging.destination", event.Topic()),
				attribute.String("messaging.operation", "process"),
			),
		)
		defer span.End()

		err := h(ctx, event)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

type options struct {
	tracer trace.Tracer
}

type Option func(*options)

// WithTracer overrides the tracer used by Otel.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}
