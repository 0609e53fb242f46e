package rabbitmq

import (
	"context"

	"github.com/qvcloud/courier"
)

type exchangeKey struct{}
type exchangeTypeKey struct{}
type prefetchCountKey struct{}
type durableKey struct{}
type autoDeleteKey struct{}

// WithExchange publishes through and binds queues to the named exchange
// instead of the default one.
func WithExchange(name string) courier.Option {
	return func(o *courier.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, exchangeKey{}, name, "rabbitmq.WithExchange")
	}
}

// WithExchangeType sets the exchange kind (direct, fanout, topic, headers).
func WithExchangeType(kind string) courier.Option {
	return func(o *courier.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, exchangeTypeKey{}, kind, "rabbitmq.WithExchangeType")
	}
}

// WithPrefetchCount caps unacknowledged deliveries per consumer channel.
func WithPrefetchCount(count int) courier.Option {
	return func(o *courier.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, prefetchCountKey{}, count, "rabbitmq.WithPrefetchCount")
	}
}

// WithDurable controls whether declared queues survive a broker restart.
// Queues are durable unless told otherwise.
func WithDurable(durable bool) courier.Option {
	return func(o *courier.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, durableKey{}, durable, "rabbitmq.WithDurable")
	}
}

// WithAutoDelete deletes declared queues once the last consumer goes away.
func WithAutoDelete(autoDelete bool) courier.Option {
	return func(o *courier.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, autoDeleteKey{}, autoDelete, "rabbitmq.WithAutoDelete")
	}
}

type priorityKey struct{}
type persistentKey struct{}
type mandatoryKey struct{}

// WithPriority sets the AMQP message priority (0-9).
func WithPriority(p int) courier.PublishOption {
	return func(o *courier.PublishOptions) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, priorityKey{}, p, "rabbitmq.WithPriority")
	}
}

// WithPersistent marks the message for disk persistence on durable queues.
func WithPersistent(p bool) courier.PublishOption {
	return func(o *courier.PublishOptions) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, persistentKey{}, p, "rabbitmq.WithPersistent")
	}
}

// WithMandatory makes the broker return the message when it cannot be
// routed to any queue.
func WithMandatory() courier.PublishOption {
	return func(o *courier.PublishOptions) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, mandatoryKey{}, true, "rabbitmq.WithMandatory")
	}
}
