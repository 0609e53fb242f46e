package courier

import (
	"context"
	"crypto/tls"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// AckMode selects when a delivery is acknowledged to the broker.
type AckMode int

const (
	// AckOnSuccess acknowledges after the handler returns nil and nacks
	// (with requeue, where the backend supports it) when it returns an
	// error. This is the default.
	AckOnSuccess AckMode = iota

	// AckOnDelivery acknowledges the instant the broker hands the
	// message over, before the handler runs. A handler crash after
	// delivery loses the message with no redelivery: at-most-once.
	AckOnDelivery

	// AckManual leaves settlement to the handler via Event.Ack and
	// Event.Nack.
	AckManual
)

func (m AckMode) String() string {
	switch m {
	case AckOnSuccess:
		return "on-success"
	case AckOnDelivery:
		return "on-delivery"
	case AckManual:
		return "manual"
	}
	return "unknown"
}

// Options contains the broker configuration.
type Options struct {
	// Addrs is a list of broker addresses.
	Addrs []string
	// Secure specifies whether to use a secure connection.
	Secure bool
	// ClientID identifies this client to the broker where supported.
	ClientID string
	// Codec is the marshaler used for encoding/decoding messages.
	Codec Marshaler

	// ErrorHandler is called when an error occurs during message handling.
	ErrorHandler Handler

	// Logger receives backend diagnostics (reconnects, dropped options).
	Logger Logger

	// TLSConfig is the TLS configuration for secure connections.
	TLSConfig *tls.Config

	// Tracer is the OpenTelemetry tracer for observability.
	Tracer trace.Tracer
	// Meter is the OpenTelemetry meter for observability.
	Meter metric.Meter

	// Context is the underlying context for custom options.
	Context context.Context
}

// PublishOptions contains options for publishing a message.
type PublishOptions struct {
	// Context is the context for the publish operation.
	Context context.Context
	// ShardingKey is the key used for sharding/partitioning.
	ShardingKey string
	// Delay postpones delivery where the backend supports it.
	Delay time.Duration
}

// SubscribeOptions contains options for subscribing to a topic.
type SubscribeOptions struct {
	// AckMode selects the acknowledgement strategy. The zero value is
	// AckOnSuccess.
	AckMode AckMode
	// Queue is the consumer group name or queue name.
	Queue string
	// DeadLetterQueue receives deliveries the backend gives up on.
	DeadLetterQueue string

	// Context is the context for the subscribe operation.
	Context context.Context
}

type Option func(*Options)

type PublishOption func(*PublishOptions)

type SubscribeOption func(*SubscribeOptions)

func NewOptions(opts ...Option) *Options {
	options := Options{
		Context: context.Background(),
	}

	for _, o := range opts {
		o(&options)
	}

	return &options
}

func NewSubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	opt := SubscribeOptions{
		Context: context.Background(),
	}

	for _, o := range opts {
		o(&opt)
	}

	return opt
}

// Addrs sets the host addresses to be used by the broker.
func Addrs(addrs ...string) Option {
	return func(o *Options) {
		o.Addrs = addrs
	}
}

// Codec sets the codec used for encoding/decoding used where
// a broker does not support headers.
func Codec(c Marshaler) Option {
	return func(o *Options) {
		o.Codec = c
	}
}

// ErrorHandler will catch all broker errors that cant be handled
// in normal way, for example Codec errors.
func ErrorHandler(h Handler) Option {
	return func(o *Options) {
		o.ErrorHandler = h
	}
}

// WithLogger sets the logger used for backend diagnostics.
func WithLogger(l Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithClientID identifies this client on the broker connection.
func WithClientID(id string) Option {
	return func(o *Options) {
		o.ClientID = id
	}
}

// Secure communication with the broker.
func Secure(b bool) Option {
	return func(o *Options) {
		o.Secure = b
	}
}

// Tracer sets the tracer used for observability.
func Tracer(t trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = t
	}
}

// Meter sets the meter used for observability.
func Meter(m metric.Meter) Option {
	return func(o *Options) {
		o.Meter = m
	}
}

// Specify TLS Config.
func TLSConfig(t *tls.Config) Option {
	return func(o *Options) {
		o.TLSConfig = t
	}
}

// WithContext sets the options context, the carrier for backend-specific
// tracked options.
func WithContext(ctx context.Context) Option {
	return func(o *Options) {
		o.Context = ctx
	}
}

// WithAckMode selects the acknowledgement strategy for a subscription.
func WithAckMode(m AckMode) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.AckMode = m
	}
}

// WithQueue sets the name of the queue to share messages on.
func WithQueue(name string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Queue = name
	}
}

// WithDeadLetterQueue routes failed deliveries to the named queue on
// backends that support dead-lettering.
func WithDeadLetterQueue(name string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.DeadLetterQueue = name
	}
}

// PublishContext set context.
func PublishContext(ctx context.Context) PublishOption {
	return func(o *PublishOptions) {
		o.Context = ctx
	}
}

func WithShardingKey(v string) PublishOption {
	return func(o *PublishOptions) {
		o.ShardingKey = v
	}
}

// WithDelay postpones delivery by d on backends that support it.
func WithDelay(d time.Duration) PublishOption {
	return func(o *PublishOptions) {
		o.Delay = d
	}
}

// SubscribeContext set context.
func SubscribeContext(ctx context.Context) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Context = ctx
	}
}
