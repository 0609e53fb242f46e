// Package courier is a vendor-neutral client for message queues. It
// defines a small Broker contract implemented by the backends under
// brokers/, plus one-shot Send and blocking Listen helpers that own the
// connection lifecycle for the common produce/consume roles.
package courier

import (
	"context"
)

// Broker is an interface used for asynchronous messaging.
type Broker interface {
	Init(...Option) error
	Options() Options
	Address() string
	Connect() error
	Disconnect() error
	Publish(ctx context.Context, topic string, msg *Message, opts ...PublishOption) error
	Subscribe(topic string, h Handler, opts ...SubscribeOption) (Subscriber, error)
	String() string
}

// Handler is used to process messages via a subscription of a topic.
type Handler func(context.Context, Event) error

// Message is a message send/received from the broker. The body is an
// opaque byte payload; headers are optional and may be dropped by
// backends that do not support them.
type Message struct {
	Header map[string]string
	Body   []byte
}

// Event is given to a subscription handler for processing. Ack and Nack
// are meaningful only under AckManual; in the other modes the broker
// settles the delivery itself.
type Event interface {
	Topic() string
	Message() *Message
	Ack() error
	Nack(requeue bool) error
	Error() error
}

// Subscriber is a convenience return type for the Subscribe method.
type Subscriber interface {
	Options() SubscribeOptions
	Topic() string
	Unsubscribe() error
}

// Marshaler is a simple encoding interface.
type Marshaler interface {
	Marshal(interface{}) ([]byte, error)
	Unmarshal([]byte, interface{}) error
	String() string
}
