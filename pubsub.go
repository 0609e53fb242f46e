package courier

import (
	"context"
)

// Send publishes a single message to queue over its own connection:
// connect, publish fire-and-forget, disconnect. The queue is declared by
// the backend if it does not exist yet. There is no retry; a connect
// failure surfaces as *ConnectError and a mid-operation failure as
// *PublishError.
func Send(ctx context.Context, b Broker, queue string, body []byte, opts ...PublishOption) error {
	if err := b.Connect(); err != nil {
		return err
	}
	defer b.Disconnect()

	return b.Publish(ctx, queue, &Message{Body: body}, opts...)
}

// Listen consumes from queue until ctx is cancelled, invoking handler
// once per delivered message. It owns the connection for its whole
// lifetime: connect, subscribe, block, unsubscribe, disconnect. The
// acknowledgement strategy defaults to AckOnSuccess; pass
// WithAckMode(AckOnDelivery) for the classic auto-ack behavior.
func Listen(ctx context.Context, b Broker, queue string, handler Handler, opts ...SubscribeOption) error {
	if err := b.Connect(); err != nil {
		return err
	}
	defer b.Disconnect()

	opts = append(opts, WithQueue(queue))
	sub, err := b.Subscribe(queue, handler, opts...)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}
