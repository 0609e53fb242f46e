package courier

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingBroker stands in for a broker whose endpoint is unreachable.
type failingBroker struct {
	memoryBroker
	connectErr    error
	publishErr    error
	disconnected  bool
	publishCalled bool
}

func (f *failingBroker) Connect() error {
	if f.connectErr != nil {
		return f.connectErr
	}
	return f.memoryBroker.Connect()
}

func (f *failingBroker) Disconnect() error {
	f.disconnected = true
	return f.memoryBroker.Disconnect()
}

func (f *failingBroker) Publish(ctx context.Context, topic string, msg *Message, opts ...PublishOption) error {
	f.publishCalled = true
	if f.publishErr != nil {
		return f.publishErr
	}
	return f.memoryBroker.Publish(ctx, topic, msg, opts...)
}

func newFailingBroker() *failingBroker {
	return &failingBroker{
		memoryBroker: memoryBroker{
			opts:   NewOptions(),
			queues: make(map[string]*memoryQueue),
		},
	}
}

func TestSend_DeliversViaBacklog(t *testing.T) {
	b := NewMemoryBroker()

	// One-shot publish: Send owns the connection and closes it again.
	require.NoError(t, Send(context.Background(), b, "hello", []byte("Hello from RabbitMQ!")))
	assert.False(t, b.(*memoryBroker).connected, "Send must release its connection")

	// A consumer arriving later still receives the message.
	require.NoError(t, b.Connect())
	defer b.Disconnect()

	got := make(chan string, 1)
	sub, err := b.Subscribe("hello", func(ctx context.Context, ev Event) error {
		got <- string(ev.Message().Body)
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case body := <-got:
		assert.Equal(t, "Hello from RabbitMQ!", body)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSend_UnreachableBroker(t *testing.T) {
	b := newFailingBroker()
	b.connectErr = &ConnectError{Addr: "amqp://down:5672/", Err: errors.New("connection refused")}

	err := Send(context.Background(), b, "hello", []byte("x"))

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.False(t, b.publishCalled, "nothing may be published on a failed connect")
}

func TestSend_PublishFailure(t *testing.T) {
	b := newFailingBroker()
	b.publishErr = &PublishError{Topic: "hello", Err: errors.New("connection dropped")}

	err := Send(context.Background(), b, "hello", []byte("x"))

	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "hello", pe.Topic)
	assert.True(t, b.disconnected, "the connection is released even on failure")
}

func TestListen_ConsumesUntilCancelled(t *testing.T) {
	b := NewMemoryBroker()

	// Three messages land in the backlog before any consumer exists.
	require.NoError(t, b.Connect())
	for i := 1; i <= 3; i++ {
		body := fmt.Sprintf("message-%d", i)
		require.NoError(t, b.Publish(context.Background(), "hello", &Message{Body: []byte(body)}))
	}
	require.NoError(t, b.Disconnect())

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan string, 3)
	done := make(chan error, 1)

	go func() {
		done <- Listen(ctx, b, "hello", func(ctx context.Context, ev Event) error {
			got <- string(ev.Message().Body)
			return nil
		})
	}()

	for i := 1; i <= 3; i++ {
		select {
		case body := <-got:
			assert.Equal(t, fmt.Sprintf("message-%d", i), body)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing message %d", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after cancellation")
	}
	assert.False(t, b.(*memoryBroker).connected, "Listen must release its connection")
}

func TestListen_ConnectFailure(t *testing.T) {
	b := newFailingBroker()
	b.connectErr = &ConnectError{Addr: "amqp://down:5672/", Err: errors.New("connection refused")}

	err := Listen(context.Background(), b, "hello", func(ctx context.Context, ev Event) error { return nil })

	var ce *ConnectError
	assert.ErrorAs(t, err, &ce)
}
