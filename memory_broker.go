package courier

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// memoryBroker is a process-local Broker backed by per-topic FIFO
// backlogs. Messages published before any subscriber exists are held and
// delivered once one attaches, mirroring how a real queue retains its
// backlog. It is the default test double for the package and for code
// built on it.
type memoryBroker struct {
	opts *Options

	mu        sync.RWMutex
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
	queues    map[string]*memoryQueue
}

type memoryQueue struct {
	mu      sync.Mutex
	backlog []*Message
	// notify holds at most one token; push never blocks and every woken
	// consumer drains the backlog before waiting again, so no wakeup is
	// lost.
	notify chan struct{}
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{notify: make(chan struct{}, 1)}
}

func (q *memoryQueue) push(m *Message) {
	q.mu.Lock()
	q.backlog = append(q.backlog, m)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) pop() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 {
		return nil, false
	}
	m := q.backlog[0]
	q.backlog = q.backlog[1:]
	return m, true
}

func (b *memoryBroker) Options() Options { return *b.opts }

func (b *memoryBroker) Address() string { return "" }

func (b *memoryBroker) Init(opts ...Option) error {
	for _, o := range opts {
		o(b.opts)
	}
	return nil
}

func (b *memoryBroker) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.connected = true
	return nil
}

func (b *memoryBroker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil
	}
	b.cancel()
	b.connected = false
	return nil
}

func (b *memoryBroker) Publish(ctx context.Context, topic string, msg *Message, opts ...PublishOption) error {
	options := PublishOptions{Context: ctx}
	for _, o := range opts {
		o(&options)
	}

	b.mu.RLock()
	connected := b.connected
	b.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	if b.opts.Tracer != nil {
		var span trace.Span
		_, span = b.opts.Tracer.Start(ctx, "courier.publish",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("messaging.system", "memory"),
				attribute.String("messaging.destination", topic),
			),
		)
		defer span.End()
	}

	b.queue(topic).push(msg)
	return nil
}

// queue returns the backlog for topic, creating it on first use.
// Repeated declaration of the same topic is a no-op.
func (b *memoryBroker) queue(topic string) *memoryQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		q = newMemoryQueue()
		b.queues[topic] = q
	}
	return q
}

func (b *memoryBroker) Subscribe(topic string, handler Handler, opts ...SubscribeOption) (Subscriber, error) {
	options := NewSubscribeOptions(opts...)

	b.mu.RLock()
	connected := b.connected
	brokerCtx := b.ctx
	b.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithCancel(brokerCtx)
	sub := &memorySubscriber{
		id:     uuid.New().String(),
		topic:  topic,
		opts:   options,
		cancel: cancel,
	}

	q := b.queue(topic)
	go b.dispatch(ctx, q, topic, handler, options)

	// Wake the new subscriber for any backlog published before it existed.
	select {
	case q.notify <- struct{}{}:
	default:
	}

	return sub, nil
}

// dispatch drains q sequentially, one handler invocation per message, in
// publish order. Subscribers on the same topic compete for messages, so
// each message is delivered to exactly one of them.
func (b *memoryBroker) dispatch(ctx context.Context, q *memoryQueue, topic string, handler Handler, options SubscribeOptions) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}

		for {
			msg, ok := q.pop()
			if !ok {
				break
			}

			ev := &memoryEvent{topic: topic, message: msg, queue: q}
			if err := handler(ctx, ev); err != nil {
				// No broker-side redelivery here: a failed handler loses
				// the message unless it requeues via Nack(true) under
				// AckManual. ErrorHandler is the only escape hatch.
				ev.err = err
				if eh := b.opts.ErrorHandler; eh != nil {
					eh(ctx, ev)
				}
			}
		}
	}
}

func (b *memoryBroker) String() string { return "memory" }

type memorySubscriber struct {
	id     string
	topic  string
	opts   SubscribeOptions
	cancel context.CancelFunc
}

func (s *memorySubscriber) Options() SubscribeOptions { return s.opts }
func (s *memorySubscriber) Topic() string             { return s.topic }
func (s *memorySubscriber) Unsubscribe() error {
	s.cancel()
	return nil
}

type memoryEvent struct {
	topic   string
	message *Message
	queue   *memoryQueue
	err     error
}

func (e *memoryEvent) Topic() string     { return e.topic }
func (e *memoryEvent) Message() *Message { return e.message }
func (e *memoryEvent) Ack() error        { return nil }
func (e *memoryEvent) Error() error      { return e.err }

// Nack with requeue puts the message at the tail of the backlog, not the
// head, so a poisoned message cannot starve the queue.
func (e *memoryEvent) Nack(requeue bool) error {
	if requeue {
		e.queue.push(e.message)
	}
	return nil
}

// NewMemoryBroker returns a Broker that never leaves the process. It
// preserves FIFO order per topic and retains messages published before a
// subscriber exists.
func NewMemoryBroker(opts ...Option) Broker {
	options := NewOptions(opts...)

	return &memoryBroker{
		opts:   options,
		queues: make(map[string]*memoryQueue),
	}
}
