// Package rocketmq implements the courier.Broker contract on top of
// Apache RocketMQ using rocketmq-client-go. The push-consumer API settles
// deliveries in batches, so AckManual degrades to AckOnSuccess here.
package rocketmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/qvcloud/courier"
)

type rocketBroker struct {
	opts courier.Options

	mu       sync.RWMutex
	producer rocketmq.Producer
	consumer rocketmq.PushConsumer
	running  bool

	newProducer func(addrs []string) (rocketmq.Producer, error)
	newConsumer func(addrs []string, group string) (rocketmq.PushConsumer, error)
}

func (b *rocketBroker) Options() courier.Options { return b.opts }

func (b *rocketBroker) Address() string {
	if len(b.opts.Addrs) > 0 {
		return b.opts.Addrs[0]
	}
	return ""
}

func (b *rocketBroker) Init(opts ...courier.Option) error {
	for _, o := range opts {
		o(&b.opts)
	}
	return nil
}

func (b *rocketBroker) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}
	if len(b.opts.Addrs) == 0 {
		return courier.ErrNoAddress
	}

	if b.producer == nil {
		p, err := b.newProducer(b.opts.Addrs)
		if err != nil {
			return &courier.ConnectError{Addr: b.Address(), Err: err}
		}
		if err := p.Start(); err != nil {
			return &courier.ConnectError{Addr: b.Address(), Err: err}
		}
		b.producer = p
	}

	b.running = true

	courier.WarnUnconsumed(b.opts.Context, b.opts.Logger)

	return nil
}

func (b *rocketBroker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	if b.producer != nil {
		b.producer.Shutdown()
		b.producer = nil
	}
	if b.consumer != nil {
		b.consumer.Shutdown()
		b.consumer = nil
	}

	b.running = false
	return nil
}

func (b *rocketBroker) Publish(ctx context.Context, topic string, msg *courier.Message, opts ...courier.PublishOption) error {
	options := courier.PublishOptions{
		Context: ctx,
	}
	for _, o := range opts {
		o(&options)
	}

	b.mu.RLock()
	p := b.producer
	b.mu.RUnlock()

	if p == nil {
		return courier.ErrNotConnected
	}

	rm := primitive.NewMessage(topic, msg.Body)
	for k, v := range msg.Header {
		rm.WithProperty(k, v)
	}
	if options.ShardingKey != "" {
		rm.WithShardingKey(options.ShardingKey)
	}
	if options.Delay > 0 {
		rm.WithDelayTimeLevel(delayLevel(options.Delay))
	}

	res, err := p.SendSync(ctx, rm)
	if err != nil {
		return &courier.PublishError{Topic: topic, Err: err}
	}
	if res.Status != primitive.SendOK {
		return &courier.PublishError{Topic: topic, Err: fmt.Errorf("send status %v", res.Status)}
	}

	courier.WarnUnconsumed(options.Context, b.opts.Logger)
	return nil
}

func (b *rocketBroker) Subscribe(topic string, handler courier.Handler, opts ...courier.SubscribeOption) (courier.Subscriber, error) {
	options := courier.NewSubscribeOptions(opts...)

	groupID := options.Queue
	if groupID == "" {
		groupID = "GID_COURIER"
	}

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil, courier.ErrNotConnected
	}
	if b.consumer == nil {
		c, err := b.newConsumer(b.opts.Addrs, groupID)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.consumer = c
		if err := b.consumer.Start(); err != nil {
			b.consumer = nil
			b.mu.Unlock()
			return nil, err
		}
	}
	c := b.consumer
	b.mu.Unlock()

	err := c.Subscribe(topic, consumer.MessageSelector{}, func(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, m := range msgs {
			ev := &rocketEvent{
				topic: topic,
				message: &courier.Message{
					Header: m.GetProperties(),
					Body:   m.Body,
				},
			}

			err := handler(ctx, ev)
			if err != nil {
				ev.err = err
				if eh := b.opts.ErrorHandler; eh != nil {
					eh(ctx, ev)
				}
				if options.AckMode != courier.AckOnDelivery {
					return consumer.ConsumeRetryLater, err
				}
			}
		}
		return consumer.ConsumeSuccess, nil
	})
	if err != nil {
		return nil, err
	}

	return &rocketSubscriber{
		topic: topic,
		opts:  options,
	}, nil
}

func (b *rocketBroker) String() string {
	return "rocketmq"
}

// delayLevel maps a duration onto RocketMQ's fixed delay levels
// (1s 5s 10s 30s 1m 2m ... 2h), picking the closest level at or above d.
func delayLevel(d time.Duration) int {
	secs := d.Seconds()
	levels := []float64{1, 5, 10, 30, 60, 120, 180, 240, 300, 360, 420, 480, 540, 600, 1200, 1800, 3600, 7200}
	for i, s := range levels {
		if secs <= s {
			return i + 1
		}
	}
	return len(levels)
}

type rocketSubscriber struct {
	topic string
	opts  courier.SubscribeOptions
}

func (s *rocketSubscriber) Options() courier.SubscribeOptions { return s.opts }
func (s *rocketSubscriber) Topic() string                     { return s.topic }
func (s *rocketSubscriber) Unsubscribe() error                { return nil }

type rocketEvent struct {
	topic   string
	message *courier.Message
	err     error
}

func (e *rocketEvent) Topic() string             { return e.topic }
func (e *rocketEvent) Message() *courier.Message { return e.message }
func (e *rocketEvent) Ack() error                { return nil }
func (e *rocketEvent) Nack(requeue bool) error   { return nil }
func (e *rocketEvent) Error() error              { return e.err }

// NewBroker returns a RocketMQ-backed courier.Broker.
func NewBroker(opts ...courier.Option) courier.Broker {
	options := courier.NewOptions(opts...)

	return &rocketBroker{
		opts: *options,
		newProducer: func(addrs []string) (rocketmq.Producer, error) {
			return rocketmq.NewProducer(
				producer.WithNameServer(addrs),
				producer.WithRetry(2),
			)
		},
		newConsumer: func(addrs []string, group string) (rocketmq.PushConsumer, error) {
			return rocketmq.NewPushConsumer(
				consumer.WithNameServer(addrs),
				consumer.WithGroupName(group),
			)
		},
	}
}
