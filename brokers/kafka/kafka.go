// Package kafka implements the courier.Broker contract on top of Kafka
// using segmentio/kafka-go. Acknowledgement maps to offset commits: a
// delivery is "acked" once its offset is committed for the consumer
// group.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qvcloud/courier"
	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaBroker struct {
	opts courier.Options

	mu      sync.RWMutex
	writer  kafkaWriter
	readers map[string]kafkaReader
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	newWriter func(addrs []string) kafkaWriter
	newReader func(cfg kafka.ReaderConfig) kafkaReader
}

func (b *kafkaBroker) Options() courier.Options { return b.opts }

func (b *kafkaBroker) Address() string {
	if len(b.opts.Addrs) > 0 {
		return b.opts.Addrs[0]
	}
	return ""
}

func (b *kafkaBroker) Init(opts ...courier.Option) error {
	for _, o := range opts {
		o(&b.opts)
	}
	return nil
}

func (b *kafkaBroker) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}
	if len(b.opts.Addrs) == 0 {
		return courier.ErrNoAddress
	}

	b.writer = b.newWriter(b.opts.Addrs)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.running = true

	courier.WarnUnconsumed(b.opts.Context, b.opts.Logger)

	return nil
}

func (b *kafkaBroker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	b.cancel()
	if b.writer != nil {
		b.writer.Close()
		b.writer = nil
	}
	for _, r := range b.readers {
		r.Close()
	}
	b.readers = make(map[string]kafkaReader)

	b.running = false
	return nil
}

func (b *kafkaBroker) Publish(ctx context.Context, topic string, msg *courier.Message, opts ...courier.PublishOption) error {
	options := courier.PublishOptions{
		Context: ctx,
	}
	for _, o := range opts {
		o(&options)
	}

	b.mu.RLock()
	w := b.writer
	b.mu.RUnlock()

	if w == nil {
		return courier.ErrNotConnected
	}

	headers := make([]kafka.Header, 0, len(msg.Header))
	for k, v := range msg.Header {
		headers = append(headers, kafka.Header{
			Key:   k,
			Value: []byte(v),
		})
	}

	err := w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(options.ShardingKey),
		Value:   msg.Body,
		Headers: headers,
	})
	if err != nil {
		return &courier.PublishError{Topic: topic, Err: err}
	}

	courier.WarnUnconsumed(options.Context, b.opts.Logger)
	return nil
}

func (b *kafkaBroker) Subscribe(topic string, handler courier.Handler, opts ...courier.SubscribeOption) (courier.Subscriber, error) {
	options := courier.NewSubscribeOptions(opts...)

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil, courier.ErrNotConnected
	}

	groupID := options.Queue
	if groupID == "" {
		groupID = "courier." + topic
	}

	reader := b.newReader(kafka.ReaderConfig{
		Brokers:  b.opts.Addrs,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	subID := fmt.Sprintf("%s-%s-%d", topic, groupID, time.Now().UnixNano())
	b.readers[subID] = reader
	brokerCtx := b.ctx
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(brokerCtx)

	go b.consume(ctx, reader, handler, options)

	return &kafkaSubscriber{
		topic:  topic,
		opts:   options,
		reader: reader,
		cancel: cancel,
	}, nil
}

// consume fetches until ctx is cancelled or the reader is closed. Under
// AckOnDelivery the offset is committed before the handler runs; under
// AckOnSuccess it is committed only after the handler returns nil, so a
// failed message is refetched after a rebalance or restart.
func (b *kafkaBroker) consume(ctx context.Context, reader kafkaReader, handler courier.Handler, options courier.SubscribeOptions) {
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return
		}

		if options.AckMode == courier.AckOnDelivery {
			if err := reader.CommitMessages(ctx, m); err != nil && b.opts.Logger != nil {
				b.opts.Logger.Logf("kafka: commit failed: %v", err)
			}
		}

		header := make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			header[h.Key] = string(h.Value)
		}

		ev := &kafkaEvent{
			topic: m.Topic,
			message: &courier.Message{
				Header: header,
				Body:   m.Value,
			},
			reader: reader,
			raw:    m,
			ctx:    ctx,
		}

		err = handler(ctx, ev)
		if err != nil {
			ev.err = err
			if eh := b.opts.ErrorHandler; eh != nil {
				eh(ctx, ev)
			}
		}

		if options.AckMode == courier.AckOnSuccess && err == nil {
			if err := reader.CommitMessages(ctx, m); err != nil && b.opts.Logger != nil {
				b.opts.Logger.Logf("kafka: commit failed: %v", err)
			}
		}
	}
}

func (b *kafkaBroker) String() string {
	return "kafka"
}

type kafkaSubscriber struct {
	topic  string
	opts   courier.SubscribeOptions
	reader kafkaReader
	cancel context.CancelFunc
}

func (s *kafkaSubscriber) Options() courier.SubscribeOptions { return s.opts }
func (s *kafkaSubscriber) Topic() string                     { return s.topic }
func (s *kafkaSubscriber) Unsubscribe() error {
	s.cancel()
	return s.reader.Close()
}

type kafkaEvent struct {
	topic   string
	message *courier.Message
	reader  kafkaReader
	raw     kafka.Message
	ctx     context.Context
	err     error
}

func (e *kafkaEvent) Topic() string             { return e.topic }
func (e *kafkaEvent) Message() *courier.Message { return e.message }

func (e *kafkaEvent) Ack() error {
	return e.reader.CommitMessages(e.ctx, e.raw)
}

// Nack leaves the offset uncommitted; Kafka has no per-message requeue,
// the group simply refetches from the last committed offset.
func (e *kafkaEvent) Nack(requeue bool) error { return nil }

func (e *kafkaEvent) Error() error { return e.err }

// NewBroker returns a Kafka-backed courier.Broker.
func NewBroker(opts ...courier.Option) courier.Broker {
	options := courier.NewOptions(opts...)

	return &kafkaBroker{
		opts:    *options,
		readers: make(map[string]kafkaReader),
		newWriter: func(addrs []string) kafkaWriter {
			return &kafka.Writer{
				Addr:     kafka.TCP(addrs...),
				Balancer: &kafka.LeastBytes{},
			}
		},
		newReader: func(cfg kafka.ReaderConfig) kafkaReader {
			return kafka.NewReader(cfg)
		},
	}
}
