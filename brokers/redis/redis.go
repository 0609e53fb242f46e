// Package redis implements the courier.Broker contract on top of Redis
// Streams. A stream per topic holds the backlog, so messages published
// before any consumer exists are delivered once a group is created; acks
// map to XACK within the consumer group.
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qvcloud/courier"
	"github.com/redis/go-redis/v9"
)

type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

type redisBroker struct {
	opts courier.Options

	mu      sync.RWMutex
	client  redisClient
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	newClient func(opts *redis.Options) redisClient
}

func (b *redisBroker) Options() courier.Options { return b.opts }

func (b *redisBroker) Address() string {
	if len(b.opts.Addrs) > 0 {
		return b.opts.Addrs[0]
	}
	return ""
}

func (b *redisBroker) Init(opts ...courier.Option) error {
	for _, o := range opts {
		o(&b.opts)
	}
	return nil
}

func (b *redisBroker) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	addr := b.Address()
	if addr == "" {
		return courier.ErrNoAddress
	}

	ropts := &redis.Options{
		Addr:      addr,
		TLSConfig: b.opts.TLSConfig,
	}
	if b.opts.Context != nil {
		if v, ok := courier.GetTrackedValue(b.opts.Context, passwordKey{}).(string); ok {
			ropts.Password = v
		}
		if v, ok := courier.GetTrackedValue(b.opts.Context, dbKey{}).(int); ok {
			ropts.DB = v
		}
	}

	client := b.newClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return &courier.ConnectError{Addr: addr, Err: err}
	}

	b.client = client
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.running = true

	courier.WarnUnconsumed(b.opts.Context, b.opts.Logger)
	return nil
}

func (b *redisBroker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	b.cancel()
	if b.client != nil {
		b.client.Close()
	}

	b.running = false
	return nil
}

func (b *redisBroker) Publish(ctx context.Context, topic string, msg *courier.Message, opts ...courier.PublishOption) error {
	options := courier.PublishOptions{Context: ctx}
	for _, o := range opts {
		o(&options)
	}

	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()

	if client == nil {
		return courier.ErrNotConnected
	}

	values := make(map[string]interface{}, len(msg.Header)+1)
	values["body"] = msg.Body
	for k, v := range msg.Header {
		values["h:"+k] = v
	}

	maxlen := int64(0)
	if options.Context != nil {
		if v, ok := courier.GetTrackedValue(options.Context, maxlenKey{}).(int64); ok {
			maxlen = v
		}
	}

	err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: values,
		MaxLen: maxlen,
		Approx: true,
	}).Err()
	if err != nil {
		return &courier.PublishError{Topic: topic, Err: err}
	}

	courier.WarnUnconsumed(options.Context, b.opts.Logger)
	return nil
}

func (b *redisBroker) Subscribe(topic string, handler courier.Handler, opts ...courier.SubscribeOption) (courier.Subscriber, error) {
	options := courier.NewSubscribeOptions(opts...)

	group := options.Queue
	if group == "" {
		group = "courier." + topic
	}

	consumerName := b.opts.ClientID
	if consumerName == "" {
		consumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}

	b.mu.RLock()
	client := b.client
	brokerCtx := b.ctx
	b.mu.RUnlock()

	if client == nil {
		return nil, courier.ErrNotConnected
	}

	// Creating the group from id 0 makes the whole existing backlog
	// visible to it; recreating an existing group is a no-op.
	err := client.XGroupCreateMkStream(brokerCtx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, err
	}

	ctx, cancel := context.WithCancel(brokerCtx)

	go func() {
		// Deliveries claimed but never acked by a previous incarnation
		// of this consumer come first, then new messages.
		b.readStream(ctx, client, topic, group, consumerName, "0", handler, options)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !b.readStream(ctx, client, topic, group, consumerName, ">", handler, options) {
				time.Sleep(100 * time.Millisecond)
			}
		}
	}()

	return &redisSubscriber{
		topic:  topic,
		opts:   options,
		cancel: cancel,
	}, nil
}

func (b *redisBroker) readStream(ctx context.Context, client redisClient, topic, group, consumer, id string, handler courier.Handler, options courier.SubscribeOptions) bool {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, id},
		Count:    10,
		Block:    5 * time.Second,
	}).Result()

	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			if l := b.opts.Logger; l != nil {
				l.Logf("redis: read error: %v", err)
			}
			time.Sleep(time.Second)
		}
		return false
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return false
	}

	for _, xm := range streams[0].Messages {
		b.handle(ctx, client, streams[0].Stream, group, xm, handler, options)
	}
	return true
}

func (b *redisBroker) handle(ctx context.Context, client redisClient, stream, group string, xm redis.XMessage, handler courier.Handler, options courier.SubscribeOptions) {
	msg := &courier.Message{
		Header: make(map[string]string),
	}
	switch body := xm.Values["body"].(type) {
	case []byte:
		msg.Body = body
	case string:
		msg.Body = []byte(body)
	}
	for k, v := range xm.Values {
		if strings.HasPrefix(k, "h:") {
			msg.Header[k[2:]] = fmt.Sprint(v)
		}
	}

	ev := &redisEvent{
		topic:  stream,
		msg:    msg,
		raw:    xm,
		group:  group,
		client: client,
	}

	if options.AckMode == courier.AckOnDelivery {
		ev.Ack()
	}

	err := handler(ctx, ev)
	if err != nil {
		ev.err = err
		if eh := b.opts.ErrorHandler; eh != nil {
			eh(ctx, ev)
		}
	}

	// Under AckOnSuccess a failed delivery stays pending in the group
	// and is replayed from id "0" on the next subscribe.
	if options.AckMode == courier.AckOnSuccess && err == nil {
		ev.Ack()
	}
}

func (b *redisBroker) String() string { return "redis" }

type redisSubscriber struct {
	topic  string
	opts   courier.SubscribeOptions
	cancel context.CancelFunc
}

func (s *redisSubscriber) Options() courier.SubscribeOptions { return s.opts }
func (s *redisSubscriber) Topic() string                     { return s.topic }
func (s *redisSubscriber) Unsubscribe() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

type redisEvent struct {
	topic  string
	msg    *courier.Message
	raw    redis.XMessage
	group  string
	client redisClient
	err    error
}

func (e *redisEvent) Topic() string             { return e.topic }
func (e *redisEvent) Message() *courier.Message { return e.msg }

func (e *redisEvent) Ack() error {
	return e.client.XAck(context.Background(), e.topic, e.group, e.raw.ID).Err()
}

// Nack without requeue acks the entry so the group stops seeing it;
// with requeue it stays pending for a later claim.
func (e *redisEvent) Nack(requeue bool) error {
	if !requeue {
		return e.Ack()
	}
	return nil
}

func (e *redisEvent) Error() error { return e.err }

type passwordKey struct{}
type dbKey struct{}
type maxlenKey struct{}

// WithPassword authenticates the connection.
func WithPassword(p string) courier.Option {
	return func(o *courier.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, passwordKey{}, p, "redis.WithPassword")
	}
}

// WithDB selects the logical database.
func WithDB(db int) courier.Option {
	return func(o *courier.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, dbKey{}, db, "redis.WithDB")
	}
}

// WithMaxLen trims the stream to approximately l entries on publish.
func WithMaxLen(l int64) courier.PublishOption {
	return func(o *courier.PublishOptions) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, maxlenKey{}, l, "redis.WithMaxLen")
	}
}

// NewBroker returns a Redis Streams-backed courier.Broker.
func NewBroker(opts ...courier.Option) courier.Broker {
	return &redisBroker{
		opts: *courier.NewOptions(opts...),
		newClient: func(opts *redis.Options) redisClient {
			return redis.NewClient(opts)
		},
	}
}
