// Package nats implements the courier.Broker contract on top of NATS
// core subjects. Plain NATS is at-most-once by nature; Ack and Nack on
// events only take effect when the subject is served by JetStream.
package nats

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/qvcloud/courier"
)

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

type natsBroker struct {
	opts courier.Options

	mu      sync.RWMutex
	conn    natsConn
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	dial func(addr string, opts ...nats.Option) (natsConn, error)
}

func (b *natsBroker) Options() courier.Options { return b.opts }

func (b *natsBroker) Address() string {
	if len(b.opts.Addrs) > 0 {
		return b.opts.Addrs[0]
	}
	return nats.DefaultURL
}

func (b *natsBroker) Init(opts ...courier.Option) error {
	for _, o := range opts {
		o(&b.opts)
	}
	return nil
}

func (b *natsBroker) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	addr := b.Address()

	var nopts []nats.Option
	if b.opts.TLSConfig != nil {
		nopts = append(nopts, nats.Secure(b.opts.TLSConfig))
	}
	if b.opts.ClientID != "" {
		nopts = append(nopts, nats.Name(b.opts.ClientID))
	}
	if b.opts.Context != nil {
		if v, ok := courier.GetTrackedValue(b.opts.Context, maxReconnectKey{}).(int); ok {
			nopts = append(nopts, nats.MaxReconnects(v))
		}
		if v, ok := courier.GetTrackedValue(b.opts.Context, reconnectWaitKey{}).(time.Duration); ok {
			nopts = append(nopts, nats.ReconnectWait(v))
		}
	}

	conn, err := b.dial(addr, nopts...)
	if err != nil {
		return &courier.ConnectError{Addr: addr, Err: err}
	}
	b.conn = conn

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.running = true

	courier.WarnUnconsumed(b.opts.Context, b.opts.Logger)

	return nil
}

func (b *natsBroker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	b.cancel()
	if b.conn != nil {
		b.conn.Close()
	}

	b.running = false
	return nil
}

func (b *natsBroker) Publish(ctx context.Context, topic string, msg *courier.Message, opts ...courier.PublishOption) error {
	options := courier.PublishOptions{
		Context: ctx,
	}
	for _, o := range opts {
		o(&options)
	}

	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	if conn == nil {
		return courier.ErrNotConnected
	}

	nm := &nats.Msg{
		Subject: topic,
		Header:  make(nats.Header),
		Data:    msg.Body,
	}

	if options.Context != nil {
		if v, ok := courier.GetTrackedValue(options.Context, replyToKey{}).(string); ok {
			nm.Reply = v
		}
	}

	for k, v := range msg.Header {
		nm.Header.Set(k, v)
	}

	if err := conn.PublishMsg(nm); err != nil {
		return &courier.PublishError{Topic: topic, Err: err}
	}

	courier.WarnUnconsumed(options.Context, b.opts.Logger)
	return nil
}

func (b *natsBroker) Subscribe(topic string, handler courier.Handler, opts ...courier.SubscribeOption) (courier.Subscriber, error) {
	options := courier.NewSubscribeOptions(opts...)

	b.mu.RLock()
	conn := b.conn
	brokerCtx := b.ctx
	b.mu.RUnlock()

	if conn == nil {
		return nil, courier.ErrNotConnected
	}
	if brokerCtx == nil {
		brokerCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(brokerCtx)

	cb := func(nm *nats.Msg) {
		header := make(map[string]string, len(nm.Header))
		for k, v := range nm.Header {
			if len(v) > 0 {
				header[k] = v[0]
			}
		}

		ev := &natsEvent{
			topic: nm.Subject,
			message: &courier.Message{
				Header: header,
				Body:   nm.Data,
			},
			nm: nm,
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

		if options.AckMode != courier.AckOnSuccess {
			return
		}
		if err != nil {
			ev.Nack(true)
		} else {
			ev.Ack()
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if options.Queue != "" {
		sub, err = conn.QueueSubscribe(topic, options.Queue, cb)
	} else {
		sub, err = conn.Subscribe(topic, cb)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	return &natsSubscriber{
		topic:  topic,
		opts:   options,
		sub:    sub,
		cancel: cancel,
	}, nil
}

func (b *natsBroker) String() string {
	return "nats"
}

type natsSubscriber struct {
	topic  string
	opts   courier.SubscribeOptions
	sub    *nats.Subscription
	cancel context.CancelFunc
}

func (s *natsSubscriber) Options() courier.SubscribeOptions { return s.opts }
func (s *natsSubscriber) Topic() string                     { return s.topic }
func (s *natsSubscriber) Unsubscribe() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		return s.sub.Unsubscribe()
	}
	return nil
}

type natsEvent struct {
	topic   string
	message *courier.Message
	nm      *nats.Msg
	err     error
}

func (e *natsEvent) Topic() string             { return e.topic }
func (e *natsEvent) Message() *courier.Message { return e.message }

// Ack is meaningful only for JetStream-delivered messages; on core NATS
// subjects the library reports there is nothing to acknowledge and the
// error is discarded here.
func (e *natsEvent) Ack() error {
	return ignoreUnackable(e.nm.Ack())
}

func (e *natsEvent) Nack(requeue bool) error {
	if requeue {
		return ignoreUnackable(e.nm.Nak())
	}
	return ignoreUnackable(e.nm.Term())
}

func ignoreUnackable(err error) error {
	if err == nats.ErrMsgNoReply || err == nats.ErrMsgNotBound {
		return nil
	}
	return err
}

func (e *natsEvent) Error() error { return e.err }

// NewBroker returns a NATS-backed courier.Broker. Without courier.Addrs
// it targets nats.DefaultURL.
func NewBroker(opts ...courier.Option) courier.Broker {
	options := courier.NewOptions(opts...)
	return &natsBroker{
		opts: *options,
		dial: func(addr string, opts ...nats.Option) (natsConn, error) {
			return nats.Connect(addr, opts...)
		},
	}
}

type maxReconnectKey struct{}
type reconnectWaitKey struct{}
type replyToKey struct{}

// WithMaxReconnect caps reconnection attempts after a dropped connection.
func WithMaxReconnect(max int) courier.Option {
	return func(o *courier.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, maxReconnectKey{}, max, "nats.WithMaxReconnect")
	}
}

// WithReconnectWait sets the pause between reconnection attempts.
func WithReconnectWait(wait time.Duration) courier.Option {
	return func(o *courier.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, reconnectWaitKey{}, wait, "nats.WithReconnectWait")
	}
}

// WithReplyTo sets the reply subject on a published message.
func WithReplyTo(reply string) courier.PublishOption {
	return func(o *courier.PublishOptions) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = courier.WithTrackedValue(o.Context, replyToKey{}, reply, "nats.WithReplyTo")
	}
}
