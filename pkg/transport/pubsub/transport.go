// Package pubsub carries webchat topics over Watermill publishers and subscribers
// (in-memory GoChannel or Redis Streams).
package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatty/pkg/webchat"
)

// ReplyToMetadataKey names the topic a request's reply must be published on.
const ReplyToMetadataKey = "reply_to"

const replyTopicPrefix = "webchat.reply."

type Config struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// PrepareTopic runs before each subscription, e.g. to place a consumer group at the stream tail.
	PrepareTopic   func(ctx context.Context, topic string) error
	RequestTimeout time.Duration
}

// Transport implements webchat.Transport on Watermill. Payloads travel as JSON message bodies;
// requests carry a correlation id and a private reply topic in their metadata.
type Transport struct {
	cfg   Config
	ready chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	replyTopic string
	replyOnce  sync.Once
	replyErr   error

	mu      sync.Mutex
	pending map[string]chan json.RawMessage
}

var _ webchat.Transport = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	if cfg.Publisher == nil || cfg.Subscriber == nil {
		return nil, errors.New("pubsub transport needs a publisher and a subscriber")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:        cfg,
		ready:      make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		replyTopic: replyTopicPrefix + uuid.NewString(),
		pending:    map[string]chan json.RawMessage{},
	}
	// watermill publishers and subscribers are usable as soon as they are constructed
	close(t.ready)
	return t, nil
}

func (t *Transport) Ready() <-chan struct{} { return t.ready }

type subscription struct {
	topic  string
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() error {
	s.cancel()
	<-s.done
	return nil
}

func (t *Transport) Subscribe(topic string, h webchat.Handler) (webchat.Subscription, error) {
	if h == nil {
		return nil, errors.New("handler is nil")
	}
	return t.subscribe(topic, func(ctx context.Context, msg *message.Message) {
		h(ctx, webchat.Envelope{Topic: topic, Payload: json.RawMessage(msg.Payload)})
	})
}

func (t *Transport) subscribe(topic string, fn func(context.Context, *message.Message)) (*subscription, error) {
	if t.ctx.Err() != nil {
		return nil, errors.New("transport is closed")
	}
	ctx, cancel := context.WithCancel(t.ctx)
	if t.cfg.PrepareTopic != nil {
		if err := t.cfg.PrepareTopic(ctx, topic); err != nil {
			cancel()
			return nil, errors.Wrapf(err, "prepare topic %s", topic)
		}
	}
	ch, err := t.cfg.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	sub := &subscription{topic: topic, cancel: cancel, done: make(chan struct{})}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(sub.done)
		t.consume(ctx, topic, ch, fn)
	}()
	log.Debug().Str("component", "pubsub").Str("topic", topic).Msg("subscribed")
	return sub, nil
}

func (t *Transport) consume(ctx context.Context, topic string, ch <-chan *message.Message, fn func(context.Context, *message.Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				log.Debug().Str("component", "pubsub").Str("topic", topic).Msg("subscription closed")
				return
			}
			fn(ctx, msg)
			msg.Ack()
		}
	}
}

func (t *Transport) Publish(ctx context.Context, topic string, payload any) error {
	msg, err := newMessage(ctx, payload)
	if err != nil {
		return err
	}
	return errors.Wrapf(t.cfg.Publisher.Publish(topic, msg), "publish %s", topic)
}

// Request publishes payload on topic and waits for the correlated reply.
func (t *Transport) Request(ctx context.Context, topic string, payload any) (json.RawMessage, error) {
	t.replyOnce.Do(func() {
		_, t.replyErr = t.subscribe(t.replyTopic, t.onReply)
	})
	if t.replyErr != nil {
		return nil, errors.Wrap(t.replyErr, "reply subscription")
	}

	msg, err := newMessage(ctx, payload)
	if err != nil {
		return nil, err
	}
	correlationID := uuid.NewString()
	middleware.SetCorrelationID(correlationID, msg)
	msg.Metadata.Set(ReplyToMetadataKey, t.replyTopic)

	replyCh := make(chan json.RawMessage, 1)
	t.mu.Lock()
	t.pending[correlationID] = replyCh
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, correlationID)
		t.mu.Unlock()
	}()

	if err := t.cfg.Publisher.Publish(topic, msg); err != nil {
		return nil, errors.Wrapf(err, "publish request %s", topic)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "await reply on %s", topic)
	}
}

func (t *Transport) onReply(_ context.Context, msg *message.Message) {
	id := middleware.MessageCorrelationID(msg)
	t.mu.Lock()
	ch, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		log.Debug().Str("component", "pubsub").Str("correlation_id", id).Msg("dropping unmatched reply")
		return
	}
	select {
	case ch <- json.RawMessage(append([]byte(nil), msg.Payload...)):
	default:
	}
}

// Close stops every subscription. The publisher and subscriber stay owned by the caller.
func (t *Transport) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}

func newMessage(ctx context.Context, payload any) (*message.Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	msg := message.NewMessage(uuid.NewString(), body)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return msg, nil
}

// Reply publishes payload as the answer to req. Requests without a reply topic are ignored.
func Reply(pub message.Publisher, req *message.Message, payload any) error {
	replyTo := req.Metadata.Get(ReplyToMetadataKey)
	if replyTo == "" {
		return nil
	}
	msg, err := newMessage(req.Context(), payload)
	if err != nil {
		return err
	}
	middleware.SetCorrelationID(middleware.MessageCorrelationID(req), msg)
	return errors.Wrapf(pub.Publish(replyTo, msg), "publish reply %s", replyTo)
}
