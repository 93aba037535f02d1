package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PubSub bundles a Redis Streams publisher and subscriber sharing one client.
type PubSub struct {
	Client     redis.UniversalClient
	Publisher  message.Publisher
	Subscriber message.Subscriber
	settings   Settings
}

func NewClient(s Settings) redis.UniversalClient {
	return redis.NewClient(&redis.Options{Addr: s.Addr, Password: s.Password, DB: s.DB})
}

// BuildPubSub constructs the Watermill publisher and subscriber for s.
func BuildPubSub(s Settings, logger watermill.LoggerAdapter) (*PubSub, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	client := NewClient(s)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis subscriber")
	}

	return &PubSub{Client: client, Publisher: pub, Subscriber: sub, settings: s}, nil
}

// Ping checks that the server is reachable.
func (p *PubSub) Ping(ctx context.Context) error {
	return errors.Wrap(p.Client.Ping(ctx).Err(), "ping redis")
}

// PrepareTopic makes a new consumer group start at the stream tail so joining a room does not
// replay old broadcasts. It does nothing in fan-out mode.
func (p *PubSub) PrepareTopic(ctx context.Context, topic string) error {
	if p.settings.Group == "" {
		return nil
	}
	return EnsureGroupAtTail(ctx, p.Client, topic, p.settings.Group)
}

func (p *PubSub) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{p.Subscriber, p.Publisher, p.Client} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
