package cmds

import (
	"context"
	"io"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatty/pkg/config"
	"github.com/go-go-golems/chatty/pkg/httpapi"
	"github.com/go-go-golems/chatty/pkg/logging"
	"github.com/go-go-golems/chatty/pkg/redisstream"
	"github.com/go-go-golems/chatty/pkg/transport/eventbus"
	"github.com/go-go-golems/chatty/pkg/transport/pubsub"
	"github.com/go-go-golems/chatty/pkg/webchat"
)

// Wiring is the set of collaborators a channel needs, built from the configured transport.
type Wiring struct {
	Transport webchat.Transport
	History   webchat.HistoryFetcher
	Rooms     webchat.RoomCreator

	// background runs until ctx ends; a non-nil error means the transport failed.
	background []func(ctx context.Context) error
	// ready holds in-process servers that must be listening before the client publishes.
	ready   []<-chan struct{}
	closers []io.Closer
}

// WaitReady blocks until the transport and any in-process server are ready, or ctx ends.
func (w *Wiring) WaitReady(ctx context.Context) error {
	for _, ch := range append([]<-chan struct{}{w.Transport.Ready()}, w.ready...) {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run blocks until ctx ends or a background task fails.
func (w *Wiring) Run(ctx context.Context) error {
	if len(w.background) == 0 {
		<-ctx.Done()
		return nil
	}
	errc := make(chan error, len(w.background))
	for _, fn := range w.background {
		go func(fn func(context.Context) error) { errc <- fn(ctx) }(fn)
	}
	for range w.background {
		if err := <-errc; err != nil && ctx.Err() == nil {
			return err
		}
	}
	return nil
}

func (w *Wiring) Close() error {
	var first error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func httpAPI(cfg config.Config) (*httpapi.Client, error) {
	return httpapi.New(cfg.Server.URL, httpapi.WithCookie(cfg.Server.Cookie))
}

// Wire connects the configured transport. The HTTP routes serve history and room
// creation except in memory mode, where the loopback server answers both.
func Wire(ctx context.Context, cfg config.Config) (*Wiring, error) {
	switch cfg.Transport.Kind {
	case config.TransportEventBus:
		return wireEventBus(ctx, cfg)
	case config.TransportRedis:
		return wireRedis(ctx, cfg)
	case config.TransportMemory:
		return wireMemory(cfg)
	default:
		return nil, errors.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
}

func wireEventBus(ctx context.Context, cfg config.Config) (*Wiring, error) {
	api, err := httpAPI(cfg)
	if err != nil {
		return nil, err
	}
	client := eventbus.New(eventbus.Config{
		URL:            cfg.Server.URL,
		Path:           cfg.Server.EventBusPath,
		Cookie:         cfg.Server.Cookie,
		RequestTimeout: cfg.Transport.RequestTimeout,
	})
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return &Wiring{
		Transport: client,
		History:   api,
		Rooms:     api,
		background: []func(context.Context) error{func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return nil
			case <-client.Done():
				return errors.Wrap(client.Err(), "event bus connection lost")
			}
		}},
		closers: []io.Closer{client},
	}, nil
}

func wireRedis(ctx context.Context, cfg config.Config) (*Wiring, error) {
	ps, err := redisstream.BuildPubSub(cfg.Redis, logging.NewWatermill(log.Logger))
	if err != nil {
		return nil, err
	}
	if err := ps.Ping(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrapf(err, "redis %s", cfg.Redis.Addr)
	}
	tr, err := pubsub.New(pubsub.Config{
		Publisher:      ps.Publisher,
		Subscriber:     ps.Subscriber,
		PrepareTopic:   ps.PrepareTopic,
		RequestTimeout: cfg.Transport.RequestTimeout,
	})
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	w := &Wiring{Transport: tr, closers: []io.Closer{ps, tr}}
	if cfg.Server.URL != "" {
		api, err := httpAPI(cfg)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		w.History, w.Rooms = api, api
	}
	return w, nil
}

func wireMemory(cfg config.Config) (*Wiring, error) {
	gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logging.NewWatermill(log.Logger))
	tr, err := pubsub.New(pubsub.Config{
		Publisher:      gc,
		Subscriber:     gc,
		RequestTimeout: cfg.Transport.RequestTimeout,
	})
	if err != nil {
		_ = gc.Close()
		return nil, err
	}
	lb := pubsub.NewLoopback(pubsub.LoopbackConfig{
		Publisher:   gc,
		Subscriber:  gc,
		PresenceTTL: pubsub.PresenceTTLFor(cfg.Heartbeat.Interval),
	})
	log.Info().Str("component", "chatty").Msg("memory transport: rooms, presence and history are served in process")
	return &Wiring{
		Transport:  tr,
		History:    lb,
		Rooms:      lb,
		background: []func(context.Context) error{lb.Run},
		ready:      []<-chan struct{}{lb.Ready()},
		closers:    []io.Closer{gc, tr},
	}, nil
}
