package webchat

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateTornDown:
		return "torn-down"
	default:
		return "unknown"
	}
}

// HistoryPathPrefix is where the server exposes per-room history.
const HistoryPathPrefix = "/protected/history/"

// HistorySource returns the default history reference for roomID.
func HistorySource(roomID string) string {
	return HistoryPathPrefix + url.PathEscape(roomID)
}

type ChannelConfig struct {
	Transport Transport
	History   HistoryFetcher
	Rooms     RoomCreator
	// Directory defaults to a TransportDirectory over Transport.
	Directory DirectoryLookup
	Sink      RenderSink
	Input     InputSource

	HeartbeatInterval time.Duration
}

// Channel is one client's live session in one room. It moves from uninitialized to active
// on Init and to torn down on Teardown; it cannot be re-initialized. Switching rooms means
// creating a new Channel.
type Channel struct {
	cfg ChannelConfig

	state     atomic.Int32
	lifecycle sync.Mutex
	done      chan struct{}

	session Session
	// base never changes; logger gains the session fields in Init.
	base   zerolog.Logger
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	loop   *eventLoop

	cache      *UserDirectoryCache
	reconciler *HistoryReconciler
	router     *RoomMessageRouter
	heartbeat  *PresenceHeartbeat
	subs       []Subscription
}

func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.Transport == nil {
		return nil, errors.Wrap(ErrMissingCollaborator, "transport")
	}
	if cfg.Sink == nil {
		return nil, errors.Wrap(ErrMissingCollaborator, "render sink")
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, ErrInvalidInterval
	}
	if cfg.Directory == nil {
		cfg.Directory = TransportDirectory{Transport: cfg.Transport}
	}
	base := log.With().Str("component", "webchat").Logger()
	return &Channel{
		cfg:    cfg,
		done:   make(chan struct{}),
		base:   base,
		logger: base,
	}, nil
}

func (c *Channel) State() State { return State(c.state.Load()) }

func (c *Channel) active() bool { return c.State() == StateActive }

// Session returns the session bound by Init.
func (c *Channel) Session() Session {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.session
}

// Done is closed when the channel is torn down.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) checkActive(op string) error {
	switch c.State() {
	case StateActive:
		return nil
	case StateUninitialized:
		c.base.Error().Str("op", op).Msg("channel used before init")
		return errors.Wrap(ErrNotInitialized, op)
	default:
		c.logger.Error().Str("op", op).Msg("channel used after teardown")
		return errors.Wrap(ErrTornDown, op)
	}
}

// post queues fn on the event loop; fn is skipped if the channel is no longer active
// when its turn comes.
func (c *Channel) post(fn func()) bool {
	return c.loop.Post(func() {
		if !c.active() {
			return
		}
		fn()
	})
}

// Init activates the channel for session: it waits for the transport, starts the history
// fetch, subscribes to the room's topics and starts the presence heartbeat.
func (c *Channel) Init(ctx context.Context, session Session) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch c.State() {
	case StateActive:
		c.logger.Error().Str("room_id", session.RoomID).Msg("channel initialized twice")
		return ErrAlreadyInitialized
	case StateTornDown:
		c.logger.Error().Str("room_id", session.RoomID).Msg("channel initialized after teardown")
		return ErrTornDown
	case StateUninitialized:
	}
	if err := session.Validate(); err != nil {
		return errors.Wrap(err, "init channel")
	}
	if strings.TrimSpace(session.HistorySource) == "" {
		session.HistorySource = HistorySource(session.RoomID)
	}

	select {
	case <-c.cfg.Transport.Ready():
	case <-ctx.Done():
		return errors.Wrap(ErrNotReady, ctx.Err().Error())
	}

	c.session = session
	c.logger = c.base.With().
		Str("room_id", session.RoomID).
		Str("user_id", session.UserID).
		Logger()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.loop = newEventLoop(256)
	c.cache = NewUserDirectoryCache(c.cfg.Directory, c.post)
	c.reconciler = NewHistoryReconciler(c.cfg.History, c.post, c.cfg.Sink.AppendMessage, WithHistoryFailureHandler(c.reportError))
	c.router = NewRoomMessageRouter(session.RoomID, c.reconciler, c.cache, c.cfg.Sink)
	c.heartbeat = NewPresenceHeartbeat(c.cfg.Transport)
	c.state.Store(int32(StateActive))

	// history is requested before any live subscription so early live traffic buffers behind it
	var beginErr error
	if err := c.loop.Call(func() {
		beginErr = c.reconciler.Begin(c.ctx, session.RoomID, session.HistorySource)
	}); err != nil {
		beginErr = err
	}
	if beginErr != nil {
		c.logger.Warn().Err(beginErr).Msg("history request failed to start")
	}

	c.subscribe(TopicClient, c.onChatMessage)
	c.subscribe(PartakersTopic(session.RoomID), c.onPartakers)
	c.subscribe(TopicRooms, c.onRooms)

	if err := c.heartbeat.Start(session, c.cfg.HeartbeatInterval); err != nil {
		c.logger.Error().Err(err).Msg("presence heartbeat failed to start")
	}

	c.logger.Info().Dur("heartbeat", c.cfg.HeartbeatInterval).Msg("channel active")
	return nil
}

func (c *Channel) subscribe(topic string, h Handler) {
	sub, err := c.cfg.Transport.Subscribe(topic, h)
	if err != nil {
		c.logger.Error().Err(&TransportError{Op: "subscribe", Topic: topic, Err: err}).Msg("subscription failed")
		return
	}
	c.subs = append(c.subs, sub)
}

func (c *Channel) onChatMessage(_ context.Context, env Envelope) {
	msg, err := DecodeChatMessage(env.Topic, env.Payload)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping chat delivery")
		return
	}
	c.post(func() { c.router.RouteInboundMessage(msg) })
}

func (c *Channel) onPartakers(_ context.Context, env Envelope) {
	snapshot, err := DecodePresenceSnapshot(env.Topic, env.Payload)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping roster delivery")
		return
	}
	c.post(func() { c.router.RoutePresenceSnapshot(snapshot) })
}

func (c *Channel) onRooms(_ context.Context, env Envelope) {
	rooms, err := DecodeRoomRoster(env.Topic, env.Payload)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping room list delivery")
		return
	}
	c.post(func() { c.router.RouteRoomRoster(rooms) })
}

func (c *Channel) reportError(err error) {
	if r, ok := c.cfg.Sink.(ErrorReporter); ok {
		r.ReportError(err)
	}
}

// Submit publishes text to the room. Empty or whitespace-only text is ignored. On success
// the input source, if any, is told to clear its buffer.
func (c *Channel) Submit(ctx context.Context, text string) error {
	if err := c.checkActive("submit"); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	session := c.Session()
	body, err := OutboundMessage{UserID: session.UserID, RoomID: session.RoomID, Text: text}.Body()
	if err != nil {
		return err
	}
	if err := c.cfg.Transport.Publish(ctx, TopicServer, body); err != nil {
		terr := &TransportError{Op: "publish", Topic: TopicServer, Err: err}
		c.logger.Warn().Err(terr).Msg("chat submission failed")
		return terr
	}
	if c.cfg.Input != nil {
		c.cfg.Input.Clear()
	}
	return nil
}

// CreateRoom asks the server to create a room. Failures are returned as-is, without retry.
func (c *Channel) CreateRoom(ctx context.Context, name string) (RoomDescriptor, error) {
	if err := c.checkActive("create room"); err != nil {
		return RoomDescriptor{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return RoomDescriptor{}, ErrEmptyRoomName
	}
	if c.cfg.Rooms == nil {
		return RoomDescriptor{}, errors.Wrap(ErrMissingCollaborator, "room creator")
	}
	room, err := c.cfg.Rooms.CreateRoom(ctx, name)
	if err != nil {
		c.logger.Warn().Err(err).Str("room_name", name).Msg("room creation failed")
		return RoomDescriptor{}, errors.Wrapf(err, "create room %q", name)
	}
	if n, ok := c.cfg.Sink.(RoomCreatedNotifier); ok {
		c.post(func() { n.RoomCreated(room) })
	}
	c.logger.Info().Str("room_name", name).Str("new_room_id", room.RoomID).Msg("room created")
	return room, nil
}

// Run feeds submissions from the input source into Submit until ctx ends, the input
// closes, or the channel is torn down.
func (c *Channel) Run(ctx context.Context) error {
	if err := c.checkActive("run"); err != nil {
		return err
	}
	if c.cfg.Input == nil {
		return errors.Wrap(ErrMissingCollaborator, "input source")
	}
	submissions := c.cfg.Input.Submissions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case text, ok := <-submissions:
			if !ok {
				return nil
			}
			if err := c.Submit(ctx, text); err != nil {
				if errors.Is(err, ErrTornDown) {
					return nil
				}
				// transport failures leave the input path open
				c.post(func() { c.reportError(err) })
			}
		}
	}
}

// Teardown stops the heartbeat, drops subscriptions, abandons in-flight fetches and lookups
// and clears all per-session state. Results that arrive afterwards are discarded.
func (c *Channel) Teardown() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch c.State() {
	case StateUninitialized:
		c.logger.Error().Msg("teardown before init")
		return ErrNotInitialized
	case StateTornDown:
		c.logger.Error().Msg("teardown called twice")
		return ErrTornDown
	case StateActive:
	}
	c.state.Store(int32(StateTornDown))

	c.heartbeat.Stop()
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(&TransportError{Op: "unsubscribe", Topic: sub.Topic(), Err: err}).Msg("unsubscribe failed")
		}
	}
	c.subs = nil
	c.cancel()
	_ = c.loop.Call(func() {
		c.cache.Reset()
		c.reconciler.Reset()
	})
	c.loop.Close()
	close(c.done)
	c.logger.Info().Msg("channel torn down")
	return nil
}
