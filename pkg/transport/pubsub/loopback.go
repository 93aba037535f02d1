package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatty/pkg/webchat"
)

// DefaultPresenceTTL is how long the loopback server keeps a user present after one update.
const DefaultPresenceTTL = 2 * time.Second

// PresenceTTLFor returns a presence TTL that survives the gap between two heartbeats sent
// every heartbeat, including one late beat.
func PresenceTTLFor(heartbeat time.Duration) time.Duration {
	if ttl := 2 * heartbeat; ttl > DefaultPresenceTTL {
		return ttl
	}
	return DefaultPresenceTTL
}

type LoopbackConfig struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// PresenceTTL is how long one presence update keeps a user in a room.
	PresenceTTL time.Duration
	// BroadcastInterval paces roster and room-list broadcasts.
	BroadcastInterval time.Duration
	Rooms             []webchat.RoomDescriptor
	// Emails maps user ids to directory identities. Unknown users get <id>@loopback.
	Emails map[string]string
	Now    func() time.Time
}

// Loopback is an in-process chat server speaking the webchat topics over Watermill. It backs
// the memory transport so a client can run without a remote server, and doubles as the
// history fetcher and room creator in that mode.
type Loopback struct {
	cfg   LoopbackConfig
	ready chan struct{}

	mu        sync.Mutex
	presence  map[presenceKey]time.Time
	announced map[string]bool
	rooms     []webchat.RoomDescriptor
	history   map[string][]string
}

type presenceKey struct {
	userID string
	roomID string
}

var (
	_ webchat.HistoryFetcher = (*Loopback)(nil)
	_ webchat.RoomCreator    = (*Loopback)(nil)
)

func NewLoopback(cfg LoopbackConfig) *Loopback {
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.Rooms) == 0 {
		cfg.Rooms = []webchat.RoomDescriptor{{RoomID: "lobby", DisplayName: "Lobby"}}
	}
	return &Loopback{
		cfg:       cfg,
		ready:     make(chan struct{}),
		presence:  map[presenceKey]time.Time{},
		announced: map[string]bool{},
		rooms:     append([]webchat.RoomDescriptor(nil), cfg.Rooms...),
		history:   map[string][]string{},
	}
}

// Ready is closed once Run has subscribed to the request topics. Messages published before
// that are lost.
func (l *Loopback) Ready() <-chan struct{} { return l.ready }

// Run serves requests until ctx is done. It must be called once.
func (l *Loopback) Run(ctx context.Context) error {
	if l.cfg.Publisher == nil || l.cfg.Subscriber == nil {
		return errors.New("loopback needs a publisher and a subscriber")
	}
	chat, err := l.cfg.Subscriber.Subscribe(ctx, webchat.TopicServer)
	if err != nil {
		return errors.Wrap(err, "subscribe chat")
	}
	presence, err := l.cfg.Subscriber.Subscribe(ctx, webchat.TopicPresence)
	if err != nil {
		return errors.Wrap(err, "subscribe presence")
	}
	directory, err := l.cfg.Subscriber.Subscribe(ctx, webchat.TopicDataStore)
	if err != nil {
		return errors.Wrap(err, "subscribe data store")
	}
	close(l.ready)

	ticker := time.NewTicker(l.cfg.BroadcastInterval)
	defer ticker.Stop()
	log.Info().Str("component", "loopback").Int("rooms", len(l.cfg.Rooms)).Msg("loopback server started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-chat:
			if !ok {
				return nil
			}
			l.handle(msg, l.onChat)
		case msg, ok := <-presence:
			if !ok {
				return nil
			}
			l.handle(msg, l.onPresence)
		case msg, ok := <-directory:
			if !ok {
				return nil
			}
			l.handle(msg, l.onDirectory)
		case <-ticker.C:
			if err := l.Broadcast(); err != nil {
				log.Warn().Err(err).Str("component", "loopback").Msg("broadcast failed")
			}
		}
	}
}

func (l *Loopback) handle(msg *message.Message, fn func(*message.Message) error) {
	if err := fn(msg); err != nil {
		log.Warn().Err(err).Str("component", "loopback").Msg("request failed")
	}
	msg.Ack()
}

func (l *Loopback) email(userID string) string {
	if e, ok := l.cfg.Emails[userID]; ok && e != "" {
		return e
	}
	return userID + "@loopback"
}

func (l *Loopback) onChat(msg *message.Message) error {
	// submissions are JSON documents carried as JSON strings
	var body string
	raw := []byte(msg.Payload)
	if err := json.Unmarshal(raw, &body); err == nil {
		raw = []byte(body)
	}
	var in webchat.OutboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		return errors.Wrap(err, "decode chat submission")
	}
	if in.UserID == "" || in.RoomID == "" {
		return errors.New("chat submission without user or room")
	}

	stamp := l.cfg.Now().Format("2006-01-02 15:04:05")
	email := l.email(in.UserID)
	display := fmt.Sprintf("%s &lt;%s&gt;: %s", stamp, html.EscapeString(email), html.EscapeString(in.Text))
	l.mu.Lock()
	l.history[in.RoomID] = append(l.history[in.RoomID], display)
	l.mu.Unlock()

	return publishJSON(l.cfg.Publisher, webchat.TopicClient, map[string]string{
		"roomID":      in.RoomID,
		"displayText": display,
	})
}

func (l *Loopback) onPresence(msg *message.Message) error {
	var in webchat.PresenceUpdate
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return errors.Wrap(err, "decode presence update")
	}
	if in.Type != "update-presence" || in.Params.UserID == "" || in.Params.RoomID == "" {
		return errors.Errorf("unsupported presence update %q", in.Type)
	}
	l.mu.Lock()
	l.presence[presenceKey{userID: in.Params.UserID, roomID: in.Params.RoomID}] = l.cfg.Now().Add(l.cfg.PresenceTTL)
	l.mu.Unlock()
	return nil
}

func (l *Loopback) onDirectory(msg *message.Message) error {
	var in webchat.UserQuery
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return errors.Wrap(err, "decode directory query")
	}
	if in.Type != "find-user-by-uuid" || in.Params.UUID == "" {
		return Reply(l.cfg.Publisher, msg, map[string]string{"status": "error", "message": "unsupported query"})
	}
	return Reply(l.cfg.Publisher, msg, map[string]any{
		"result": map[string]string{"uuid": in.Params.UUID, "email": l.email(in.Params.UUID)},
	})
}

type loopbackRoom struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// Broadcast publishes one roster per room with live presence, an empty roster for rooms that
// just emptied, and the room list.
func (l *Loopback) Broadcast() error {
	now := l.cfg.Now()
	l.mu.Lock()
	byRoom := map[string][]string{}
	for k, expires := range l.presence {
		if !now.Before(expires) {
			delete(l.presence, k)
			continue
		}
		byRoom[k.roomID] = append(byRoom[k.roomID], k.userID)
	}
	for roomID := range l.announced {
		if _, ok := byRoom[roomID]; !ok {
			byRoom[roomID] = []string{}
			delete(l.announced, roomID)
		}
	}
	for roomID, users := range byRoom {
		if len(users) > 0 {
			l.announced[roomID] = true
		}
	}
	rooms := make([]loopbackRoom, 0, len(l.rooms))
	for _, r := range l.rooms {
		rooms = append(rooms, loopbackRoom{ID: r.RoomID, Name: r.DisplayName, UUID: r.RoomID})
	}
	l.mu.Unlock()

	for roomID, users := range byRoom {
		sort.Strings(users)
		if err := publishJSON(l.cfg.Publisher, webchat.PartakersTopic(roomID), map[string]any{"users": users}); err != nil {
			return err
		}
	}
	return publishJSON(l.cfg.Publisher, webchat.TopicRooms, map[string]any{"rooms": rooms})
}

// FetchHistory serves the transcript for the room named by the last element of source.
func (l *Loopback) FetchHistory(_ context.Context, source string) ([]string, error) {
	roomID, err := url.PathUnescape(path.Base(source))
	if err != nil || roomID == "" || roomID == "/" || roomID == "." {
		return nil, errors.Errorf("bad history source %q", source)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.history[roomID]...), nil
}

func (l *Loopback) CreateRoom(_ context.Context, name string) (webchat.RoomDescriptor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return webchat.RoomDescriptor{}, webchat.ErrEmptyRoomName
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rooms {
		if strings.EqualFold(r.DisplayName, name) {
			return webchat.RoomDescriptor{}, errors.Errorf("room %q already exists", name)
		}
	}
	room := webchat.RoomDescriptor{RoomID: uuid.NewString(), DisplayName: name}
	l.rooms = append(l.rooms, room)
	return room, nil
}

func publishJSON(pub message.Publisher, topic string, payload any) error {
	msg, err := newMessage(context.Background(), payload)
	if err != nil {
		return err
	}
	return errors.Wrapf(pub.Publish(topic, msg), "publish %s", topic)
}
