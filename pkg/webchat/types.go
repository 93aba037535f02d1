package webchat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Session binds one channel activation to a user and a room.
// It is immutable; switching rooms means tearing the channel down and creating a new one.
type Session struct {
	UserID        string
	RoomID        string
	HistorySource string
}

func (s Session) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return errors.New("session user id is empty")
	}
	if strings.TrimSpace(s.RoomID) == "" {
		return errors.New("session room id is empty")
	}
	return nil
}

type Origin int

const (
	OriginLive Origin = iota
	OriginHistory
)

func (o Origin) String() string {
	if o == OriginHistory {
		return "history"
	}
	return "live"
}

// ChatMessage is one transcript entry. Seq is assigned by the HistoryReconciler when the
// message is emitted; inbound messages carry Seq 0 until then.
type ChatMessage struct {
	RoomID      string
	DisplayText string
	Seq         uint64
	Origin      Origin
}

// PresenceSnapshot is a full roster for one room. It replaces the previous snapshot.
type PresenceSnapshot struct {
	RoomID    string
	MemberIDs []string
}

// Partaker is a roster member as shown to the render sink. Identity is empty until the
// directory lookup resolved; Err is set when the lookup failed.
type Partaker struct {
	UserID   string
	Identity string
	Resolved bool
	Err      error
}

// Label returns the best-effort display name for a partaker.
func (p Partaker) Label() string {
	if p.Resolved && p.Identity != "" {
		return p.Identity
	}
	return p.UserID
}

type RoomDescriptor struct {
	RoomID      string `json:"roomID" yaml:"room_id"`
	DisplayName string `json:"displayName" yaml:"display_name"`
}

// Envelope is one inbound delivery from the transport.
type Envelope struct {
	Topic   string
	Payload json.RawMessage
}

type Handler func(ctx context.Context, env Envelope)

type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// Transport is the publish/subscribe fabric. Subscribe and Publish are only valid once Ready is closed.
type Transport interface {
	Ready() <-chan struct{}
	Subscribe(topic string, h Handler) (Subscription, error)
	Publish(ctx context.Context, topic string, payload any) error
	Request(ctx context.Context, topic string, payload any) (json.RawMessage, error)
}

type HistoryFetcher interface {
	FetchHistory(ctx context.Context, source string) ([]string, error)
}

type RoomCreator interface {
	CreateRoom(ctx context.Context, name string) (RoomDescriptor, error)
}

type DirectoryLookup interface {
	FindUserByUUID(ctx context.Context, userID string) (string, error)
}

// RenderSink receives everything the channel wants shown. Calls are made from the channel's
// event loop, one at a time; implementations must not call back into the channel synchronously.
type RenderSink interface {
	AppendMessage(msg ChatMessage)
	ReplacePartakers(roomID string, partakers []Partaker)
	UpdatePartaker(roomID string, partaker Partaker)
	ReplaceRooms(rooms []RoomDescriptor)
}

// RoomCreatedNotifier is implemented by sinks that show a room-creation dialog.
type RoomCreatedNotifier interface {
	RoomCreated(room RoomDescriptor)
}

// ErrorReporter is implemented by sinks that surface recoverable failures to the user.
type ErrorReporter interface {
	ReportError(err error)
}

type InputSource interface {
	Submissions() <-chan string
	Clear()
}
