package webchat

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// OutboundMessage is the chat submission published on TopicServer.
type OutboundMessage struct {
	UserID string `json:"userID"`
	RoomID string `json:"roomID"`
	Text   string `json:"text"`
}

// Body returns the submission as the server expects it: a JSON document carried as a string.
func (m OutboundMessage) Body() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "marshal outbound message")
	}
	return string(b), nil
}

type PresenceParams struct {
	UserID string `json:"userID"`
	RoomID string `json:"roomID"`
}

// PresenceUpdate is the heartbeat published on TopicPresence.
type PresenceUpdate struct {
	Type   string         `json:"type"`
	Params PresenceParams `json:"params"`
}

const (
	presenceUpdateType = "update-presence"
	findUserByUUIDType = "find-user-by-uuid"
)

func NewPresenceUpdate(s Session) PresenceUpdate {
	return PresenceUpdate{
		Type:   presenceUpdateType,
		Params: PresenceParams{UserID: s.UserID, RoomID: s.RoomID},
	}
}

type userQueryParams struct {
	UUID string `json:"uuid"`
}

// UserQuery is the directory request sent on TopicDataStore.
type UserQuery struct {
	Type   string          `json:"type"`
	Params userQueryParams `json:"params"`
}

func NewUserQuery(userID string) UserQuery {
	return UserQuery{Type: findUserByUUIDType, Params: userQueryParams{UUID: userID}}
}

// unwrapBody returns the JSON document inside raw. The bridge may deliver objects
// encoded as JSON strings; those are unwrapped once.
func unwrapBody(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return json.RawMessage(strings.TrimSpace(s))
		}
	}
	return trimmed
}

type inboundChat struct {
	RoomID      string  `json:"roomID"`
	DisplayText *string `json:"displayText"`
	Text        *string `json:"text"`
}

// DecodeChatMessage parses a TopicClient delivery.
func DecodeChatMessage(topic string, raw json.RawMessage) (ChatMessage, error) {
	var in inboundChat
	if err := json.Unmarshal(unwrapBody(raw), &in); err != nil {
		return ChatMessage{}, &ValidationError{Topic: topic, Reason: err.Error()}
	}
	if strings.TrimSpace(in.RoomID) == "" {
		return ChatMessage{}, &ValidationError{Topic: topic, Reason: "missing roomID"}
	}
	var text string
	switch {
	case in.DisplayText != nil:
		text = *in.DisplayText
	case in.Text != nil:
		text = *in.Text
	default:
		return ChatMessage{}, &ValidationError{Topic: topic, Reason: "missing displayText"}
	}
	return ChatMessage{RoomID: in.RoomID, DisplayText: text, Origin: OriginLive}, nil
}

// DecodePresenceSnapshot parses a partakers roster. A roster without roomID belongs to the
// room named by its topic.
func DecodePresenceSnapshot(topic string, raw json.RawMessage) (PresenceSnapshot, error) {
	var in struct {
		RoomID string    `json:"roomID"`
		Users  *[]string `json:"users"`
	}
	if err := json.Unmarshal(unwrapBody(raw), &in); err != nil {
		return PresenceSnapshot{}, &ValidationError{Topic: topic, Reason: err.Error()}
	}
	if in.Users == nil {
		return PresenceSnapshot{}, &ValidationError{Topic: topic, Reason: "missing users"}
	}
	roomID := in.RoomID
	if roomID == "" {
		fromTopic, ok := roomFromPartakersTopic(topic)
		if !ok {
			return PresenceSnapshot{}, &ValidationError{Topic: topic, Reason: "missing roomID"}
		}
		roomID = fromTopic
	}
	return PresenceSnapshot{RoomID: roomID, MemberIDs: uniqueIDs(*in.Users)}, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type inboundRoom struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// DecodeRoomRoster parses a TopicRooms broadcast. Entries without an identifier are skipped.
func DecodeRoomRoster(topic string, raw json.RawMessage) ([]RoomDescriptor, error) {
	var in struct {
		Rooms *[]inboundRoom `json:"rooms"`
	}
	if err := json.Unmarshal(unwrapBody(raw), &in); err != nil {
		return nil, &ValidationError{Topic: topic, Reason: err.Error()}
	}
	if in.Rooms == nil {
		return nil, &ValidationError{Topic: topic, Reason: "missing rooms"}
	}
	out := make([]RoomDescriptor, 0, len(*in.Rooms))
	for _, r := range *in.Rooms {
		id := r.UUID
		if id == "" {
			id = r.ID
		}
		if id == "" {
			continue
		}
		out = append(out, RoomDescriptor{RoomID: id, DisplayName: r.Name})
	}
	return out, nil
}

// DecodeUserIdentity parses a TopicDataStore reply.
func DecodeUserIdentity(raw json.RawMessage) (string, error) {
	var in struct {
		Result *struct {
			Email string `json:"email"`
		} `json:"result"`
	}
	if err := json.Unmarshal(unwrapBody(raw), &in); err != nil {
		return "", errors.Wrap(err, "decode directory reply")
	}
	if in.Result == nil || in.Result.Email == "" {
		return "", errors.New("directory reply carries no email")
	}
	return in.Result.Email, nil
}
