package chatstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatty/pkg/webchat"
)

// MessageRecord is one archived transcript line. SessionID groups the lines of one room
// activation; Seq is the reconciler's ordering within it.
type MessageRecord struct {
	RoomID       string `json:"room_id" yaml:"room_id"`
	SessionID    string `json:"session_id" yaml:"session_id"`
	Seq          uint64 `json:"seq" yaml:"seq"`
	Origin       string `json:"origin" yaml:"origin"`
	Text         string `json:"text" yaml:"text"`
	RecordedAtMs int64  `json:"recorded_at_ms" yaml:"recorded_at_ms"`
}

// RoomRecord is the last known name of a room, refreshed from room-list broadcasts.
type RoomRecord struct {
	RoomID      string `json:"room_id" yaml:"room_id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	LastSeenMs  int64  `json:"last_seen_ms" yaml:"last_seen_ms"`
}

// TranscriptQuery selects archived lines. Empty SessionID means every session of the room;
// Limit > 0 keeps the most recent lines, still returned oldest first.
type TranscriptQuery struct {
	RoomID    string
	SessionID string
	Limit     int
}

// TranscriptStore archives what a channel rendered so it can be replayed offline.
type TranscriptStore interface {
	Append(ctx context.Context, record MessageRecord) error
	List(ctx context.Context, q TranscriptQuery) ([]MessageRecord, error)
	UpsertRooms(ctx context.Context, rooms []RoomRecord) error
	ListRooms(ctx context.Context) ([]RoomRecord, error)
	Close() error
}

// RecordFromMessage converts a rendered message into an archive record.
func RecordFromMessage(sessionID string, msg webchat.ChatMessage, now time.Time) MessageRecord {
	return MessageRecord{
		RoomID:       msg.RoomID,
		SessionID:    sessionID,
		Seq:          msg.Seq,
		Origin:       msg.Origin.String(),
		Text:         msg.DisplayText,
		RecordedAtMs: now.UnixMilli(),
	}
}

func normalizeMessageRecord(record MessageRecord, now int64) (MessageRecord, error) {
	record.RoomID = strings.TrimSpace(record.RoomID)
	if record.RoomID == "" {
		return record, errors.New("roomID is empty")
	}
	if record.Origin == "" {
		record.Origin = webchat.OriginLive.String()
	}
	if record.RecordedAtMs <= 0 {
		record.RecordedAtMs = now
	}
	return record, nil
}
