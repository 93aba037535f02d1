package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryTranscriptStore keeps the archive in process. It mirrors the SQLite store's
// ordering so callers see the same results from either.
type InMemoryTranscriptStore struct {
	mu         sync.Mutex
	maxPerRoom int
	messages   map[string][]MessageRecord
	rooms      map[string]RoomRecord
}

var _ TranscriptStore = &InMemoryTranscriptStore{}

func NewInMemoryTranscriptStore(maxPerRoom int) *InMemoryTranscriptStore {
	if maxPerRoom <= 0 {
		maxPerRoom = 5000
	}
	return &InMemoryTranscriptStore{
		maxPerRoom: maxPerRoom,
		messages:   map[string][]MessageRecord{},
		rooms:      map[string]RoomRecord{},
	}
}

func (s *InMemoryTranscriptStore) Close() error { return nil }

func (s *InMemoryTranscriptStore) Append(_ context.Context, record MessageRecord) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	record, err := normalizeMessageRecord(record, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "in-memory transcript store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := append(s.messages[record.RoomID], record)
	if over := len(lines) - s.maxPerRoom; over > 0 {
		lines = append([]MessageRecord(nil), lines[over:]...)
	}
	s.messages[record.RoomID] = lines
	return nil
}

func (s *InMemoryTranscriptStore) List(_ context.Context, q TranscriptQuery) ([]MessageRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	roomID := strings.TrimSpace(q.RoomID)
	if roomID == "" {
		return nil, errors.New("in-memory transcript store: roomID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MessageRecord, 0, len(s.messages[roomID]))
	for _, r := range s.messages[roomID] {
		if q.SessionID != "" && r.SessionID != q.SessionID {
			continue
		}
		out = append(out, r)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (s *InMemoryTranscriptStore) UpsertRooms(_ context.Context, rooms []RoomRecord) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	now := time.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rooms {
		r.RoomID = strings.TrimSpace(r.RoomID)
		if r.RoomID == "" {
			continue
		}
		if r.LastSeenMs <= 0 {
			r.LastSeenMs = now
		}
		if prev, ok := s.rooms[r.RoomID]; ok && r.DisplayName == "" {
			r.DisplayName = prev.DisplayName
		}
		s.rooms[r.RoomID] = r
	}
	return nil
}

func (s *InMemoryTranscriptStore) ListRooms(_ context.Context) ([]RoomRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RoomRecord, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out, nil
}
