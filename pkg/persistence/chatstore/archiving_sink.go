package chatstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatty/pkg/webchat"
)

// ArchivingSink forwards everything to the wrapped sink and writes messages and room
// names to a TranscriptStore on its own goroutine, in the order they were rendered.
type ArchivingSink struct {
	next      webchat.RenderSink
	store     TranscriptStore
	sessionID string
	now       func() time.Time

	mu     sync.Mutex
	closed bool
	writes chan func(context.Context)
	done   chan struct{}
}

var (
	_ webchat.RenderSink          = (*ArchivingSink)(nil)
	_ webchat.RoomCreatedNotifier = (*ArchivingSink)(nil)
	_ webchat.ErrorReporter       = (*ArchivingSink)(nil)
)

type ArchiveOption func(*ArchivingSink)

func WithClock(now func() time.Time) ArchiveOption {
	return func(a *ArchivingSink) { a.now = now }
}

func NewArchivingSink(next webchat.RenderSink, store TranscriptStore, sessionID string, opts ...ArchiveOption) *ArchivingSink {
	a := &ArchivingSink{
		next:      next,
		store:     store,
		sessionID: sessionID,
		now:       time.Now,
		writes:    make(chan func(context.Context), 256),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.writeLoop()
	return a
}

func (a *ArchivingSink) writeLoop() {
	defer close(a.done)
	for w := range a.writes {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		w(ctx)
		cancel()
	}
}

func (a *ArchivingSink) enqueue(w func(context.Context)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		log.Debug().Str("component", "archive").Msg("archive closed, dropping write")
		return
	}
	a.writes <- w
}

func (a *ArchivingSink) AppendMessage(msg webchat.ChatMessage) {
	a.next.AppendMessage(msg)
	record := RecordFromMessage(a.sessionID, msg, a.now())
	a.enqueue(func(ctx context.Context) {
		if err := a.store.Append(ctx, record); err != nil {
			log.Warn().Err(err).Str("component", "archive").Str("room_id", record.RoomID).Msg("archive message failed")
		}
	})
}

func (a *ArchivingSink) ReplacePartakers(roomID string, partakers []webchat.Partaker) {
	a.next.ReplacePartakers(roomID, partakers)
}

func (a *ArchivingSink) UpdatePartaker(roomID string, partaker webchat.Partaker) {
	a.next.UpdatePartaker(roomID, partaker)
}

func (a *ArchivingSink) ReplaceRooms(rooms []webchat.RoomDescriptor) {
	a.next.ReplaceRooms(rooms)
	seen := a.now().UnixMilli()
	records := make([]RoomRecord, 0, len(rooms))
	for _, r := range rooms {
		records = append(records, RoomRecord{RoomID: r.RoomID, DisplayName: r.DisplayName, LastSeenMs: seen})
	}
	a.enqueue(func(ctx context.Context) {
		if err := a.store.UpsertRooms(ctx, records); err != nil {
			log.Warn().Err(err).Str("component", "archive").Msg("archive room list failed")
		}
	})
}

func (a *ArchivingSink) RoomCreated(room webchat.RoomDescriptor) {
	if n, ok := a.next.(webchat.RoomCreatedNotifier); ok {
		n.RoomCreated(room)
	}
}

func (a *ArchivingSink) ReportError(err error) {
	if r, ok := a.next.(webchat.ErrorReporter); ok {
		r.ReportError(err)
	}
}

// Close drains pending writes. It does not close the store.
func (a *ArchivingSink) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.writes)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}
