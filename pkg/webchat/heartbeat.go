package webchat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Publisher is the slice of Transport the heartbeat needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// PresenceHeartbeat publishes an update-presence message for one session when it starts and
// then on every tick. Stop is synchronous: once it returns no further publication happens.
type PresenceHeartbeat struct {
	publisher Publisher

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPresenceHeartbeat(publisher Publisher) *PresenceHeartbeat {
	return &PresenceHeartbeat{publisher: publisher}
}

// Start begins ticking for session. A running heartbeat is stopped first.
func (h *PresenceHeartbeat) Start(session Session, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	if h.publisher == nil {
		return ErrMissingCollaborator
	}
	if err := session.Validate(); err != nil {
		return err
	}
	h.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.cancel = cancel
	h.done = done
	go h.run(ctx, done, session, interval)
	log.Debug().Str("component", "webchat").Str("room_id", session.RoomID).Dur("interval", interval).Msg("presence heartbeat started")
	return nil
}

func (h *PresenceHeartbeat) run(ctx context.Context, done chan struct{}, session Session, interval time.Duration) {
	defer close(done)
	update := NewPresenceUpdate(session)
	beat := func() {
		if err := h.publisher.Publish(ctx, TopicPresence, update); err != nil && ctx.Err() == nil {
			log.Warn().Err(&TransportError{Op: "publish", Topic: TopicPresence, Err: err}).
				Str("component", "webchat").
				Str("room_id", session.RoomID).
				Msg("presence heartbeat failed")
		}
	}

	// announce right away so the roster does not wait a full interval
	if ctx.Err() != nil {
		return
	}
	beat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a tick and a stop can be ready together; stop wins
			if ctx.Err() != nil {
				return
			}
			beat()
		}
	}
}

// Stop cancels the timer and waits for an in-flight tick to finish. Stopping a stopped
// heartbeat is a no-op.
func (h *PresenceHeartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (h *PresenceHeartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}
