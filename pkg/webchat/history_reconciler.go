package webchat

import (
	"context"

	"github.com/rs/zerolog/log"
)

// HistoryReconciler merges the one-shot history fetch with live traffic into one transcript.
// Live messages that arrive before history completes are buffered; on completion the history
// entries are emitted first, then the buffer in arrival order, and from then on live messages
// pass straight through. Sequence numbers are assigned at emission, starting at 1.
//
// Like the directory cache, everything except the fetch itself runs on the owner's event loop.
type HistoryReconciler struct {
	fetcher HistoryFetcher
	post    func(func()) bool
	emit    func(ChatMessage)
	// onFailure is told about a failed fetch, once per activation.
	onFailure func(error)

	roomID   string
	seq      uint64
	started  bool
	flushed  bool
	buffered []ChatMessage

	cancel     context.CancelFunc
	generation uint64
}

type HistoryReconcilerOption func(*HistoryReconciler)

func WithHistoryFailureHandler(fn func(error)) HistoryReconcilerOption {
	return func(r *HistoryReconciler) {
		r.onFailure = fn
	}
}

func NewHistoryReconciler(fetcher HistoryFetcher, post func(func()) bool, emit func(ChatMessage), opts ...HistoryReconcilerOption) *HistoryReconciler {
	r := &HistoryReconciler{
		fetcher: fetcher,
		post:    post,
		emit:    emit,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Begin issues the history fetch for roomID. It may be called once per activation.
func (r *HistoryReconciler) Begin(ctx context.Context, roomID, source string) error {
	if r.started {
		return ErrHistoryRequested
	}
	r.started = true
	r.roomID = roomID

	if r.fetcher == nil {
		log.Warn().Str("component", "webchat").Str("room_id", roomID).Msg("no history fetcher, starting with empty history")
		r.complete(r.generation, source, nil, nil)
		return nil
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	generation := r.generation
	fetcher := r.fetcher
	go func() {
		entries, err := fetcher.FetchHistory(fetchCtx, source)
		r.post(func() {
			r.complete(generation, source, entries, err)
		})
	}()
	return nil
}

func (r *HistoryReconciler) complete(generation uint64, source string, entries []string, err error) {
	if generation != r.generation || r.flushed {
		return
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if err != nil {
		herr := &HistoryLoadError{Source: source, Err: err}
		log.Warn().Err(herr).Str("component", "webchat").Str("room_id", r.roomID).Msg("history unavailable, continuing with live traffic")
		if r.onFailure != nil {
			r.onFailure(herr)
		}
		entries = nil
	}
	for _, text := range entries {
		r.emitNext(ChatMessage{RoomID: r.roomID, DisplayText: text, Origin: OriginHistory})
	}
	buffered := r.buffered
	r.buffered = nil
	r.flushed = true
	for _, msg := range buffered {
		r.emitNext(msg)
	}
	log.Debug().
		Str("component", "webchat").
		Str("room_id", r.roomID).
		Int("history", len(entries)).
		Int("buffered", len(buffered)).
		Msg("history reconciled")
}

// OnLive accepts one live message that already passed room scoping.
func (r *HistoryReconciler) OnLive(msg ChatMessage) {
	msg.Origin = OriginLive
	if !r.flushed {
		r.buffered = append(r.buffered, msg)
		return
	}
	r.emitNext(msg)
}

func (r *HistoryReconciler) emitNext(msg ChatMessage) {
	r.seq++
	msg.Seq = r.seq
	if r.emit != nil {
		r.emit(msg)
	}
}

func (r *HistoryReconciler) Flushed() bool { return r.flushed }

func (r *HistoryReconciler) Buffered() int { return len(r.buffered) }

// Reset prepares the reconciler for a new activation: the sequence restarts, the buffer is
// dropped and a pending fetch is abandoned.
func (r *HistoryReconciler) Reset() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.generation++
	r.seq = 0
	r.started = false
	r.flushed = false
	r.buffered = nil
	r.roomID = ""
}
