package webchat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type emitLog struct {
	mu  sync.Mutex
	got []ChatMessage
}

func (l *emitLog) emit(msg ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, msg)
}

func (l *emitLog) all() []ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ChatMessage(nil), l.got...)
}

func TestHistoryReconciler_HistoryPrecedesEarlyLive(t *testing.T) {
	fetcher := &fakeHistory{entries: []string{"hello"}, gate: make(chan struct{})}
	loop := newEventLoop(0)
	defer loop.Close()
	out := &emitLog{}
	r := NewHistoryReconciler(fetcher, loop.Post, out.emit)

	require.NoError(t, loop.Call(func() {
		require.NoError(t, r.Begin(context.Background(), "r1", "/protected/history/r1"))
		r.OnLive(ChatMessage{RoomID: "r1", DisplayText: "hi"})
	}))
	require.Empty(t, out.all())

	close(fetcher.gate)
	require.Eventually(t, func() bool { return len(out.all()) == 2 }, 2*time.Second, 5*time.Millisecond)

	got := out.all()
	require.Equal(t, ChatMessage{RoomID: "r1", DisplayText: "hello", Seq: 1, Origin: OriginHistory}, got[0])
	require.Equal(t, ChatMessage{RoomID: "r1", DisplayText: "hi", Seq: 2, Origin: OriginLive}, got[1])

	require.NoError(t, loop.Call(func() {
		r.OnLive(ChatMessage{RoomID: "r1", DisplayText: "later"})
	}))
	got = out.all()
	require.Len(t, got, 3)
	require.Equal(t, uint64(3), got[2].Seq)
	require.Equal(t, "/protected/history/r1", fetcher.source.Load())
}

func TestHistoryReconciler_FailureFlushesBufferedLive(t *testing.T) {
	fetcher := &fakeHistory{err: errors.New("502"), gate: make(chan struct{})}
	loop := newEventLoop(0)
	defer loop.Close()
	out := &emitLog{}
	var failures []error
	r := NewHistoryReconciler(fetcher, loop.Post, out.emit, WithHistoryFailureHandler(func(err error) {
		failures = append(failures, err)
	}))

	require.NoError(t, loop.Call(func() {
		require.NoError(t, r.Begin(context.Background(), "r1", "src"))
		r.OnLive(ChatMessage{RoomID: "r1", DisplayText: "a"})
		r.OnLive(ChatMessage{RoomID: "r1", DisplayText: "b"})
	}))
	close(fetcher.gate)
	require.Eventually(t, func() bool { return len(out.all()) == 2 }, 2*time.Second, 5*time.Millisecond)

	got := out.all()
	require.Equal(t, "a", got[0].DisplayText)
	require.Equal(t, uint64(1), got[0].Seq)
	require.Equal(t, "b", got[1].DisplayText)
	require.Equal(t, uint64(2), got[1].Seq)

	require.NoError(t, loop.Call(func() {}))
	require.Len(t, failures, 1)
	var herr *HistoryLoadError
	require.ErrorAs(t, failures[0], &herr)
	require.Equal(t, "src", herr.Source)
}

func TestHistoryReconciler_BeginOncePerActivation(t *testing.T) {
	loop := newEventLoop(0)
	defer loop.Close()
	out := &emitLog{}
	r := NewHistoryReconciler(nil, loop.Post, out.emit)

	require.NoError(t, loop.Call(func() {
		require.NoError(t, r.Begin(context.Background(), "r1", "src"))
		require.True(t, r.Flushed())
		require.ErrorIs(t, r.Begin(context.Background(), "r1", "src"), ErrHistoryRequested)

		r.Reset()
		require.False(t, r.Flushed())
		require.NoError(t, r.Begin(context.Background(), "r2", "src"))
		r.OnLive(ChatMessage{RoomID: "r2", DisplayText: "x"})
	}))
	got := out.all()
	require.Len(t, got, 1)
	require.Equal(t, uint64(1), got[0].Seq)
}

func TestHistoryReconciler_ResetDiscardsLateHistory(t *testing.T) {
	fetcher := &fakeHistory{entries: []string{"old"}, gate: make(chan struct{})}
	loop := newEventLoop(0)
	defer loop.Close()
	out := &emitLog{}
	r := NewHistoryReconciler(fetcher, loop.Post, out.emit)

	require.NoError(t, loop.Call(func() {
		require.NoError(t, r.Begin(context.Background(), "r1", "src"))
		r.OnLive(ChatMessage{RoomID: "r1", DisplayText: "buffered"})
		require.Equal(t, 1, r.Buffered())
		r.Reset()
		require.Equal(t, 0, r.Buffered())
	}))
	close(fetcher.gate)
	require.Never(t, func() bool { return len(out.all()) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}
