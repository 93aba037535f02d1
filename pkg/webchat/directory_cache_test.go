package webchat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type resolveResult struct {
	tag      string
	identity string
	err      error
}

type resolveLog struct {
	mu  sync.Mutex
	got []resolveResult
}

func (l *resolveLog) cb(tag string) ResolveFunc {
	return func(identity string, err error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.got = append(l.got, resolveResult{tag: tag, identity: identity, err: err})
	}
}

func (l *resolveLog) results() []resolveResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]resolveResult(nil), l.got...)
}

func TestUserDirectoryCache_CoalescesConcurrentResolves(t *testing.T) {
	dir := newFakeDirectory(map[string]string{"u1": "a@x"})
	dir.gate = make(chan struct{})
	loop := newEventLoop(0)
	defer loop.Close()
	cache := NewUserDirectoryCache(dir, loop.Post)
	rl := &resolveLog{}

	require.NoError(t, loop.Call(func() {
		cache.Resolve("u1", rl.cb("first"))
		cache.Resolve("u1", rl.cb("second"))
	}))
	var inFlight bool
	require.NoError(t, loop.Call(func() { inFlight = cache.InFlight("u1") }))
	require.True(t, inFlight)

	close(dir.gate)
	require.Eventually(t, func() bool { return len(rl.results()) == 2 }, 2*time.Second, 5*time.Millisecond)

	got := rl.results()
	require.Equal(t, "first", got[0].tag)
	require.Equal(t, "second", got[1].tag)
	for _, r := range got {
		require.NoError(t, r.err)
		require.Equal(t, "a@x", r.identity)
	}
	require.Equal(t, 1, dir.Calls("u1"))

	// cached: delivered synchronously, no new lookup
	require.NoError(t, loop.Call(func() { cache.Resolve("u1", rl.cb("third")) }))
	require.Len(t, rl.results(), 3)
	require.Equal(t, 1, dir.Calls("u1"))
}

func TestUserDirectoryCache_FailureIsNotCached(t *testing.T) {
	dir := newFakeDirectory(map[string]string{"u1": "a@x"})
	dir.errs = []error{errors.New("boom")}
	loop := newEventLoop(0)
	defer loop.Close()
	cache := NewUserDirectoryCache(dir, loop.Post)
	rl := &resolveLog{}

	require.NoError(t, loop.Call(func() { cache.Resolve("u1", rl.cb("a")) }))
	require.Eventually(t, func() bool { return len(rl.results()) == 1 }, 2*time.Second, 5*time.Millisecond)

	first := rl.results()[0]
	var lerr *LookupError
	require.ErrorAs(t, first.err, &lerr)
	require.Equal(t, "u1", lerr.UserID)

	var cached, inFlight bool
	require.NoError(t, loop.Call(func() {
		_, cached = cache.Cached("u1")
		inFlight = cache.InFlight("u1")
	}))
	require.False(t, cached)
	require.False(t, inFlight)

	require.NoError(t, loop.Call(func() { cache.Resolve("u1", rl.cb("b")) }))
	require.Eventually(t, func() bool { return len(rl.results()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, rl.results()[1].err)
	require.Equal(t, "a@x", rl.results()[1].identity)
	require.Equal(t, 2, dir.Calls("u1"))
}

func TestUserDirectoryCache_ResetDiscardsInFlight(t *testing.T) {
	dir := newFakeDirectory(map[string]string{"u1": "a@x"})
	dir.gate = make(chan struct{})
	loop := newEventLoop(0)
	defer loop.Close()
	cache := NewUserDirectoryCache(dir, loop.Post)
	rl := &resolveLog{}

	require.NoError(t, loop.Call(func() { cache.Resolve("u1", rl.cb("a")) }))
	require.NoError(t, loop.Call(cache.Reset))
	close(dir.gate)

	require.Never(t, func() bool { return len(rl.results()) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	var n int
	require.NoError(t, loop.Call(func() { n = cache.Len() }))
	require.Equal(t, 0, n)
}

func TestUserDirectoryCache_EmptyIdentityIsFailure(t *testing.T) {
	loop := newEventLoop(0)
	defer loop.Close()
	cache := NewUserDirectoryCache(nil, loop.Post)
	rl := &resolveLog{}

	require.NoError(t, loop.Call(func() {
		cache.Resolve("  ", rl.cb("blank"))
		cache.Resolve("u1", rl.cb("nolookup"))
	}))
	got := rl.results()
	require.Len(t, got, 2)
	require.Error(t, got[0].err)
	require.ErrorIs(t, got[1].err, ErrMissingCollaborator)
}

func TestTransportDirectory_FindUserByUUID(t *testing.T) {
	tr := newFakeTransport()
	var gotTopic string
	var gotQuery UserQuery
	tr.onRequest = func(topic string, payload any) (json.RawMessage, error) {
		gotTopic = topic
		gotQuery = payload.(UserQuery)
		return json.RawMessage(`{"result":{"email":"a@x"}}`), nil
	}

	email, err := TransportDirectory{Transport: tr}.FindUserByUUID(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "a@x", email)
	require.Equal(t, TopicDataStore, gotTopic)
	require.Equal(t, "find-user-by-uuid", gotQuery.Type)
	require.Equal(t, "u1", gotQuery.Params.UUID)

	tr.onRequest = func(string, any) (json.RawMessage, error) { return nil, errors.New("timeout") }
	_, err = TransportDirectory{Transport: tr}.FindUserByUUID(context.Background(), "u1")
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, TopicDataStore, terr.Topic)
}
