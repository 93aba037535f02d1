package webchat

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ResolveFunc receives the outcome of a directory resolution.
type ResolveFunc func(identity string, err error)

// UserDirectoryCache maps user ids to display identities and keeps at most one lookup
// in flight per user id. Entries are never evicted while the owning channel is active.
//
// All methods, and the callbacks they invoke, run on the owner's event loop. The lookup
// itself runs on its own goroutine and posts its completion back through post.
type UserDirectoryCache struct {
	lookup DirectoryLookup
	post   func(func()) bool

	ctx    context.Context
	cancel context.CancelFunc

	entries map[string]string
	pending map[string][]ResolveFunc
	// generation invalidates completions of lookups issued before the last Reset.
	generation uint64
}

func NewUserDirectoryCache(lookup DirectoryLookup, post func(func()) bool) *UserDirectoryCache {
	c := &UserDirectoryCache{
		lookup: lookup,
		post:   post,
	}
	c.reset()
	return c
}

func (c *UserDirectoryCache) reset() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.entries = map[string]string{}
	c.pending = map[string][]ResolveFunc{}
	c.generation++
}

// Cached returns the identity for userID without triggering a lookup.
func (c *UserDirectoryCache) Cached(userID string) (string, bool) {
	identity, ok := c.entries[userID]
	return identity, ok
}

// InFlight reports whether a lookup for userID is outstanding.
func (c *UserDirectoryCache) InFlight(userID string) bool {
	_, ok := c.pending[userID]
	return ok
}

func (c *UserDirectoryCache) Len() int { return len(c.entries) }

// Resolve delivers the identity of userID to done. Cached identities are delivered
// immediately. Callers arriving while a lookup is in flight are queued behind it and
// released in the order they queued.
func (c *UserDirectoryCache) Resolve(userID string, done ResolveFunc) {
	if done == nil {
		done = func(string, error) {}
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		done("", &LookupError{UserID: userID, Err: errors.New("empty user id")})
		return
	}
	if identity, ok := c.entries[userID]; ok {
		done(identity, nil)
		return
	}
	if waiters, ok := c.pending[userID]; ok {
		c.pending[userID] = append(waiters, done)
		return
	}
	if c.lookup == nil {
		done("", &LookupError{UserID: userID, Err: ErrMissingCollaborator})
		return
	}
	c.pending[userID] = []ResolveFunc{done}

	generation := c.generation
	ctx := c.ctx
	lookup := c.lookup
	log.Debug().Str("component", "webchat").Str("user_id", userID).Msg("directory lookup issued")
	go func() {
		identity, err := lookup.FindUserByUUID(ctx, userID)
		posted := c.post(func() {
			c.complete(generation, userID, identity, err)
		})
		if !posted {
			log.Debug().Str("component", "webchat").Str("user_id", userID).Msg("directory lookup completed after shutdown")
		}
	}()
}

func (c *UserDirectoryCache) complete(generation uint64, userID, identity string, err error) {
	if generation != c.generation {
		return
	}
	waiters := c.pending[userID]
	delete(c.pending, userID)
	if err == nil && identity == "" {
		err = errors.New("empty identity")
	}
	if err != nil {
		lerr := &LookupError{UserID: userID, Err: err}
		log.Warn().Err(err).Str("component", "webchat").Str("user_id", userID).Int("waiters", len(waiters)).Msg("directory lookup failed")
		for _, w := range waiters {
			w("", lerr)
		}
		return
	}
	c.entries[userID] = identity
	for _, w := range waiters {
		w(identity, nil)
	}
}

// Reset drops every entry and abandons in-flight lookups. Their completions are discarded
// and their queued callers are never notified.
func (c *UserDirectoryCache) Reset() {
	c.reset()
}

// TransportDirectory resolves identities with a request on TopicDataStore.
type TransportDirectory struct {
	Transport Transport
}

var _ DirectoryLookup = TransportDirectory{}

func (d TransportDirectory) FindUserByUUID(ctx context.Context, userID string) (string, error) {
	if d.Transport == nil {
		return "", ErrMissingCollaborator
	}
	reply, err := d.Transport.Request(ctx, TopicDataStore, NewUserQuery(userID))
	if err != nil {
		return "", &TransportError{Op: "request", Topic: TopicDataStore, Err: err}
	}
	return DecodeUserIdentity(reply)
}
