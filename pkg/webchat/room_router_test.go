package webchat

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubLive struct {
	got []ChatMessage
}

func (s *stubLive) OnLive(msg ChatMessage) { s.got = append(s.got, msg) }

// stubResolver holds resolutions until the test completes them.
type stubResolver struct {
	cached  map[string]string
	pending map[string][]ResolveFunc
}

func newStubResolver() *stubResolver {
	return &stubResolver{cached: map[string]string{}, pending: map[string][]ResolveFunc{}}
}

func (s *stubResolver) Cached(userID string) (string, bool) {
	v, ok := s.cached[userID]
	return v, ok
}

func (s *stubResolver) Resolve(userID string, done ResolveFunc) {
	s.pending[userID] = append(s.pending[userID], done)
}

func (s *stubResolver) complete(userID, identity string, err error) {
	waiters := s.pending[userID]
	delete(s.pending, userID)
	for _, w := range waiters {
		w(identity, err)
	}
}

func TestRoomMessageRouter_DropsOtherRooms(t *testing.T) {
	live := &stubLive{}
	sink := newRecordingSink()
	r := NewRoomMessageRouter("r1", live, newStubResolver(), sink)

	r.RouteInboundMessage(ChatMessage{RoomID: "r2", DisplayText: "elsewhere"})
	r.RouteInboundMessage(ChatMessage{RoomID: "r1", DisplayText: "here"})
	require.Len(t, live.got, 1)
	require.Equal(t, "here", live.got[0].DisplayText)

	r.RoutePresenceSnapshot(PresenceSnapshot{RoomID: "r2", MemberIDs: []string{"u9"}})
	require.Empty(t, sink.Partakers("r2"))
	require.Empty(t, sink.Partakers("r1"))
}

func TestRoomMessageRouter_SnapshotReplacesRoster(t *testing.T) {
	res := newStubResolver()
	res.cached["u1"] = "a@x"
	sink := newRecordingSink()
	r := NewRoomMessageRouter("r1", &stubLive{}, res, sink)

	r.RoutePresenceSnapshot(PresenceSnapshot{RoomID: "r1", MemberIDs: []string{"u1", "u2"}})
	require.Equal(t, []Partaker{
		{UserID: "u1", Identity: "a@x", Resolved: true},
		{UserID: "u2"},
	}, sink.Partakers("r1"))
	require.Len(t, res.pending["u2"], 1)
	require.Empty(t, res.pending["u1"])

	res.complete("u2", "b@x", nil)
	require.Equal(t, "b@x", sink.Partakers("r1")[1].Label())

	r.RoutePresenceSnapshot(PresenceSnapshot{RoomID: "r1", MemberIDs: []string{"u1"}})
	require.Equal(t, []Partaker{{UserID: "u1", Identity: "a@x", Resolved: true}}, sink.Partakers("r1"))
}

func TestRoomMessageRouter_StaleResolutionIgnored(t *testing.T) {
	res := newStubResolver()
	sink := newRecordingSink()
	r := NewRoomMessageRouter("r1", &stubLive{}, res, sink)

	r.RoutePresenceSnapshot(PresenceSnapshot{RoomID: "r1", MemberIDs: []string{"u1"}})
	r.RoutePresenceSnapshot(PresenceSnapshot{RoomID: "r1", MemberIDs: []string{"u2"}})

	// u1 left before its lookup returned
	res.complete("u1", "a@x", nil)
	require.Empty(t, sink.updates)
	require.Equal(t, []Partaker{{UserID: "u2"}}, sink.Partakers("r1"))

	res.complete("u2", "", errors.New("not found"))
	require.Len(t, sink.updates, 1)
	p := sink.Partakers("r1")[0]
	require.False(t, p.Resolved)
	require.Error(t, p.Err)
	require.Equal(t, "u2", p.Label())
}

func TestRoomMessageRouter_RoomRosterIsCopied(t *testing.T) {
	sink := newRecordingSink()
	r := NewRoomMessageRouter("r1", &stubLive{}, newStubResolver(), sink)

	rooms := []RoomDescriptor{{RoomID: "r1", DisplayName: "General"}, {RoomID: "r2", DisplayName: "Random"}}
	r.RouteRoomRoster(rooms)
	rooms[0].DisplayName = "mutated"
	require.Equal(t, "General", sink.Rooms()[0].DisplayName)
	require.Len(t, sink.Rooms(), 2)

	r.RouteRoomRoster(nil)
	require.Empty(t, sink.Rooms())
}

func TestRoomMessageRouter_RepeatedRoomRosterReplaces(t *testing.T) {
	sink := newRecordingSink()
	r := NewRoomMessageRouter("r1", &stubLive{}, newStubResolver(), sink)

	rooms := []RoomDescriptor{{RoomID: "r1", DisplayName: "General"}, {RoomID: "r2", DisplayName: "Random"}}
	r.RouteRoomRoster(rooms)
	r.RouteRoomRoster(rooms)

	lists := sink.RoomLists()
	require.Len(t, lists, 2)
	require.Equal(t, rooms, lists[0])
	require.Equal(t, lists[0], lists[1])
	require.Len(t, sink.Rooms(), 2)
}
