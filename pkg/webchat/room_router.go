package webchat

import (
	"github.com/rs/zerolog/log"
)

type liveSink interface {
	OnLive(msg ChatMessage)
}

type identityResolver interface {
	Cached(userID string) (string, bool)
	Resolve(userID string, done ResolveFunc)
}

// RoomMessageRouter scopes inbound traffic to the active room and drives roster and room-list
// updates on the render sink. It runs on the owner's event loop.
type RoomMessageRouter struct {
	roomID    string
	reconcile liveSink
	directory identityResolver
	sink      RenderSink

	// rosterGen identifies the latest presence snapshot; resolutions for older snapshots
	// are not rendered.
	rosterGen uint64
}

func NewRoomMessageRouter(roomID string, reconcile liveSink, directory identityResolver, sink RenderSink) *RoomMessageRouter {
	return &RoomMessageRouter{
		roomID:    roomID,
		reconcile: reconcile,
		directory: directory,
		sink:      sink,
	}
}

// RouteInboundMessage forwards msg for sequencing when it belongs to the active room and
// drops it silently otherwise.
func (r *RoomMessageRouter) RouteInboundMessage(msg ChatMessage) {
	if msg.RoomID != r.roomID {
		log.Trace().Str("component", "webchat").Str("room_id", msg.RoomID).Msg("dropping message for another room")
		return
	}
	r.reconcile.OnLive(msg)
}

// RoutePresenceSnapshot replaces the rendered roster with snapshot. Members already in the
// directory cache are rendered resolved; the others are rendered by id and updated one by
// one as their lookups complete, in completion order.
func (r *RoomMessageRouter) RoutePresenceSnapshot(snapshot PresenceSnapshot) {
	if snapshot.RoomID != r.roomID {
		log.Debug().Str("component", "webchat").Str("room_id", snapshot.RoomID).Msg("dropping roster for another room")
		return
	}
	r.rosterGen++
	gen := r.rosterGen

	partakers := make([]Partaker, 0, len(snapshot.MemberIDs))
	var unresolved []string
	for _, id := range snapshot.MemberIDs {
		if identity, ok := r.directory.Cached(id); ok {
			partakers = append(partakers, Partaker{UserID: id, Identity: identity, Resolved: true})
			continue
		}
		partakers = append(partakers, Partaker{UserID: id})
		unresolved = append(unresolved, id)
	}
	r.sink.ReplacePartakers(r.roomID, partakers)

	for _, id := range unresolved {
		userID := id
		r.directory.Resolve(userID, func(identity string, err error) {
			if gen != r.rosterGen {
				return
			}
			p := Partaker{UserID: userID, Identity: identity, Resolved: err == nil, Err: err}
			r.sink.UpdatePartaker(r.roomID, p)
		})
	}
}

// RouteRoomRoster replaces the rendered room list verbatim.
func (r *RoomMessageRouter) RouteRoomRoster(rooms []RoomDescriptor) {
	out := make([]RoomDescriptor, len(rooms))
	copy(out, rooms)
	r.sink.ReplaceRooms(out)
}
