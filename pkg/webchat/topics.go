package webchat

import "strings"

// Topic names are a wire contract with the chat server.
const (
	TopicClient    = "webchat.client"
	TopicServer    = "webchat.server"
	TopicRooms     = "webchat.rooms"
	TopicPresence  = "webchat.presence"
	TopicDataStore = "webchat.data-store"

	partakersPrefix = "webchat.partakers."
)

// PartakersTopic is the room-scoped presence roster topic.
func PartakersTopic(roomID string) string { return partakersPrefix + roomID }

// roomFromPartakersTopic extracts the room id from a partakers topic.
func roomFromPartakersTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, partakersPrefix) {
		return "", false
	}
	roomID := strings.TrimPrefix(topic, partakersPrefix)
	return roomID, roomID != ""
}
