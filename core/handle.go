package core

import "strconv"

// Handle is a live connection as seen by the presence registry and the room multiplexer.
type Handle interface {
	ID() string
	// UserID is empty until the connection has authenticated.
	UserID() string
	// Send queues e for delivery. It must not block.
	Send(e *Event) error
	Close()
	Closed() bool
}

const (
	userRoomPrefix         = "user_"
	conversationRoomPrefix = "conversation_"
)

// UserRoom is the private room every authenticated connection of userID joins.
func UserRoom(userID string) string {
	return userRoomPrefix + userID
}

func ConversationRoom(conversationID int64) string {
	return conversationRoomPrefix + strconv.FormatInt(conversationID, 10)
}

