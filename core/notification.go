package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// NotificationKind is the closed set of notifications produced by the real-time core.
type NotificationKind string

const (
	NotificationNewMessage NotificationKind = "NEW_MESSAGE"
	NotificationMissedCall NotificationKind = "MISSED_CALL"
)

// NotificationPayload is implemented by the typed payload of every notification kind.
type NotificationPayload interface {
	Kind() NotificationKind
}

type NewMessageNotification struct {
	Title          string `json:"title"`
	Message        string `json:"message"`
	ConversationID int64  `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
	SenderID       string `json:"senderId"`
}

func (NewMessageNotification) Kind() NotificationKind { return NotificationNewMessage }

type MissedCallNotification struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	CallID   string   `json:"callId"`
	CallerID string   `json:"callerId"`
	CallKind CallKind `json:"callKind"`
}

func (MissedCallNotification) Kind() NotificationKind { return NotificationMissedCall }

// Notification is a persisted secondary notification addressed to one user.
type Notification struct {
	ID        string              `json:"id"`
	UserID    string              `json:"userId"`
	Payload   NotificationPayload `json:"-"`
	IsRead    bool                `json:"isRead"`
	CreatedAt time.Time           `json:"createdAt"`
}

func (n Notification) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID        string              `json:"id"`
		UserID    string              `json:"userId"`
		Type      NotificationKind    `json:"type"`
		Data      NotificationPayload `json:"data"`
		IsRead    bool                `json:"isRead"`
		CreatedAt time.Time           `json:"createdAt"`
	}
	return json.Marshal(wire{
		ID: n.ID, UserID: n.UserID, Type: n.Payload.Kind(), Data: n.Payload,
		IsRead: n.IsRead, CreatedAt: n.CreatedAt,
	})
}

// Notifier stores notifications and pushes them to the recipient's private room.
// Both steps are best-effort: failures are logged and never returned.
type Notifier struct {
	store    ConversationStore
	presence *Presence
	rooms    *Multiplexer
	logger   *slog.Logger
}

func NewNotifier(store ConversationStore, presence *Presence, rooms *Multiplexer, logger *slog.Logger) *Notifier {
	return &Notifier{
		store:    store,
		presence: presence,
		rooms:    rooms,
		logger:   logger.With(slog.String("component", "notifications")),
	}
}

func (n *Notifier) Notify(ctx context.Context, userID string, payload NotificationPayload) {
	notification := Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := n.store.CreateNotification(ctx, notification); err != nil {
		n.logger.Error("storing notification",
			slog.String("user", userID), slog.String("kind", string(payload.Kind())), slog.Any("error", err))
		return
	}
	e, err := NewEvent(NewNotificationEvent, notification)
	if err != nil {
		n.logger.Error(err.Error())
		return
	}
	pushToUser(n.presence, n.rooms, userID, e)
}

// pushToUser delivers e to every connection of userID if the user is online.
func pushToUser(presence *Presence, rooms *Multiplexer, userID string, e *Event) bool {
	if !presence.IsOnline(userID) {
		return false
	}
	return rooms.Broadcast(UserRoom(userID), e, nil) > 0
}
