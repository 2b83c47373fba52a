package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type ConversationPayload struct {
	ConversationID int64 `json:"conversationId"`
}

type MessageNotificationPayload struct {
	ConversationID int64    `json:"conversationId"`
	Message        *Message `json:"message"`
	UnreadCount    int      `json:"unreadCount"`
}

type MessageSentPayload struct {
	MessageID int64 `json:"messageId"`
}

type UserTypingPayload struct {
	UserID         string `json:"userId"`
	ConversationID int64  `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type MessagesReadPayload struct {
	UserID         string `json:"userId"`
	ConversationID int64  `json:"conversationId"`
	MessageID      *int64 `json:"messageId,omitempty"`
}

// Dispatcher implements the conversation flows: joining and leaving rooms,
// sending messages, typing indicators and read markers.
type Dispatcher struct {
	store    ConversationStore
	presence *Presence
	rooms    *Multiplexer
	notifier *Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(store ConversationStore, presence *Presence, rooms *Multiplexer, notifier *Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		presence: presence,
		rooms:    rooms,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "dispatcher")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) authorize(ctx context.Context, userID string, conversationID int64) error {
	ok, err := d.store.IsParticipant(ctx, userID, conversationID)
	if err != nil {
		return fmt.Errorf("IsParticipant: %w", err)
	}
	if !ok {
		return ErrNotAParticipant
	}
	return nil
}

// JoinConversation subscribes h to the conversation room and acknowledges with
// joined_conversation. Non-participants are ignored without an error so the
// existence of the conversation is not revealed. It reports whether h joined.
func (d *Dispatcher) JoinConversation(ctx context.Context, h Handle, conversationID int64) (bool, error) {
	if err := d.authorize(ctx, h.UserID(), conversationID); err != nil {
		if errors.Is(err, ErrNotAParticipant) {
			d.logger.Info("join rejected",
				slog.String("user", h.UserID()), slog.Int64("conversation", conversationID))
			return false, nil
		}
		return false, err
	}
	if err := d.rooms.Join(ConversationRoom(conversationID), h); err != nil {
		return false, fmt.Errorf("Join: %w", err)
	}
	d.reply(h, JoinedConversationEvent, ConversationPayload{ConversationID: conversationID})
	return true, nil
}

// LeaveConversation unsubscribes h from the conversation room and acknowledges with left_conversation.
func (d *Dispatcher) LeaveConversation(ctx context.Context, h Handle, conversationID int64) (bool, error) {
	if err := d.authorize(ctx, h.UserID(), conversationID); err != nil {
		if errors.Is(err, ErrNotAParticipant) {
			return false, nil
		}
		return false, err
	}
	d.rooms.Leave(ConversationRoom(conversationID), h)
	d.reply(h, LeftConversationEvent, ConversationPayload{ConversationID: conversationID})
	return true, nil
}

// SendMessage persists a message from the user behind sender and fans it out.
// Nothing is broadcast unless the message and the conversation activity time were stored.
// Participants not watching the conversation get message_notification on their private room,
// every other participant gets a stored NEW_MESSAGE notification, and the sender gets message_sent.
func (d *Dispatcher) SendMessage(ctx context.Context, sender Handle, input MessageCreateInput) (*Message, error) {
	input.SenderID = sender.UserID()
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if err := d.authorize(ctx, input.SenderID, input.ConversationID); err != nil {
		return nil, err
	}

	msg, err := d.store.CreateMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("CreateMessage: %w", err)
	}
	if err := d.store.TouchLastActivity(ctx, msg.ConversationID, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("TouchLastActivity: %w", err)
	}

	roomID := ConversationRoom(msg.ConversationID)
	e, err := NewEvent(NewMessageEvent, msg)
	if err != nil {
		return nil, err
	}
	d.rooms.Broadcast(roomID, e, sender)

	d.notifyParticipants(ctx, msg, roomID)

	d.reply(sender, MessageSentEvent, MessageSentPayload{MessageID: msg.ID})
	return msg, nil
}

func (d *Dispatcher) notifyParticipants(ctx context.Context, msg *Message, roomID string) {
	participants, err := d.store.Participants(ctx, msg.ConversationID)
	if err != nil {
		d.logger.Error("listing participants", slog.Int64("conversation", msg.ConversationID), slog.Any("error", err))
		return
	}
	for _, userID := range participants {
		if userID == msg.SenderID {
			continue
		}
		if !d.rooms.HasUser(roomID, userID) {
			d.pushMessageNotification(ctx, userID, msg)
		}
		if d.notifier != nil {
			d.notifier.Notify(ctx, userID, NewMessageNotification{
				Title:          "New Message",
				Message:        notificationText(msg),
				ConversationID: msg.ConversationID,
				MessageID:      msg.ID,
				SenderID:       msg.SenderID,
			})
		}
	}
}

func (d *Dispatcher) pushMessageNotification(ctx context.Context, userID string, msg *Message) {
	if !d.presence.IsOnline(userID) {
		return
	}
	unread, err := d.store.UnreadCount(ctx, userID, msg.ConversationID)
	if err != nil {
		d.logger.Error("counting unread messages", slog.String("user", userID), slog.Any("error", err))
	}
	e, err := NewEvent(MessageNotificationEvent, MessageNotificationPayload{
		ConversationID: msg.ConversationID,
		Message:        msg,
		UnreadCount:    unread,
	})
	if err != nil {
		d.logger.Error(err.Error())
		return
	}
	pushToUser(d.presence, d.rooms, userID, e)
}

func notificationText(msg *Message) string {
	if msg.Content != nil && *msg.Content != "" {
		return *msg.Content
	}
	return "Sent a " + strings.ToLower(string(msg.Type))
}

// MarkRead moves the read marker of the user behind h to now, whether or not messageID is given,
// and tells every member of the conversation room.
func (d *Dispatcher) MarkRead(ctx context.Context, h Handle, conversationID int64, messageID *int64) error {
	userID := h.UserID()
	if err := d.authorize(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := d.store.SetLastRead(ctx, userID, conversationID, d.now()); err != nil {
		return fmt.Errorf("SetLastRead: %w", err)
	}
	e, err := NewEvent(MessagesReadEvent, MessagesReadPayload{
		UserID:         userID,
		ConversationID: conversationID,
		MessageID:      messageID,
	})
	if err != nil {
		return err
	}
	d.rooms.Broadcast(ConversationRoom(conversationID), e, nil)
	return nil
}

// Typing relays a typing indicator from h to the rest of the conversation room.
// Handles that are not members of the room are ignored.
func (d *Dispatcher) Typing(h Handle, conversationID int64, isTyping bool) error {
	roomID := ConversationRoom(conversationID)
	if !d.rooms.IsMember(roomID, h) {
		return nil
	}
	e, err := NewEvent(UserTypingEvent, UserTypingPayload{
		UserID:         h.UserID(),
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return err
	}
	d.rooms.Broadcast(roomID, e, h)
	return nil
}

func (d *Dispatcher) reply(h Handle, t string, payload any) {
	e, err := NewEvent(t, payload)
	if err != nil {
		d.logger.Error(err.Error())
		return
	}
	if err := h.Send(e); err != nil {
		d.logger.Debug("reply failed", slog.String("event", t), slog.Any("error", err))
	}
}
