package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// MessageType determines how the content of a message should be interpreted.
type MessageType string

const (
	TextMessage    MessageType = "TEXT"
	ImageMessage   MessageType = "IMAGE"
	AudioMessage   MessageType = "AUDIO"
	VideoMessage   MessageType = "VIDEO"
	SystemMessage  MessageType = "SYSTEM"
	CallLogMessage MessageType = "CALL_LOG"
)

type DeliveryStatus string

const (
	MessageSent      DeliveryStatus = "SENT"
	MessageDelivered DeliveryStatus = "DELIVERED"
	MessageRead      DeliveryStatus = "READ"
)

// MediaRef is one attachment of a message. Order is the position given by the sender.
type MediaRef struct {
	MediaID int64 `json:"mediaId"`
	Order   int   `json:"order"`
}

// Message represents a message sent by a participant to a conversation.
type Message struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Type           MessageType     `json:"type"`
	Content        *string         `json:"content,omitempty"`
	Media          []MediaRef      `json:"media,omitempty"`
	CallData       json.RawMessage `json:"callData,omitempty"`
	Status         DeliveryStatus  `json:"status"`
	IsEdited       bool            `json:"isEdited"`
	IsDeleted      bool            `json:"isDeleted"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// MessageCreateInput represents the input for creating a message.
type MessageCreateInput struct {
	ConversationID int64           `json:"conversationId" validate:"required,gt=0"`
	SenderID       string          `json:"senderId" validate:"required"`
	Type           MessageType     `json:"type" validate:"required,oneof=TEXT IMAGE AUDIO VIDEO SYSTEM CALL_LOG"`
	Content        *string         `json:"content,omitempty" validate:"omitempty,max=10000"`
	MediaIDs       []int64         `json:"mediaIds,omitempty" validate:"omitempty,max=20,dive,gt=0"`
	CallData       json.RawMessage `json:"callData,omitempty"`
}

// Validate validates the message input.
// A text message must carry content, a media message must carry at least one attachment.
func (m *MessageCreateInput) Validate() error {
	if err := validate.Struct(m); err != nil {
		return errors.Join(ErrInvalidMessage, err)
	}
	switch m.Type {
	case TextMessage:
		if m.Content == nil || *m.Content == "" {
			return errors.Join(ErrInvalidMessage, errors.New("text message without content"))
		}
	case ImageMessage, AudioMessage, VideoMessage:
		if len(m.MediaIDs) == 0 && (m.Content == nil || *m.Content == "") {
			return errors.Join(ErrInvalidMessage, errors.New("media message without attachments"))
		}
	}
	if len(m.CallData) > 0 && !json.Valid(m.CallData) {
		return errors.Join(ErrInvalidMessage, errors.New("call data is not valid JSON"))
	}
	return nil
}

type CallKind string

const (
	AudioCall CallKind = "audio"
	VideoCall CallKind = "video"
)

type CallStatus string

const (
	CallRinging  CallStatus = "RINGING"
	CallOngoing  CallStatus = "ONGOING"
	CallEnded    CallStatus = "ENDED"
	CallRejected CallStatus = "REJECTED"
	CallMissed   CallStatus = "MISSED"
)

// Terminal reports whether no further transition is possible from s.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallRejected || s == CallMissed
}

// CallSession is a call between exactly two users, identified by a client-generated id.
type CallSession struct {
	ID        string     `json:"id"`
	CallerID  string     `json:"callerId"`
	CalleeID  string     `json:"calleeId"`
	Kind      CallKind   `json:"kind"`
	Status    CallStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Peer returns the party of the call that is not userID.
// ok is false when userID is neither the caller nor the callee.
func (c *CallSession) Peer(userID string) (peer string, ok bool) {
	switch userID {
	case c.CallerID:
		return c.CalleeID, true
	case c.CalleeID:
		return c.CallerID, true
	default:
		return "", false
	}
}

var (
	// ErrInvalidMessage is returned when a message is invalid.
	ErrInvalidMessage = NewInsensitiveError("invalid message")
	// ErrInvalidConversation is returned when a conversation is not found.
	ErrInvalidConversation = errors.New("invalid conversation")
	// ErrInvalidCallSession is returned when a call session to update does not exist.
	ErrInvalidCallSession = errors.New("invalid call session")
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// ConversationStore is the durable repository consumed by the real-time core.
type ConversationStore interface {
	// IsParticipant reports whether userID is an active participant of conversationID.
	IsParticipant(ctx context.Context, userID string, conversationID int64) (bool, error)

	// Participants returns the ids of the active participants of conversationID.
	Participants(ctx context.Context, conversationID int64) ([]string, error)

	// CreateMessage persists a message and links its media in the order given.
	// It does not check participancy.
	CreateMessage(ctx context.Context, input MessageCreateInput) (*Message, error)

	// TouchLastActivity sets the last activity time of the conversation.
	TouchLastActivity(ctx context.Context, conversationID int64, at time.Time) error

	// SetLastRead sets the read marker of userID in conversationID.
	SetLastRead(ctx context.Context, userID string, conversationID int64, at time.Time) error

	// UnreadCount counts messages from other senders created after the read marker of userID.
	UnreadCount(ctx context.Context, userID string, conversationID int64) (int, error)

	CreateCallSession(ctx context.Context, call CallSession) error

	// UpdateCallStatus records a status change. Nil timestamps leave the stored value untouched.
	// If the call does not exist, it returns ErrInvalidCallSession.
	UpdateCallStatus(ctx context.Context, callID string, status CallStatus, startedAt, endedAt *time.Time) error

	// CallHistory returns the most recent calls userID took part in, newest first.
	// A zero limit is replaced with DefaultHistoryLimit and it is capped at MaxHistoryLimit.
	CallHistory(ctx context.Context, userID string, limit int) ([]CallSession, error)

	CreateNotification(ctx context.Context, n Notification) error

	// CreateConversation creates a conversation with the given participants and returns its id.
	CreateConversation(ctx context.Context, participants ...string) (int64, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return min(limit, MaxHistoryLimit)
}
