package core

import (
	"encoding/json"
	"fmt"
	"io"
)

// Inbound event types.
const (
	JoinConversationEvent  = "join_conversation"
	LeaveConversationEvent = "leave_conversation"
	SendMessageEvent       = "send_message"
	TypingStartEvent       = "typing_start"
	TypingStopEvent        = "typing_stop"
	MarkReadEvent          = "mark_read"
	StartCallEvent         = "start_call"
	AnswerCallEvent        = "answer_call"
	RejectCallEvent        = "reject_call"
	EndCallEvent           = "end_call"
	AnswerEvent            = "answer"
	ICECandidateEvent      = "ice_candidate"
)

// Outbound event types.
const (
	JoinedConversationEvent  = "joined_conversation"
	LeftConversationEvent    = "left_conversation"
	NewMessageEvent          = "new_message"
	MessageNotificationEvent = "message_notification"
	MessageSentEvent         = "message_sent"
	UserTypingEvent          = "user_typing"
	MessagesReadEvent        = "messages_read"
	CallReceivedEvent        = "call_received"
	OfferEvent               = "offer"
	CallInitiatedEvent       = "call_initiated"
	CallAnsweredEvent        = "call_answered"
	CallRejectedEvent        = "call_rejected"
	CallEndedEvent           = "call_ended"
	CallMissedEvent          = "call_missed"
	NewNotificationEvent     = "new_notification"
	ErrorEvent               = "error"
	CallErrorEvent           = "call_error"
)

// Event is the envelope of every websocket frame in both directions.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload.Size: %d}", e.Type, len(e.Payload))
}

// NewEvent marshals payload into a new event of type t.
func NewEvent(t string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Payload: b}, nil
}

// DecodePayload unmarshals the payload of e into v.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s payload: %w", e.Type, ErrEmptyPayload)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type CallErrorPayload struct {
	Error string `json:"error"`
}
