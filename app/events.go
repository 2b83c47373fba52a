package parley

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/putto11262002/parley/core"
)

type ConversationEventPayload struct {
	ConversationID int64 `json:"conversationId"`
}

type SendMessageEventPayload struct {
	ConversationID int64            `json:"conversationId"`
	Type           core.MessageType `json:"type"`
	Content        *string          `json:"content,omitempty"`
	MediaIDs       []int64          `json:"mediaIds,omitempty"`
	CallData       json.RawMessage  `json:"callData,omitempty"`
}

type MarkReadEventPayload struct {
	ConversationID int64  `json:"conversationId"`
	MessageID      *int64 `json:"messageId,omitempty"`
}

type StartCallEventPayload struct {
	CallID   string                     `json:"callId"`
	CalleeID string                     `json:"calleeId"`
	Kind     core.CallKind              `json:"kind,omitempty"`
	IsVideo  bool                       `json:"isVideo,omitempty"`
	Offer    *webrtc.SessionDescription `json:"offer,omitempty"`
}

// CallKind returns the explicit kind, falling back to the isVideo flag.
func (p StartCallEventPayload) CallKind() core.CallKind {
	switch {
	case p.Kind != "":
		return p.Kind
	case p.IsVideo:
		return core.VideoCall
	default:
		return core.AudioCall
	}
}

type CallEventPayload struct {
	CallID string `json:"callId"`
}

var errInvalidPayload = core.NewInsensitiveError("invalid payload")

// decode unmarshals the payload of e into v, reporting malformed payloads as safe to show.
func decode(e *core.Event, v any) error {
	if err := e.DecodePayload(v); err != nil {
		return errors.Join(errInvalidPayload, err)
	}
	return nil
}

func (app *App) registerEventHandlers() {
	r := app.eventRouter
	r.On(core.JoinConversationEvent, app.JoinConversationHandler, "Failed to join conversation")
	r.On(core.LeaveConversationEvent, app.LeaveConversationHandler, "Failed to leave conversation")
	r.On(core.SendMessageEvent, app.SendMessageHandler, "Failed to send message")
	r.On(core.TypingStartEvent, app.typingHandler(true), "Failed to send typing indicator")
	r.On(core.TypingStopEvent, app.typingHandler(false), "Failed to send typing indicator")
	r.On(core.MarkReadEvent, app.MarkReadHandler, "Failed to mark messages as read")

	r.OnCall(core.StartCallEvent, app.StartCallHandler, "Failed to start call")
	r.OnCall(core.AnswerCallEvent, app.AnswerCallHandler, "Failed to answer call")
	r.OnCall(core.RejectCallEvent, app.RejectCallHandler, "Failed to reject call")
	r.OnCall(core.EndCallEvent, app.EndCallHandler, "Failed to end call")
	r.OnCall(core.AnswerEvent, app.AnswerHandler, "Failed to relay answer")
	r.OnCall(core.ICECandidateEvent, app.ICECandidateHandler, "Failed to relay ICE candidate")
}

func (app *App) JoinConversationHandler(ctx context.Context, s *core.Session, e *core.Event) error {
	var payload ConversationEventPayload
	if err := decode(e, &payload); err != nil {
		return err
	}
	_, err := app.dispatcher.JoinConversation(ctx, s, payload.ConversationID)
	return err
}

func (app *App) LeaveConversationHandler(ctx context.Context, s *core.Session, e *core.Event) error {
	var payload ConversationEventPayload
	if err := decode(e, &payload); err != nil {
		return err
	}
	_, err := app.dispatcher.LeaveConversation(ctx, s, payload.ConversationID)
	return err
}

func (app *App) SendMessageHandler(ctx context.Context, s *core.Session, e *core.Event) error {
	var payload SendMessageEventPayload
	if err := decode(e, &payload); err != nil {
		return err
	}
	_, err := app.dispatcher.SendMessage(ctx, s, core.MessageCreateInput{
		ConversationID: payload.ConversationID,
		Type:           payload.Type,
		Content:        payload.Content,
		MediaIDs:       payload.MediaIDs,
		CallData:       payload.CallData,
	})
	return err
}

func (app *App) typingHandler(isTyping bool) core.EventHandler {
	return func(ctx context.Context, s *core.Session, e *core.Event) error {
		var payload ConversationEventPayload
		if err := decode(e, &payload); err != nil {
			return err
		}
		return app.dispatcher.Typing(s, payload.ConversationID, isTyping)
	}
}

func (app *App) MarkReadHandler(ctx context.Context, s *core.Session, e *core.Event) error {
	var payload MarkReadEventPayload
	if err := decode(e, &payload); err != nil {
		return err
	}
	return app.dispatcher.MarkRead(ctx, s, payload.ConversationID, payload.MessageID)
}

func (app *App) StartCallHandler(ctx context.Context, s *core.Session, e *core.Event) error {
	var payload StartCallEventPayload
	if err := decode(e, &payload); err != nil {
		return err
	}
	_, err := app.coordinator.StartCall(ctx, s, core.StartCallInput{
		CalleeID: payload.CalleeID,
		CallID:   payload.CallID,
		Kind:     payload.CallKind(),
		Offer:    payload.Offer,
	})
	return err
}

func (app *App) AnswerCallHandler(ctx context.Context, s *core.Session, e *core.Event) error {
	var payload CallEventPayload
	if err := decode(e, &payload); err != nil {
		return err
	}
	return app.coordinator.AnswerCall(ctx, s, payload.CallID)
}

func (app *App) RejectCallHandler(ctx context.Context, s *core.Session, e *core.Event) error {
	var payload CallEventPayload
	if err := decode(e, &payload); err != nil {
		return err
	}
	return app.coordinator.RejectCall(ctx, s, payload.CallID)
}

func (app *App) EndCallHandler(ctx context.Context, s *core.Session, e *core.Event) error {
	var payload CallEventPayload
	if err := decode(e, &payload); err != nil {
		return err
	}
	return app.coordinator.EndCall(ctx, s, payload.CallID)
}

func (app *App) AnswerHandler(ctx context.Context, s *core.Session, e *core.Event) error {
	var payload core.AnswerPayload
	if err := decode(e, &payload); err != nil {
		return err
	}
	return app.coordinator.RelayAnswer(s, payload.CallID, payload.Answer)
}

func (app *App) ICECandidateHandler(ctx context.Context, s *core.Session, e *core.Event) error {
	var payload core.ICECandidatePayload
	if err := decode(e, &payload); err != nil {
		return err
	}
	return app.coordinator.RelayICECandidate(s, payload.CallID, payload.Candidate)
}
