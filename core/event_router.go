package core

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

type EventHandler func(ctx context.Context, s *Session, e *Event) error

type route struct {
	handler EventHandler
	// errorType is the event sent back on failure, either ErrorEvent or CallErrorEvent.
	errorType string
	// failure is the client-facing text for errors that are not safe to forward.
	failure string
}

// EventRouter invokes the handler registered for an inbound event type and reports
// handler errors back to the originating connection as soft error events.
type EventRouter struct {
	routes map[string]route
	logger *slog.Logger
}

func NewEventRouter(logger *slog.Logger) *EventRouter {
	return &EventRouter{
		routes: make(map[string]route),
		logger: logger.With(slog.String("component", "events")),
	}
}

// On registers h for events of type t. Errors returned by h are reported with an
// error event carrying failure, or the error text when it is an insensitive Error.
func (r *EventRouter) On(t string, h EventHandler, failure string) {
	r.routes[t] = route{handler: h, errorType: ErrorEvent, failure: failure}
}

// OnCall is like On but reports failures with call_error.
func (r *EventRouter) OnCall(t string, h EventHandler, failure string) {
	r.routes[t] = route{handler: h, errorType: CallErrorEvent, failure: failure}
}

func (r *EventRouter) Dispatch(ctx context.Context, s *Session, e *Event) {
	rt, ok := r.routes[e.Type]
	if !ok {
		r.logger.Debug("no handler", slog.String("event", e.Type), slog.String("connection", s.ID()))
		r.reportError(s, ErrorEvent, fmt.Sprintf("unknown event: %s", e.Type))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(fmt.Sprintf("%s handler panicked: %v", e.Type, rec),
				slog.String("stack", string(debug.Stack())))
			r.reportError(s, rt.errorType, rt.failure)
		}
	}()

	if err := rt.handler(ctx, s, e); err != nil {
		r.logger.Warn(fmt.Sprintf("%s handler: %v", e.Type, err),
			slog.String("connection", s.ID()), slog.String("user", s.UserID()))
		r.reportError(s, rt.errorType, ClientMessage(err, rt.failure))
	}
}

func (r *EventRouter) reportError(s *Session, errorType, msg string) {
	var payload any = ErrorPayload{Message: msg}
	if errorType == CallErrorEvent {
		payload = CallErrorPayload{Error: msg}
	}
	e, err := NewEvent(errorType, payload)
	if err != nil {
		r.logger.Error(err.Error())
		return
	}
	if err := s.Send(e); err != nil {
		r.logger.Debug("reporting error", slog.Any("error", err))
	}
}
