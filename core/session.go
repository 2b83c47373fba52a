package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionAuthenticated
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionAuthenticated:
		return "authenticated"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// Session drives one connection through connecting, authenticated and closed.
// It is the Handle stored in the presence registry and the room multiplexer.
type Session struct {
	transport Transport
	presence  *Presence
	rooms     *Multiplexer
	verifier  IdentityVerifier
	router    *EventRouter
	logger    *slog.Logger

	// mu serializes state transitions; state itself is readable without it.
	mu     sync.Mutex
	state  atomic.Int32
	userID string

	onClose func(*Session)
}

type SessionDeps struct {
	Presence *Presence
	Rooms    *Multiplexer
	Verifier IdentityVerifier
	Router   *EventRouter
	Logger   *slog.Logger
}

func NewSession(t Transport, deps SessionDeps) *Session {
	return &Session{
		transport: t,
		presence:  deps.Presence,
		rooms:     deps.Rooms,
		verifier:  deps.Verifier,
		router:    deps.Router,
		logger:    deps.Logger.With(slog.String("connection", t.ID())),
		onClose:   func(*Session) {},
	}
}

func (s *Session) ID() string {
	return s.transport.ID()
}

func (s *Session) UserID() string {
	// userID is written before the state leaves connecting
	if s.State() == SessionConnecting {
		return ""
	}
	return s.userID
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) Send(e *Event) error {
	if s.State() != SessionAuthenticated {
		return ErrHandleClosed
	}
	return s.transport.Send(e)
}

func (s *Session) Closed() bool {
	return s.State() == SessionClosed
}

// Authenticate verifies credential and, on success, registers the session as the
// user's current connection and subscribes it to the user's private room.
// On failure the transport is closed and nothing is registered.
func (s *Session) Authenticate(ctx context.Context, credential string) error {
	if s.State() != SessionConnecting {
		return fmt.Errorf("Authenticate: %w", ErrSessionClosed)
	}

	userID, err := s.verifier.Verify(ctx, credential)
	if err != nil {
		s.mu.Lock()
		s.state.Store(int32(SessionClosed))
		s.mu.Unlock()
		s.transport.Close(ClosePolicyViolation, ErrAuthenticationFailed.Error())
		s.onClose(s)
		s.logger.Info("authentication failed", slog.Any("error", err))
		return fmt.Errorf("Verify: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != SessionConnecting {
		return fmt.Errorf("Authenticate: %w", ErrSessionClosed)
	}
	s.userID = userID
	s.state.Store(int32(SessionAuthenticated))
	s.logger = s.logger.With(slog.String("user", userID))

	s.presence.Register(userID, s)
	if err := s.rooms.Join(UserRoom(userID), s); err != nil {
		// the transport died between verification and registration
		s.presence.Unregister(userID, s)
		s.state.Store(int32(SessionClosed))
		s.transport.Close(websocket.CloseGoingAway, "")
		s.onClose(s)
		return fmt.Errorf("Join: %w", err)
	}
	s.logger.Info("authenticated")
	return nil
}

// Handle dispatches one inbound event. Events are dropped unless the session is authenticated.
func (s *Session) Handle(ctx context.Context, e *Event) {
	if s.State() != SessionAuthenticated {
		s.logger.Debug("discarding event", slog.String("event", e.Type), slog.String("state", s.State().String()))
		return
	}
	s.router.Dispatch(ctx, s, e)
}

// Close moves the session to closed, removes it from presence and every room and
// closes the transport. It is safe to call more than once.
func (s *Session) Close() {
	s.close(websocket.CloseNormalClosure, "")
}

func (s *Session) close(code int, reason string) {
	s.mu.Lock()
	prev := s.State()
	if prev == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(SessionClosed))
	userID := s.userID
	s.mu.Unlock()

	if prev == SessionAuthenticated {
		s.presence.Unregister(userID, s)
		s.rooms.DropHandle(s)
	}
	s.transport.Close(code, reason)
	s.onClose(s)
	s.logger.Info("session closed")
}
