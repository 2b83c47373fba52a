package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTransport struct {
	*mockHandle
	closeMu   sync.Mutex
	closeCode int
}

func newMockTransport(id string) *mockTransport {
	return &mockTransport{mockHandle: newMockHandle(id, "")}
}

func (t *mockTransport) Close(code int, reason string) {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.mockHandle.Closed() {
		return
	}
	t.closeCode = code
	t.mockHandle.Close()
}

func (t *mockTransport) CloseCode() int {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	return t.closeCode
}

type staticVerifier map[string]string

func (v staticVerifier) Verify(_ context.Context, credential string) (string, error) {
	userID, ok := v[credential]
	if !ok {
		return "", ErrAuthenticationFailed
	}
	return userID, nil
}

type sessionFixture struct {
	presence *Presence
	rooms    *Multiplexer
	router   *EventRouter
	deps     SessionDeps
}

func newSessionFixture() *sessionFixture {
	logger := newTestLogger()
	f := &sessionFixture{
		presence: NewPresence(),
		rooms:    NewMultiplexer(logger),
		router:   NewEventRouter(logger),
	}
	f.deps = SessionDeps{
		Presence: f.presence,
		Rooms:    f.rooms,
		Verifier: staticVerifier{"good": "alice"},
		Router:   f.router,
		Logger:   logger,
	}
	return f
}

func TestSessionAuthenticate(t *testing.T) {
	f := newSessionFixture()
	tr := newMockTransport("c1")
	s := NewSession(tr, f.deps)
	assert.Equal(t, SessionConnecting, s.State())
	assert.Empty(t, s.UserID())

	require.NoError(t, s.Authenticate(context.Background(), "good"))
	assert.Equal(t, SessionAuthenticated, s.State())
	assert.Equal(t, "alice", s.UserID())

	h, ok := f.presence.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, s.ID(), h.ID())
	assert.True(t, f.rooms.IsMember(UserRoom("alice"), s))

	assert.ErrorIs(t, s.Authenticate(context.Background(), "good"), ErrSessionClosed,
		"a session authenticates once")
}

func TestSessionAuthenticationFailure(t *testing.T) {
	f := newSessionFixture()
	tr := newMockTransport("c1")
	s := NewSession(tr, f.deps)
	var closedCalls int
	s.onClose = func(*Session) { closedCalls++ }

	err := s.Authenticate(context.Background(), "bad")
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	assert.Equal(t, SessionClosed, s.State())
	assert.True(t, tr.Closed())
	assert.Equal(t, websocket.ClosePolicyViolation, tr.CloseCode())
	assert.Equal(t, 1, closedCalls)
	assert.Zero(t, f.presence.Count(), "nothing is registered for a rejected connection")
	assert.Zero(t, f.rooms.RoomCount())
	assert.Empty(t, tr.Events(), "a rejected connection receives no events")
}

func TestSessionDiscardsEventsBeforeAuthentication(t *testing.T) {
	f := newSessionFixture()
	var handled int
	f.router.On("ping", func(ctx context.Context, s *Session, e *Event) error {
		handled++
		return nil
	}, "Failed to ping")

	s := NewSession(newMockTransport("c1"), f.deps)
	s.Handle(context.Background(), &Event{Type: "ping"})
	assert.Zero(t, handled)

	require.NoError(t, s.Authenticate(context.Background(), "good"))
	s.Handle(context.Background(), &Event{Type: "ping"})
	assert.Equal(t, 1, handled)

	s.Close()
	s.Handle(context.Background(), &Event{Type: "ping"})
	assert.Equal(t, 1, handled)
}

func TestSessionClose(t *testing.T) {
	f := newSessionFixture()
	tr := newMockTransport("c1")
	s := NewSession(tr, f.deps)
	require.NoError(t, s.Authenticate(context.Background(), "good"))
	require.NoError(t, f.rooms.Join(ConversationRoom(7), s))

	var closedCalls int
	s.onClose = func(*Session) { closedCalls++ }
	s.Close()
	s.Close()

	assert.Equal(t, 1, closedCalls)
	assert.True(t, s.Closed())
	assert.Equal(t, websocket.CloseNormalClosure, tr.CloseCode())
	assert.False(t, f.presence.IsOnline("alice"))
	assert.Empty(t, f.rooms.Rooms(s))
	assert.Zero(t, f.rooms.RoomCount())
	assert.ErrorIs(t, s.Send(&Event{Type: "x"}), ErrHandleClosed)
}

func TestSessionReconnectKeepsNewerEntry(t *testing.T) {
	f := newSessionFixture()
	first := NewSession(newMockTransport("c1"), f.deps)
	second := NewSession(newMockTransport("c2"), f.deps)
	require.NoError(t, first.Authenticate(context.Background(), "good"))
	require.NoError(t, second.Authenticate(context.Background(), "good"))

	first.Close()

	h, ok := f.presence.Resolve("alice")
	require.True(t, ok, "closing the older connection must not take the user offline")
	assert.Equal(t, "c2", h.ID())
	assert.True(t, f.rooms.IsMember(UserRoom("alice"), second))
}

func TestEventRouterErrors(t *testing.T) {
	f := newSessionFixture()
	tr := newMockTransport("c1")
	s := NewSession(tr, f.deps)
	require.NoError(t, s.Authenticate(context.Background(), "good"))

	f.router.On("sensitive", func(context.Context, *Session, *Event) error {
		return errors.New("database exploded")
	}, "Failed to do it")
	f.router.On("insensitive", func(context.Context, *Session, *Event) error {
		return ErrNotAParticipant
	}, "Failed to do it")
	f.router.OnCall("call", func(context.Context, *Session, *Event) error {
		return errors.New("boom")
	}, "Failed to start call")
	f.router.On("panic", func(context.Context, *Session, *Event) error {
		panic("oops")
	}, "Failed to survive")

	cases := []struct {
		event   string
		errType string
		want    string
	}{
		{"sensitive", ErrorEvent, "Failed to do it"},
		{"insensitive", ErrorEvent, ErrNotAParticipant.Error()},
		{"call", CallErrorEvent, "Failed to start call"},
		{"panic", ErrorEvent, "Failed to survive"},
		{"nope", ErrorEvent, "unknown event: nope"},
	}
	for _, tc := range cases {
		t.Run(tc.event, func(t *testing.T) {
			tr.Reset()
			s.Handle(context.Background(), &Event{Type: tc.event})
			events := tr.Events()
			require.Len(t, events, 1)
			assert.Equal(t, tc.errType, events[0].Type)
			if tc.errType == CallErrorEvent {
				var p CallErrorPayload
				require.NoError(t, events[0].DecodePayload(&p))
				assert.Equal(t, tc.want, p.Error)
			} else {
				var p ErrorPayload
				require.NoError(t, events[0].DecodePayload(&p))
				assert.Equal(t, tc.want, p.Message)
			}
		})
	}
	assert.Equal(t, SessionAuthenticated, s.State(), "handler failures never close the session")
}
