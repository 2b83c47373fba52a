package core

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const AuthCookieName = "auth_token"

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub accepts websocket connections and owns the sessions running over them.
type Hub struct {
	sessions *SyncMap[string, *Session]
	deps     SessionDeps
	context  context.Context
	logger   *slog.Logger
	wg       sync.WaitGroup
	upgrader websocket.Upgrader
	connOpts ConnOptions

	authTimeout time.Duration
	onClosed    []func(userID string)
}

// DefaultAuthTimeout bounds how long a new connection may take to authenticate.
const DefaultAuthTimeout = 10 * time.Second

type HubOption func(*Hub)

func WithCheckOrigin(f func(r *http.Request) bool) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = f
	}
}

func WithConnOptions(opts ConnOptions) HubOption {
	return func(h *Hub) {
		h.connOpts = opts
	}
}

// WithAuthTimeout bounds the verification of a new connection's credential.
func WithAuthTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		h.authTimeout = d
	}
}

// OnSessionClosed registers f to run after an authenticated session has closed.
// The session is already gone from presence and every room when f runs.
func OnSessionClosed(f func(userID string)) HubOption {
	return func(h *Hub) {
		h.onClosed = append(h.onClosed, f)
	}
}

// NewHub creates a hub. A delivery failure in deps.Rooms closes the failing session.
func NewHub(ctx context.Context, deps SessionDeps, opts ...HubOption) *Hub {
	h := &Hub{
		sessions: NewSyncMap[string, *Session](),
		deps:     deps,
		context:  ctx,
		logger:   deps.Logger.With(slog.String("component", "hub")),
		upgrader: defaultUpgrader,
		connOpts: DefaultConnOptions,

		authTimeout: DefaultAuthTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	deps.Rooms.OnDeliveryFailure(func(handle Handle, err error) {
		h.logger.Info("disconnecting unreachable connection",
			slog.String("connection", handle.ID()), slog.Any("error", err))
		handle.Close()
	})
	return h
}

// CredentialFromRequest reads the bearer credential from the token query parameter,
// the Authorization header or the auth cookie, in that order.
func CredentialFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if auth, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && auth != "" {
		return auth
	}
	if cookie, err := r.Cookie(AuthCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// ServeHTTP upgrades the request and runs the session until the peer disconnects.
// Authentication happens after the upgrade so a rejected peer receives a close frame.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", slog.Any("error", err))
		return
	}

	conn := NewConn(h.context, ws, h.deps.Logger, h.connOpts)
	session := NewSession(conn, h.deps)
	session.onClose = func(s *Session) {
		h.sessions.Delete(s.ID())
		if userID := s.UserID(); userID != "" {
			for _, f := range h.onClosed {
				f(userID)
			}
		}
	}
	h.sessions.Store(session.ID(), session)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		conn.writeLoop()
	}()

	authCtx, cancel := context.WithTimeout(r.Context(), h.authTimeout)
	err = session.Authenticate(authCtx, CredentialFromRequest(r))
	cancel()
	if err != nil {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		conn.readLoop(func(e *Event) {
			session.Handle(h.context, e)
		})
		session.Close()
	}()
}

// Session returns the live session with the given connection id.
func (h *Hub) Session(id string) (*Session, bool) {
	return h.sessions.Load(id)
}

func (h *Hub) SessionCount() int {
	return h.sessions.Len()
}

// Close closes every session and waits for the connection goroutines to exit or ctx to expire.
func (h *Hub) Close(ctx context.Context) {
	for _, s := range h.sessions.Values() {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.logger.Info("hub closed gracefully")
	case <-ctx.Done():
		h.logger.Info("hub closed with timeout")
	}
}
