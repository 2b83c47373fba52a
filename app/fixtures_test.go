package parley

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/parley/core"
	"github.com/stretchr/testify/require"
)

const baseTimeout = 2 * time.Second

var testSecret = []byte("app test secret")

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	config := &Config{
		Port:     8080,
		Hostname: "127.0.0.1",
		Mode:     DevMode,
	}
	config.Auth.Secret = Base64Encoded(testSecret)
	config.Store.Driver = SQLiteDriver
	config.SQLite.File = filepath.Join(t.TempDir(), "parley.db")
	config.SQLite.Migrations = "../migrations/sqlite"
	config.Postgres.Migrations = "../migrations/postgres"
	config.WS.SendBuffer = 64
	config.WS.MaxMessageSize = 64 * 1024
	config.Calls.RingTimeout = time.Minute
	config.Calls.Retention = time.Minute
	config.AllowedOrigins = []string{"*"}
	return config
}

type appFixture struct {
	t      *testing.T
	app    *App
	server *httptest.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func setUpAppFixture(t *testing.T, mutate ...func(*Config)) *appFixture {
	t.Helper()
	config := newTestConfig(t)
	for _, m := range mutate {
		m(config)
	}
	ctx, cancel := context.WithCancel(context.Background())
	app, err := newApp(ctx, config, WithLogOutput(io.Discard))
	require.NoError(t, err)
	f := &appFixture{
		t:      t,
		app:    app,
		server: httptest.NewServer(app.Handler()),
		ctx:    ctx,
		cancel: cancel,
	}
	t.Cleanup(f.tearDown)
	return f
}

func (f *appFixture) tearDown() {
	closeCtx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()
	f.server.Close()
	f.app.Close(closeCtx)
	f.cancel()
}

func (f *appFixture) token(userID string) string {
	token, _, err := core.NewToken(userID, time.Hour, testSecret)
	require.NoError(f.t, err)
	return token
}

func (f *appFixture) conversation(participants ...string) int64 {
	id, err := f.app.store.CreateConversation(f.ctx, participants...)
	require.NoError(f.t, err)
	return id
}

// connect dials the websocket endpoint as userID and waits until the user room is joined.
func (f *appFixture) connect(userID string) *wsClient {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + f.token(userID)
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(f.t, err)
	require.Equal(f.t, http.StatusSwitchingProtocols, res.StatusCode)
	f.t.Cleanup(func() { conn.Close() })

	require.Eventually(f.t, func() bool {
		return f.app.rooms.HasUser(core.UserRoom(userID), userID)
	}, baseTimeout, 5*time.Millisecond)
	return &wsClient{t: f.t, conn: conn}
}

func (f *appFixture) get(path, token string) *http.Response {
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(f.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := f.server.Client().Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { res.Body.Close() })
	return res
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (c *wsClient) send(t string, payload any) {
	e, err := core.NewEvent(t, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(e))
}

// expect reads frames until one of type t arrives, skipping everything else.
func (c *wsClient) expect(t string) *core.Event {
	c.t.Helper()
	deadline := time.Now().Add(baseTimeout)
	require.NoError(c.t, c.conn.SetReadDeadline(deadline))
	for {
		var e core.Event
		err := c.conn.ReadJSON(&e)
		require.NoError(c.t, err, "waiting for %s", t)
		if e.Type == t {
			return &e
		}
	}
}

func (c *wsClient) expectPayload(t string, v any) {
	c.t.Helper()
	require.NoError(c.t, c.expect(t).DecodePayload(v))
}

func encodedSecret() string {
	return base64.StdEncoding.EncodeToString(testSecret)
}
