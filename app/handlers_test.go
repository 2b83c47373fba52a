package parley

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/putto11262002/parley/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceHandlers(t *testing.T) {
	f := setUpAppFixture(t)
	f.connect("alice")
	token := f.token("bob")

	res := f.get("/api/presence", token)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var count PresenceCountResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&count))
	assert.Equal(t, 1, count.Count)

	for userID, online := range map[string]bool{"alice": true, "carol": false} {
		res := f.get("/api/presence/"+userID, token)
		require.Equal(t, http.StatusOK, res.StatusCode)
		var presence UserPresenceResponse
		require.NoError(t, json.NewDecoder(res.Body).Decode(&presence))
		assert.Equal(t, UserPresenceResponse{UserID: userID, Online: online}, presence)
	}
}

func TestCallHistoryHandler(t *testing.T) {
	f := setUpAppFixture(t)
	created := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"call-1", "call-2", "call-3"} {
		require.NoError(t, f.app.store.CreateCallSession(f.ctx, core.CallSession{
			ID: id, CallerID: "alice", CalleeID: "bob", Kind: core.AudioCall,
			Status: core.CallRinging, CreatedAt: created.Add(time.Duration(i) * time.Minute),
		}))
	}

	tcs := []struct {
		name   string
		user   string
		query  string
		status int
		ids    []string
	}{
		{name: "newest first", user: "bob", status: 200, ids: []string{"call-3", "call-2", "call-1"}},
		{name: "limit", user: "alice", query: "?limit=2", status: 200, ids: []string{"call-3", "call-2"}},
		{name: "no calls", user: "carol", status: 200, ids: []string{}},
		{name: "bad limit", user: "bob", query: "?limit=two", status: 400},
		{name: "negative limit", user: "bob", query: "?limit=-1", status: 400},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			res := f.get("/api/calls/history"+tc.query, f.token(tc.user))
			require.Equal(t, tc.status, res.StatusCode)
			if tc.status != http.StatusOK {
				return
			}
			var history CallHistoryResponse
			require.NoError(t, json.NewDecoder(res.Body).Decode(&history))
			ids := make([]string, 0, len(history.Calls))
			for _, c := range history.Calls {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tc.ids, ids)
		})
	}
}

func TestAPIAuthentication(t *testing.T) {
	f := setUpAppFixture(t)

	res := f.get("/api/presence", "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	forged, _, err := core.NewToken("alice", time.Hour, []byte("another secret"))
	require.NoError(t, err)
	res = f.get("/api/presence", forged)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "unauthenticated", body["error"])
}

func TestHealthHandler(t *testing.T) {
	f := setUpAppFixture(t)
	f.connect("alice")

	res := f.get("/healthz", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	assert.Equal(t, HealthResponse{Status: "ok", Sessions: 1}, health)
}
