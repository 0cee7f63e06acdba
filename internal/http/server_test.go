package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/huddle/internal/hub"
	"github.com/xiaot623/huddle/internal/presence"
	"github.com/xiaot623/huddle/internal/protocol"
	"github.com/xiaot623/huddle/internal/room"
	"github.com/xiaot623/huddle/internal/session"
	"github.com/xiaot623/huddle/tests/helpers"
)

func newTestServer(t *testing.T) (*hub.Hub, *presence.Tracker, *Server) {
	t.Helper()
	h := hub.New(session.NewRegistry(), room.NewDirectory(), zerolog.Nop(), 16)
	tr := presence.New(h, helpers.NewTestSQLiteStore(t), time.Second, zerolog.Nop())
	helpers.StartHub(t, h)
	return h, tr, NewServer(h, tr, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsCounts(t *testing.T) {
	h, tr, s := newTestServer(t)
	conn := helpers.Connect(t, h)
	helpers.On(t, h, func() { tr.JoinUser(conn, json.RawMessage(`"alice"`)) })

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["connections"])
	assert.EqualValues(t, 1, body["users"])
	assert.EqualValues(t, 2, body["rooms"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "huddle_connections")
}

func TestEmitToChannel(t *testing.T) {
	h, _, s := newTestServer(t)
	a := helpers.Connect(t, h)
	b := helpers.Connect(t, h)
	helpers.On(t, h, func() {
		h.Join(a, room.ChannelRoom("general"))
		h.Join(b, room.ChannelRoom("general"))
	})

	rec := do(t, s, http.MethodPost, "/internal/emit",
		`{"channel_id":"general","event":"channel_updated","data":{"name":"General"},"exclude":"`+b.ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, EmitResponse{OK: true, Delivered: 1}, resp)

	env := helpers.ExpectEvent(t, a, "channel_updated")
	assert.JSONEq(t, `{"name":"General"}`, string(env.Data))
	helpers.ExpectNoEvent(t, h, b)
}

func TestEmitToUserAndMissingConnection(t *testing.T) {
	h, tr, s := newTestServer(t)
	conn := helpers.Connect(t, h)
	helpers.On(t, h, func() { tr.JoinUser(conn, json.RawMessage(`"alice"`)) })

	rec := do(t, s, http.MethodPost, "/internal/emit", `{"user_id":"alice","event":"notification","data":{"n":1}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	helpers.ExpectEvent(t, conn, "notification")

	rec = do(t, s, http.MethodPost, "/internal/emit", `{"connection_id":"gone","event":"notification"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp EmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Delivered)
}

func TestEmitValidation(t *testing.T) {
	_, _, s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/internal/emit", `{"room":"presence"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/internal/emit", `{"event":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/internal/emit", `{`).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, s, http.MethodPost, "/internal/emit", `{"room":"presence","user_id":"alice","event":"x"}`).Code)
}

func TestPresenceLookup(t *testing.T) {
	h, tr, s := newTestServer(t)
	conn := helpers.Connect(t, h)
	helpers.On(t, h, func() { tr.UserOnline(conn, json.RawMessage(`"alice"`)) })
	helpers.ExpectEvent(t, conn, protocol.EventUserPresence)

	rec := do(t, s, http.MethodGet, "/internal/presence/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st presence.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "alice", st.UserID)
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.Connections)

	rec = do(t, s, http.MethodGet, "/internal/presence/nobody", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Online)
	assert.Zero(t, st.Connections)

	_, err := tr.Lookup(context.Background(), "alice")
	assert.NoError(t, err)
}
