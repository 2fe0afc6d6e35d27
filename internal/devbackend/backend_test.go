package devbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/xybot-console/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestBackend(t *testing.T, opts ...Option) (*Backend, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	all := append([]Option{
		WithLogger(logger),
		WithBcryptCost(bcrypt.MinCost),
		WithBot("2.0.0-test", 7),
	}, opts...)
	b, err := New(all...)
	require.NoError(t, err)
	require.NoError(t, b.AddUser("alice", "wonderland", "user"))
	require.NoError(t, b.AddUser("root", "toor", "admin"))

	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, srv
}

func call(t *testing.T, srv *httptest.Server, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func login(t *testing.T, srv *httptest.Server, user, password string) string {
	t.Helper()
	status, out := call(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{"username": user, "password": password})
	require.Equal(t, http.StatusOK, status, out)
	return out["token"].(string)
}

func TestLogin(t *testing.T) {
	_, srv := newTestBackend(t)

	status, out := call(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice", "password": "wonderland"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", out["username"])
	assert.Equal(t, "user", out["role"])
	assert.NotEmpty(t, out["token"])

	status, out = call(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid username or password", out["error"])

	status, _ = call(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "ghost", "password": "x"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, out = call(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, out["error"], "required")
}

func TestVerifyAndLogout(t *testing.T) {
	_, srv := newTestBackend(t)
	token := login(t, srv, "root", "toor")

	status, out := call(t, srv, http.MethodGet, "/api/auth/verify", token, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["valid"])
	assert.Equal(t, "root", out["username"])
	assert.Equal(t, "admin", out["role"])

	status, out = call(t, srv, http.MethodGet, "/api/auth/verify?token="+token, "", nil)
	assert.Equal(t, http.StatusOK, status, "query token is accepted")

	status, out = call(t, srv, http.MethodGet, "/api/auth/verify", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, out["valid"])

	status, out = call(t, srv, http.MethodPost, "/api/auth/logout", "", map[string]string{"token": token})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])

	status, _ = call(t, srv, http.MethodGet, "/api/auth/verify", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status, "revoked token no longer verifies")

	status, out = call(t, srv, http.MethodPost, "/api/auth/logout", "", map[string]string{"token": token})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["success"])

	status, _ = call(t, srv, http.MethodPost, "/api/auth/logout", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestExpiredToken(t *testing.T) {
	b, srv := newTestBackend(t, WithTokenTTL(-time.Minute))
	token, err := b.IssueToken("alice")
	require.NoError(t, err)

	status, _ := call(t, srv, http.MethodGet, "/api/bot/status", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRemovedUserTokenIsInvalid(t *testing.T) {
	b, srv := newTestBackend(t)
	token := login(t, srv, "alice", "wonderland")
	b.RemoveUser("alice")

	_, err := b.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestChangePassword(t *testing.T) {
	_, srv := newTestBackend(t)
	alice := login(t, srv, "alice", "wonderland")
	root := login(t, srv, "root", "toor")

	change := func(token, user, oldPw, newPw string) (int, map[string]any) {
		return call(t, srv, http.MethodPost, "/api/auth/change-password", token,
			map[string]string{"username": user, "oldPassword": oldPw, "newPassword": newPw})
	}

	status, _ := change("", "alice", "wonderland", "x")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = change(alice, "root", "toor", "x")
	assert.Equal(t, http.StatusForbidden, status)

	status, out := change(alice, "alice", "wrong", "x")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, out["error"], "password change failed")

	status, _ = change(alice, "alice", "", "x")
	assert.Equal(t, http.StatusBadRequest, status)

	status, out = change(alice, "alice", "wonderland", "looking-glass")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])
	login(t, srv, "alice", "looking-glass")

	status, _ = change(root, "alice", "looking-glass", "rabbit-hole")
	assert.Equal(t, http.StatusOK, status, "admins may change other passwords")
}

func TestBotStatus(t *testing.T) {
	_, srv := newTestBackend(t)
	token := login(t, srv, "alice", "wonderland")

	status, _ := call(t, srv, http.MethodGet, "/api/bot/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, out := call(t, srv, http.MethodGet, "/api/bot/status", token, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2.0.0-test", out["version"])
	assert.Equal(t, float64(7), out["plugins_count"])
	assert.Equal(t, true, out["is_running"])
}

func TestStatusPage(t *testing.T) {
	_, srv := newTestBackend(t)
	resp, err := srv.Client().Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "2.0.0-test")
	assert.NotContains(t, string(body), "\n    ", "page is minified")
	assert.Less(t, len(body), len(statusPage))
}

func dialSocket(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + token
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn, wantType string) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var env wire.Envelope
		require.NoError(t, wsjson.Read(ctx, ws, &env))
		if env.Type == wantType {
			return env.Payload
		}
	}
}

func sendRequest(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(frame)))
}

func TestSocketRejectsMissingToken(t *testing.T) {
	_, srv := newTestBackend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSocketConversation(t *testing.T) {
	_, srv := newTestBackend(t)
	ws := dialSocket(t, srv, login(t, srv, "alice", "wonderland"))

	var welcome wire.Welcome
	require.NoError(t, json.Unmarshal(readEvent(t, ws, wire.EventWelcome), &welcome))
	assert.Equal(t, "alice", welcome.User)

	sendRequest(t, ws, `{"type":"ping","payload":{}}`)
	var pong wire.Pong
	require.NoError(t, json.Unmarshal(readEvent(t, ws, wire.EventPong), &pong))
	assert.NotEmpty(t, pong.Timestamp)

	sendRequest(t, ws, `{"type":"get_bot_status","payload":{}}`)
	var status wire.BotStatus
	require.NoError(t, json.Unmarshal(readEvent(t, ws, wire.EventBotStatus), &status))
	assert.Equal(t, "2.0.0-test", status.Version)
	assert.Equal(t, 7, status.PluginsCount)

	sendRequest(t, ws, `{"type":"reboot","payload":{}}`)
	var e wire.ErrorPayload
	require.NoError(t, json.Unmarshal(readEvent(t, ws, wire.EventError), &e))
	assert.Equal(t, "unknown message type: reboot", e.Message)

	sendRequest(t, ws, `not json`)
	require.NoError(t, json.Unmarshal(readEvent(t, ws, wire.EventError), &e))
	assert.Equal(t, "invalid JSON", e.Message)
}

func TestSocketPushesStats(t *testing.T) {
	_, srv := newTestBackend(t,
		WithStatsInterval(20*time.Millisecond),
		WithStats(func() SystemSample {
			return SystemSample{CPU: wire.CPUStats{Percent: 12.5}}
		}),
	)
	ws := dialSocket(t, srv, login(t, srv, "alice", "wonderland"))

	var stats wire.SystemStats
	require.NoError(t, json.Unmarshal(readEvent(t, ws, wire.EventSystemStats), &stats))
	assert.Equal(t, 12.5, stats.CPU.Percent)
	assert.NotEmpty(t, stats.Timestamp)
}

func TestSocketBroadcastAndDrop(t *testing.T) {
	b, srv := newTestBackend(t)
	ws := dialSocket(t, srv, login(t, srv, "alice", "wonderland"))
	readEvent(t, ws, wire.EventWelcome)
	require.Eventually(t, func() bool { return b.Sockets() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Broadcast("plugin_loaded", map[string]string{"name": "weather"}))
	assert.JSONEq(t, `{"name":"weather"}`, string(readEvent(t, ws, "plugin_loaded")))

	b.DropSockets()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, _, err := ws.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
			break
		}
	}
	require.Eventually(t, func() bool { return b.Sockets() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSocketClosedOnLogout(t *testing.T) {
	_, srv := newTestBackend(t)
	token := login(t, srv, "alice", "wonderland")
	other := login(t, srv, "alice", "wonderland")
	ws := dialSocket(t, srv, token)
	keep := dialSocket(t, srv, other)
	readEvent(t, ws, wire.EventWelcome)
	readEvent(t, keep, wire.EventWelcome)

	status, _ := call(t, srv, http.MethodPost, "/api/auth/logout", "", map[string]string{"token": token})
	require.Equal(t, http.StatusOK, status)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, _, err := ws.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
			break
		}
	}

	sendRequest(t, keep, `{"type":"ping"}`)
	readEvent(t, keep, wire.EventPong)
}

func TestSocketLimit(t *testing.T) {
	b, srv := newTestBackend(t, WithMaxClients(1))
	token := login(t, srv, "alice", "wonderland")
	ws := dialSocket(t, srv, token)
	readEvent(t, ws, wire.EventWelcome)
	require.Eventually(t, func() bool { return b.Sockets() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws?token="+token, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
