package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/xybot-console/pkg/wire"
)

// MockServer is a scripted socket endpoint for exercising the channel client
// at the frame level. It accepts any request path, records the token query
// parameter and inbound frames, and lets tests push raw frames or drop the
// current connection.
type MockServer struct {
	T      *testing.T
	Server *httptest.Server
	// Origin is the http URL the channel client should be pointed at.
	Origin string

	mu          sync.Mutex
	rejectToken func(token string) bool
	conn        *websocket.Conn
	tokens      []string
	accepted    int

	// Received carries every inbound frame.
	Received chan []byte
}

// NewMockServer starts a MockServer that closes itself when the test ends.
func NewMockServer(t *testing.T) *MockServer {
	t.Helper()
	ms := &MockServer{T: t, Received: make(chan []byte, 64)}

	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		ms.mu.Lock()
		ms.tokens = append(ms.tokens, token)
		reject := ms.rejectToken
		ms.mu.Unlock()
		if reject != nil && reject(token) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			ms.T.Logf("MockServer: accept error: %v", err)
			return
		}
		defer ws.CloseNow()

		ms.mu.Lock()
		ms.conn = ws
		ms.accepted++
		ms.mu.Unlock()

		for {
			_, data, err := ws.Read(context.Background())
			if err != nil {
				ms.mu.Lock()
				if ms.conn == ws {
					ms.conn = nil
				}
				ms.mu.Unlock()
				return
			}
			select {
			case ms.Received <- data:
			default:
				ms.T.Logf("MockServer: dropping inbound frame, buffer full")
			}
		}
	}))
	ms.Origin = ms.Server.URL

	t.Cleanup(ms.Close)
	return ms
}

// SetRejectToken makes the server answer tokens matching fn with 401
// instead of upgrading.
func (ms *MockServer) SetRejectToken(fn func(token string) bool) {
	ms.mu.Lock()
	ms.rejectToken = fn
	ms.mu.Unlock()
}

// SendRaw writes frame as one text frame on the current connection. It
// reports whether a connection was present.
func (ms *MockServer) SendRaw(frame string) bool {
	ms.mu.Lock()
	conn := ms.conn
	ms.mu.Unlock()
	if conn == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		ms.T.Logf("MockServer: write error: %v", err)
		return false
	}
	return true
}

// Send writes one envelope on the current connection.
func (ms *MockServer) Send(eventType string, payload any) bool {
	env, err := wire.NewEnvelope(eventType, payload)
	if err != nil {
		ms.T.Errorf("MockServer: %v", err)
		return false
	}
	frame, err := env.Encode()
	if err != nil {
		ms.T.Errorf("MockServer: %v", err)
		return false
	}
	return ms.SendRaw(string(frame))
}

// CloseCurrentConnection closes the current connection with status.
func (ms *MockServer) CloseCurrentConnection(status websocket.StatusCode) {
	ms.mu.Lock()
	conn := ms.conn
	ms.conn = nil
	ms.mu.Unlock()
	if conn != nil {
		conn.Close(status, "closed by test")
	}
}

// Connected reports whether a connection is currently open.
func (ms *MockServer) Connected() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.conn != nil
}

// Accepted returns how many connections were upgraded so far.
func (ms *MockServer) Accepted() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.accepted
}

// Tokens returns the token query parameter of every request, in order.
func (ms *MockServer) Tokens() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.tokens...)
}

// Close closes the current connection and the server.
func (ms *MockServer) Close() {
	ms.CloseCurrentConnection(websocket.StatusGoingAway)
	ms.Server.Close()
}
