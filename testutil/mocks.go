package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// MockSlackServer mocks the Slack Web API under /api/<method> and, once
// EnableRTM is called, an RTM websocket endpoint under /rtm.
type MockSlackServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	calls    []Call

	upgrader  websocket.Upgrader
	conns     []*websocket.Conn
	writeMu   sync.Mutex
	connected chan struct{}

	// Received carries every frame a client writes to the RTM endpoint.
	Received chan json.RawMessage
}

// Call records one Web API request.
type Call struct {
	Method string
	Params url.Values
	Auth   string
}

// NewMockSlackServer starts a mock server closed at test cleanup.
func NewMockSlackServer(t *testing.T) *MockSlackServer {
	t.Helper()
	m := &MockSlackServer{
		handlers:  make(map[string]http.HandlerFunc),
		connected: make(chan struct{}, 16),
		Received:  make(chan json.RawMessage, 256),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", m.serveAPI)
	mux.HandleFunc("/rtm", m.serveRTM)
	m.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		m.DropConnections()
		m.Close()
	})
	return m
}

// APIURL is the base URL to hand to slackapi.Client.
func (m *MockSlackServer) APIURL() string { return m.URL + "/api/" }

func (m *MockSlackServer) serveAPI(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/api/")
	_ = r.ParseForm() //nolint:errcheck // test mock; bad forms show up as missing params
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, Params: r.PostForm, Auth: r.Header.Get("Authorization")})
	h, ok := m.handlers[method]
	m.mu.Unlock()
	if !ok {
		writeJSON(w, map[string]any{"ok": false, "error": "unknown_method"})
		return
	}
	h(w, r)
}

// Handle installs a raw handler for method.
func (m *MockSlackServer) Handle(method string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// OK answers method with ok=true merged into payload.
func (m *MockSlackServer) OK(method string, payload map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range payload {
		body[k] = v
	}
	m.Handle(method, func(w http.ResponseWriter, r *http.Request) { writeJSON(w, body) })
}

// Fail answers method with ok=false and the given error code.
func (m *MockSlackServer) Fail(method, code string) {
	m.Handle(method, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": false, "error": code})
	})
}

// Calls returns the params of every request made to method, in order.
func (m *MockSlackServer) Calls(method string) []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []url.Values
	for _, c := range m.calls {
		if c.Method == method {
			out = append(out, c.Params)
		}
	}
	return out
}

// AllCalls returns every recorded request.
func (m *MockSlackServer) AllCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// MockAuth answers auth.test for the given identity.
func (m *MockSlackServer) MockAuth(userID, user, teamID, team string) {
	m.OK("auth.test", map[string]any{
		"url": "https://" + team + ".slack.com/", "user_id": userID, "user": user,
		"team_id": teamID, "team": team,
	})
}

// MockDirectory answers the user, channel and group listings and the info
// methods for the listed conversations.
func (m *MockSlackServer) MockDirectory(users, channels, groups []map[string]any) {
	m.OK("users.list", map[string]any{"members": nonNil(users)})
	m.OK("channels.list", map[string]any{"channels": nonNil(channels)})
	m.OK("groups.list", map[string]any{"groups": nonNil(groups)})
	m.Handle("channels.info", infoHandler("channel", channels))
	m.Handle("groups.info", infoHandler("group", groups))
}

func infoHandler(key string, convs []map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PostForm.Get("channel")
		for _, c := range convs {
			if c["id"] == id {
				writeJSON(w, map[string]any{"ok": true, key: c})
				return
			}
		}
		writeJSON(w, map[string]any{"ok": false, "error": "channel_not_found"})
	}
}

func nonNil(v []map[string]any) []map[string]any {
	if v == nil {
		return []map[string]any{}
	}
	return v
}

// EnableRTM answers rtm.connect with this server's websocket URL.
func (m *MockSlackServer) EnableRTM(selfID, selfName, teamID, team string) {
	wsURL := "ws" + strings.TrimPrefix(m.URL, "http") + "/rtm"
	m.OK("rtm.connect", map[string]any{
		"url":  wsURL,
		"self": map[string]any{"id": selfID, "name": selfName},
		"team": map[string]any{"id": teamID, "name": team, "domain": team},
	})
}

func (m *MockSlackServer) serveRTM(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()
	m.connected <- struct{}{}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case m.Received <- json.RawMessage(data):
		default:
		}
	}
}

// WaitConnected blocks until a client opens the RTM stream.
func (m *MockSlackServer) WaitConnected(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-m.connected:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for RTM connection")
	}
}

// SendEvent writes v as a JSON frame to the most recent RTM connection.
func (m *MockSlackServer) SendEvent(t *testing.T, v any) {
	t.Helper()
	m.mu.Lock()
	var conn *websocket.Conn
	if len(m.conns) > 0 {
		conn = m.conns[len(m.conns)-1]
	}
	m.mu.Unlock()
	if conn == nil {
		t.Fatal("no RTM connection to send on")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write RTM event: %v", err)
	}
}

// DropConnections closes every open RTM connection.
func (m *MockSlackServer) DropConnections() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close() //nolint:errcheck // test teardown
	}
}

// NextFrame waits for the next client frame and decodes it into a map.
func (m *MockSlackServer) NextFrame(t *testing.T, timeout time.Duration) map[string]any {
	t.Helper()
	select {
	case raw := <-m.Received:
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode RTM frame: %v", err)
		}
		return out
	case <-time.After(timeout):
		t.Fatal("timed out waiting for RTM frame")
		return nil
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
