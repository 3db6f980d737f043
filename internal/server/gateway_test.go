package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomrelay/internal/config"
	"github.com/Tyrowin/roomrelay/internal/database"
	"github.com/Tyrowin/roomrelay/internal/hub"
	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/store"
	"github.com/Tyrowin/roomrelay/internal/users"
)

const (
	testOrigin = "http://localhost:8080"
	testSecret = "gateway-test-secret"
)

type envOptions struct {
	requireToken bool
	ws           config.WebSocketConfig
	rateLimit    config.RateLimitConfig
}

type testEnv struct {
	srv   *httptest.Server
	gw    *Gateway
	hub   *hub.Hub
	dir   *users.Directory
	wsURL string
}

func newTestEnv(t *testing.T, mutate ...func(*envOptions)) *testEnv {
	t.Helper()
	defaults := config.Default()
	opts := envOptions{ws: defaults.WebSocket, rateLimit: defaults.RateLimit}
	for _, m := range mutate {
		m(&opts)
	}

	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	st, err := store.NewGormStore(db)
	require.NoError(t, err)
	dir, err := users.NewDirectory(db, testSecret)
	require.NoError(t, err)

	log := logging.Nop()
	gw := NewGateway(opts.ws, opts.rateLimit, log)
	h := hub.New(hub.Deps{Store: st, Owners: dir, Transport: gw, Logger: log})
	gw.Bind(h)
	go gw.Run()

	handlers := NewHandlers(HandlerOptions{
		Gateway:      gw,
		Resolver:     dir,
		Presence:     h,
		Profiles:     dir,
		Origins:      NewOriginPolicy([]string{testOrigin}, log),
		RequireToken: opts.requireToken,
		Logger:       log,
	})
	srv := httptest.NewServer(SetupRoutes(handlers, log))
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(2 * time.Second)
	})

	return &testEnv{
		srv:   srv,
		gw:    gw,
		hub:   h,
		dir:   dir,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (e *testEnv) token(t *testing.T, username string) string {
	t.Helper()
	require.NoError(t, e.dir.Create(context.Background(), &users.Identity{Username: username}))
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, users.Claims{Username: username}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := e.wsURL
	if token != "" {
		url += "?token=" + token
	}
	header := http.Header{}
	header.Set("Origin", testOrigin)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	return dialer.Dial(url, header)
}

func (e *testEnv) mustDial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := e.dial(t, token)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := hub.Encode(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readEvent(t *testing.T, conn *websocket.Conn) hub.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env hub.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// readUntil skips frames until one named event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) hub.Envelope {
	t.Helper()
	for {
		env := readEvent(t, conn)
		if env.Event == event {
			return env
		}
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Zero(t, body.Connections)
	require.Zero(t, body.Online)
}

func TestWebSocket_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.srv.URL+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocket_OriginRejected(t *testing.T) {
	env := newTestEnv(t)

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL, header)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocket_TokenRequired(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) { o.requireToken = true })

	for _, tok := range []string{"", "not-a-jwt"} {
		conn, resp, err := env.dial(t, tok)
		if conn != nil {
			_ = conn.Close()
		}
		require.Error(t, err)
		require.NotNil(t, resp)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()
	}

	conn := env.mustDial(t, env.token(t, "bob"))
	roster := readEvent(t, conn)
	require.Equal(t, hub.EventUserList, roster.Event)
	require.JSONEq(t, `["bob"]`, string(roster.Data))
}

func TestWebSocket_EndToEnd(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)

	alice := env.mustDial(t, env.token(t, "alice"))
	readUntil(t, alice, hub.EventUserList)
	bob := env.mustDial(t, env.token(t, "bob"))
	readUntil(t, bob, hub.EventUserList)

	roster := readUntil(t, alice, hub.EventUserList)
	req.JSONEq(`["alice","bob"]`, string(roster.Data))

	sendEvent(t, alice, hub.EventJoin, map[string]string{"room": "alpha"})
	req.JSONEq(`[]`, string(readUntil(t, alice, hub.EventLoadHistory).Data))
	sendEvent(t, bob, hub.EventJoin, map[string]string{"room": "alpha"})
	readUntil(t, bob, hub.EventLoadHistory)

	sendEvent(t, bob, hub.EventSendMessage, map[string]string{"room": "alpha", "message": "hi"})

	var got [2]hub.ChatMessage
	for i, conn := range []*websocket.Conn{alice, bob} {
		frame := readUntil(t, conn, hub.EventChatMessage)
		req.NoError(json.Unmarshal(frame.Data, &got[i]))
	}
	req.Equal("bob", got[0].Username)
	req.Equal("hi", got[0].Message)
	req.Equal("text", got[0].Type)
	req.Equal(got[0].ID, got[1].ID)

	sendEvent(t, alice, hub.EventTyping, map[string]string{"room": "alpha"})
	typing := readUntil(t, bob, hub.EventDisplayTyping)
	req.JSONEq(`{"username":"alice"}`, string(typing.Data))

	req.NoError(alice.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = alice.Close()

	roster = readUntil(t, bob, hub.EventUserList)
	req.JSONEq(`["bob"]`, string(roster.Data))
	req.Eventually(func() bool { return env.gw.Count() == 1 && env.hub.Online() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) {
		o.rateLimit = config.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})
	conn := env.mustDial(t, "")

	sendEvent(t, conn, hub.EventJoin, map[string]string{"room": "r"})
	for i := 0; i < 3; i++ {
		sendEvent(t, conn, hub.EventSendMessage, map[string]string{"room": "r", "username": "anon", "message": "spam"})
	}

	require.Equal(t, hub.EventLoadHistory, readEvent(t, conn).Event)
	require.Equal(t, hub.EventChatMessage, readEvent(t, conn).Event)

	// the remaining two were dropped
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestWebSocket_OversizedMessageClosesConnection(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) { o.ws.MaxMessageSize = 128 })
	conn := env.mustDial(t, "")

	big := strings.Repeat("x", 1024)
	sendEvent(t, conn, hub.EventSendMessage, map[string]string{"room": "r", "message": big})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return env.gw.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_Shutdown(t *testing.T) {
	env := newTestEnv(t)
	conn := env.mustDial(t, env.token(t, "carol"))
	readUntil(t, conn, hub.EventUserList)

	require.NoError(t, env.gw.Shutdown(2*time.Second))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return env.hub.Online() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// recordingEvents counts Disconnect calls.
type recordingEvents struct {
	mu          sync.Mutex
	disconnects []string
}

func (r *recordingEvents) Connect(context.Context, string, *users.Identity) error { return nil }
func (r *recordingEvents) Handle(context.Context, string, []byte) error        { return nil }
func (r *recordingEvents) Disconnect(connID string) {
	r.mu.Lock()
	r.disconnects = append(r.disconnects, connID)
	r.mu.Unlock()
}

func (r *recordingEvents) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnects)
}

func TestGateway_SlowConsumerIsDropped(t *testing.T) {
	ws := config.Default().WebSocket
	ws.SendBuffer = 1
	gw := NewGateway(ws, config.Default().RateLimit, logging.Nop())
	events := &recordingEvents{}
	gw.Bind(events)

	client := NewClient("slow", nil, gw, nil, "127.0.0.1")
	gw.mutex.Lock()
	gw.clients[client.id] = client
	gw.mutex.Unlock()

	require.True(t, gw.Deliver("slow", []byte("one")))
	require.False(t, gw.Deliver("slow", []byte("two")))
	require.Zero(t, gw.Count())

	// later deliveries are refused without a second cleanup
	require.False(t, gw.Deliver("slow", []byte("three")))
	require.Eventually(t, func() bool { return events.count() == 1 }, time.Second, 5*time.Millisecond)

	// the buffered frame is still readable before the close
	frame, ok := <-client.send
	require.True(t, ok)
	require.Equal(t, "one", string(frame))
	_, ok = <-client.send
	require.False(t, ok)
}
