package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cfilipov/rangeconsole/internal/api"
	"github.com/cfilipov/rangeconsole/internal/db"
	"github.com/cfilipov/rangeconsole/internal/handlers"
	"github.com/cfilipov/rangeconsole/internal/models"
	"github.com/cfilipov/rangeconsole/internal/session"
	"github.com/cfilipov/rangeconsole/internal/ws"
)

var msgIDCounter int64

// TestEnv holds a fully wired console talking to a fake backend.
type TestEnv struct {
	App      *handlers.App
	Backend  *FakeBackend
	Upstream *httptest.Server
	Server   *httptest.Server
	Session  *session.Session
	Tokens   *models.TokenStore
	Prefs    *models.PrefStore
}

// Setup creates a test environment with a seeded fake backend, a temp
// BoltDB and a real HTTP server. Connections must log in.
func Setup(t testing.TB) *TestEnv {
	t.Helper()

	backend := NewFakeBackend()
	backend.Seed()
	upstream := httptest.NewServer(backend.Handler())

	client, err := api.NewClient(upstream.URL)
	if err != nil {
		upstream.Close()
		t.Fatal(err)
	}

	database, err := db.Open(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		upstream.Close()
		t.Fatal(err)
	}
	prefs := models.NewPrefStore(database)
	tokens := models.NewTokenStore(database, prefs)

	wss := ws.NewServer()
	app := &handlers.App{
		WS:        wss,
		Directory: client,
		Tokens:    tokens,
		Version:   "test",
		Mode:      "backend",
	}
	app.InitBroadcast()

	opts := append(app.SessionOptions(),
		session.WithPrefs(prefs),
		session.WithRefreshInterval(50*time.Millisecond),
	)
	sess := session.New(client, opts...)
	app.Session = sess

	handlers.RegisterAuthHandlers(app)
	handlers.RegisterRangeHandlers(app)
	handlers.RegisterRoomHandlers(app)

	mux := http.NewServeMux()
	mux.Handle("/ws", wss)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		sess.Shutdown()
		upstream.Close()
		database.Close()
	})

	return &TestEnv{
		App:      app,
		Backend:  backend,
		Upstream: upstream,
		Server:   server,
		Session:  sess,
		Tokens:   tokens,
		Prefs:    prefs,
	}
}

// DialWS opens a websocket connection to the test server.
// Push messages sent on connect are not drained here; SendAndReceive
// skips non-ack messages automatically.
func (e *TestEnv) DialWS(t testing.TB) *websocket.Conn {
	t.Helper()
	return e.DialWSHost(t, "")
}

// DialWSHost is DialWS with the handshake's Host header set to host, as if
// the browser had reached the console under that name.
func (e *TestEnv) DialWSHost(t testing.TB, host string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + e.Server.URL[4:] + "/ws" // http -> ws
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{Host: host})
	if err != nil {
		t.Fatal("dial ws:", err)
	}
	conn.SetReadLimit(1 << 20)

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
	})

	return conn
}

// Login mints a token for operator "tester" and logs the connection in.
func (e *TestEnv) Login(t testing.TB, conn *websocket.Conn) {
	t.Helper()
	token, err := e.Tokens.Mint("tester", time.Hour)
	if err != nil {
		t.Fatal("mint token:", err)
	}
	resp := e.SendAndReceive(t, conn, "loginByToken", token)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("login failed: %v", resp)
	}
}

// SendAndReceive sends a WS event with an ack ID and returns the parsed ack response.
func (e *TestEnv) SendAndReceive(t testing.TB, conn *websocket.Conn, event string, args ...any) map[string]any {
	t.Helper()

	id := atomic.AddInt64(&msgIDCounter, 1)

	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatal("marshal args:", err)
	}

	msg := map[string]any{
		"id":    id,
		"event": event,
		"args":  json.RawMessage(argsJSON),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal("marshal msg:", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal("write:", err)
	}

	// Read messages until we find our ack
	for {
		_, respData, err := conn.Read(ctx)
		if err != nil {
			t.Fatal("read:", err)
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(respData, &raw); err != nil {
			t.Fatal("unmarshal response:", err)
		}

		if idRaw, ok := raw["id"]; ok {
			var ackID int64
			if err := json.Unmarshal(idRaw, &ackID); err == nil && ackID == id {
				var ack struct {
					Data map[string]any `json:"data"`
				}
				if err := json.Unmarshal(respData, &ack); err != nil {
					t.Fatal("unmarshal ack:", err)
				}
				return ack.Data
			}
		}
		// Not our ack; it's a push message, skip it
	}
}

// WaitForPush reads until a push on channel arrives whose data satisfies
// match, and returns that data.
func (e *TestEnv) WaitForPush(t testing.TB, conn *websocket.Conn, channel string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s push: %v", channel, err)
		}
		var msg struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal("unmarshal push:", err)
		}
		if msg.Event == channel && (match == nil || match(msg.Data)) {
			return msg.Data
		}
	}
}

// SendEvent sends a WS event without waiting for an ack.
func (e *TestEnv) SendEvent(t testing.TB, conn *websocket.Conn, event string, args ...any) {
	t.Helper()

	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatal("marshal args:", err)
	}

	msg := map[string]any{
		"event": event,
		"args":  json.RawMessage(argsJSON),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal("marshal msg:", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal("write:", err)
	}
}
