package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20 // 1 MB
)

var connIDCounter uint64

// Conn wraps a single browser connection.
type Conn struct {
	ws      *websocket.Conn
	server  *Server
	closeCh chan struct{}

	// host is the hostname the browser reached the console on.
	host string

	mu       sync.Mutex
	id       string
	operator string // "" = unauthenticated
	closed   bool
}

func newConn(ws *websocket.Conn, server *Server, host string) *Conn {
	id := atomic.AddUint64(&connIDCounter, 1)
	return &Conn{
		id:      "c" + strconv.FormatUint(id, 10),
		ws:      ws,
		server:  server,
		host:    host,
		closeCh: make(chan struct{}),
	}
}

// BrowserHost returns the hostname, without port, the browser used to
// reach the console.
func (c *Conn) BrowserHost() string {
	return c.host
}

// browserHost prefers the Origin header, which names the page the browser
// is on, over the request Host.
func browserHost(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		if u, err := url.Parse(origin); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.Trim(host, "[]")
}

// ID returns a unique identifier for this connection.
func (c *Conn) ID() string {
	return c.id
}

// SetOperator marks this connection as authenticated.
func (c *Conn) SetOperator(name string) {
	c.mu.Lock()
	c.operator = name
	c.mu.Unlock()
}

// Operator returns the authenticated operator ("" if not authenticated).
func (c *Conn) Operator() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.operator
}

func (c *Conn) Authenticated() bool {
	return c.Operator() != ""
}

// Done is closed when the connection goes away.
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}

// SendAck sends an ack response for a client request.
func SendAck[T any](c *Conn, id int64, data T) {
	writeJSON(c, AckMessage[T]{ID: id, Data: data})
}

// SendEvent sends a push event with a single data payload.
func SendEvent[T any](c *Conn, event string, data T) {
	writeJSON(c, ServerMessage[T]{Event: event, Data: data})
}

func writeJSON[T any](c *Conn, v T) {
	// Marshal outside the lock; this is CPU work, not I/O
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("ws marshal", "err", err)
		return
	}

	c.WriteRaw(data)
}

// WriteRaw sends pre-marshalled JSON bytes to the connection.
func (c *Conn) WriteRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("ws write raw", "err", err)
		c.closeLocked()
	}
}

// readPump reads messages from the websocket and dispatches them.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.server.remove(c)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			slog.Debug("ws read", "err", err)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("ws unmarshal", "err", err)
			continue
		}

		c.server.dispatch(c, &msg)
	}
}

// keepAlive pings the browser every interval. A pong missing for a whole
// interval drops the connection without a close handshake.
func (c *Conn) keepAlive(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-t.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := c.ws.Ping(pingCtx)
		cancel()
		if err != nil {
			slog.Debug("ws ping", "conn", c.id, "err", err)
			c.drop()
			return
		}
	}
}

// drop closes the connection immediately.
func (c *Conn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeCh)
	c.ws.CloseNow()
}

// Close shuts down the connection.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeCh)
	c.ws.Close(websocket.StatusNormalClosure, "")
}
