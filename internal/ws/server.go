package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// HandlerFunc processes a client message. Each call runs on its own
// goroutine, so handlers may block on backend requests.
type HandlerFunc func(c *Conn, msg *ClientMessage)

// Server manages browser connections and message dispatch.
type Server struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}

	handlers     map[string]HandlerFunc
	connectFn    func(c *Conn)
	disconnectFn func(c *Conn)

	// OriginPatterns are host patterns allowed besides same-origin requests.
	OriginPatterns []string
	// PingInterval spaces keepalive pings; zero disables them.
	PingInterval time.Duration
}

// DefaultPingInterval is the keepalive spacing of a new Server.
const DefaultPingInterval = 30 * time.Second

func NewServer() *Server {
	return &Server{
		conns:        make(map[*Conn]struct{}),
		handlers:     make(map[string]HandlerFunc),
		PingInterval: DefaultPingInterval,
	}
}

// Handle registers a handler for a named event.
func (s *Server) Handle(event string, fn HandlerFunc) {
	s.handlers[event] = fn
}

// HandleConnect registers a handler that fires when a new connection is
// established, before the read pump starts.
func (s *Server) HandleConnect(fn func(c *Conn)) {
	s.connectFn = fn
}

// OnDisconnect registers a callback that fires when a connection is removed.
func (s *Server) OnDisconnect(fn func(c *Conn)) {
	s.disconnectFn = fn
}

// ServeHTTP upgrades the HTTP request to a websocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		slog.Error("ws accept", "err", err)
		return
	}

	c := newConn(ws, s, browserHost(r))
	s.add(c)

	slog.Debug("ws connected", "remote", r.RemoteAddr, "host", c.BrowserHost(), "conn", c.ID())

	if s.connectFn != nil {
		s.connectFn(c)
	}

	if s.PingInterval > 0 {
		go c.keepAlive(r.Context(), s.PingInterval)
	}

	// Block on the read pump; this goroutine is owned by net/http
	c.readPump(r.Context())
}

// Broadcast marshals the event once and sends it to every authenticated
// connection.
func Broadcast[T any](s *Server, event string, data T) {
	b, err := json.Marshal(ServerMessage[T]{Event: event, Data: data})
	if err != nil {
		slog.Error("ws marshal broadcast", "err", err, "event", event)
		return
	}
	s.BroadcastBytes(b)
}

// BroadcastBytes sends pre-marshalled JSON bytes to all authenticated
// connections.
func (s *Server) BroadcastBytes(data []byte) {
	for _, c := range s.Authenticated() {
		c.WriteRaw(data)
	}
}

// Authenticated snapshots the authenticated connections so writes happen
// outside the server lock.
func (s *Server) Authenticated() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		if c.Authenticated() {
			out = append(out, c)
		}
	}
	return out
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// HasAuthenticatedConns returns true if at least one authenticated client
// is connected.
func (s *Server) HasAuthenticatedConns() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		if c.Authenticated() {
			return true
		}
	}
	return false
}

// CloseAll closes every connection.
func (s *Server) CloseAll() {
	s.mu.RLock()
	all := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		all = append(all, c)
	}
	s.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
}

func (s *Server) add(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	if s.disconnectFn != nil {
		s.disconnectFn(c)
	}

	slog.Debug("ws disconnected", "conn", c.ID(), "remaining", s.ConnectionCount())
}

func (s *Server) dispatch(c *Conn, msg *ClientMessage) {
	// Each handler gets its own goroutine so a slow backend call doesn't
	// block the read pump.
	go s.Dispatch(c, msg)
}

// Dispatch looks up and invokes the handler for the given message event.
func (s *Server) Dispatch(c *Conn, msg *ClientMessage) {
	h, ok := s.handlers[msg.Event]
	if !ok {
		slog.Warn("ws unknown event", "event", msg.Event)
		if msg.ID != nil {
			SendAck(c, *msg.ID, ErrorResponse{OK: false, Msg: "unknown event: " + msg.Event})
		}
		return
	}
	h(c, msg)
}
