// Package events follows the provisioning event stream of the open range.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cfilipov/rangeconsole/internal/api"
	"github.com/cfilipov/rangeconsole/internal/sse"
)

// Status is the connection state of a stream.
type Status string

const (
	StatusClosed     Status = "closed"
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusRetrying   Status = "retrying"
)

// FrameName is the server-sent event name carrying records.
const FrameName = "event"

// Transport delivers a range's event stream to h until ctx is done.
// Reconnecting after a disconnect is the transport's job.
type Transport interface {
	Stream(ctx context.Context, rangeID int64, h sse.Handler) error
}

// Stream is one opened event stream and the log it produced. Once closed it
// is frozen: no further events are appended.
type Stream struct {
	rangeID int64

	mu      sync.Mutex
	events  []api.Event
	status  Status
	lastErr error
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Stream) RangeID() int64 { return s.rangeID }

// Events returns a copy of the log in arrival order.
func (s *Stream) Events() []api.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Since returns the events appended after the first n.
func (s *Stream) Since(n int) []api.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n >= len(s.events) {
		return nil
	}
	out := make([]api.Event, len(s.events)-n)
	copy(out, s.events[n:])
	return out
}

func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Status returns the connection state and the last transport error.
func (s *Stream) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.lastErr
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) append(ev api.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return true
}

// setStatus records a transition and reports whether it changed anything.
// A closed stream only accepts StatusClosed.
func (s *Stream) setStatus(st Status, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && st != StatusClosed {
		return false
	}
	if st == StatusClosed {
		if s.closed {
			return false
		}
		s.closed = true
	}
	changed := s.status != st || err != nil
	s.status = st
	s.lastErr = err
	return changed
}

// Client keeps at most one stream open. Open and Close are serialized;
// reads go through the current Stream.
type Client struct {
	transport Transport
	onEvent   func(*Stream, api.Event)
	onStatus  func(*Stream, Status, error)
	now       func() time.Time

	mu  sync.Mutex
	cur atomic.Pointer[Stream]
}

type Option func(*Client)

// OnEvent registers a callback for every appended event. It runs on the
// stream goroutine and must not call Open or Close.
func OnEvent(fn func(*Stream, api.Event)) Option {
	return func(c *Client) { c.onEvent = fn }
}

// OnStatus registers a callback for status transitions. Same rules as OnEvent.
func OnStatus(fn func(*Stream, Status, error)) Option {
	return func(c *Client) { c.onStatus = fn }
}

func NewClient(t Transport, opts ...Option) *Client {
	c := &Client{transport: t, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns the open stream, or nil.
func (c *Client) Current() *Stream {
	return c.cur.Load()
}

// Open closes any open stream, waits for it to stop, then opens a fresh
// stream with an empty log for rangeID.
func (c *Client) Open(rangeID int64) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		rangeID: rangeID,
		status:  StatusConnecting,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.cur.Store(s)
	c.notifyStatus(s, StatusConnecting, nil)

	go c.run(ctx, s)
	return s
}

// Close stops the open stream, if any. It returns after the stream's
// goroutine has exited.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	s := c.cur.Swap(nil)
	if s == nil {
		return
	}
	changed := s.setStatus(StatusClosed, nil)
	s.cancel()
	<-s.done
	if changed {
		c.notifyStatus(s, StatusClosed, nil)
	}
}

func (c *Client) run(ctx context.Context, s *Stream) {
	defer close(s.done)

	err := c.transport.Stream(ctx, s.rangeID, &handler{c: c, s: s})
	if ctx.Err() != nil {
		return
	}
	// The transport gave up on its own.
	if err == nil {
		err = errors.New("event stream ended")
	}
	slog.Warn("event stream stopped", "rangeID", s.rangeID, "err", err)
	if s.setStatus(StatusClosed, err) {
		c.notifyStatus(s, StatusClosed, err)
	}
}

func (c *Client) notifyStatus(s *Stream, st Status, err error) {
	if c.onStatus != nil {
		c.onStatus(s, st, err)
	}
}

// handler adapts sse callbacks onto one Stream.
type handler struct {
	c *Client
	s *Stream
}

func (h *handler) Connected() {
	if h.s.setStatus(StatusOpen, nil) {
		h.c.notifyStatus(h.s, StatusOpen, nil)
	}
}

func (h *handler) Frame(f sse.Frame) {
	if f.Event != FrameName {
		return
	}
	ev := Parse(f.Data, h.c.now())
	if !h.s.append(ev) {
		return
	}
	if h.c.onEvent != nil {
		h.c.onEvent(h.s, ev)
	}
}

func (h *handler) Disconnected(err error) {
	slog.Debug("event stream disconnected", "rangeID", h.s.rangeID, "err", err)
	if h.s.setStatus(StatusRetrying, err) {
		h.c.notifyStatus(h.s, StatusRetrying, err)
	}
}
