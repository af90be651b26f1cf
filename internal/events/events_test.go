package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cfilipov/rangeconsole/internal/api"
	"github.com/cfilipov/rangeconsole/internal/sse"
)

func TestParse(t *testing.T) {
	t.Parallel()

	recv := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		data string
		want api.Event
	}{
		{
			name: "full record",
			data: `{"id":4,"range_id":7,"created_at":"2025-12-31T23:59:59Z","level":"warn","kind":"room.start","message":"starting","payload_json":"{\"service\":\"desk\"}"}`,
			want: api.Event{ID: 4, RangeID: 7, CreatedAt: time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC), Level: "warn", Kind: "room.start", Message: "starting", Payload: []byte(`{"service":"desk"}`)},
		},
		{
			name: "defaults",
			data: `{"message":"hello"}`,
			want: api.Event{CreatedAt: recv, Level: "info", Kind: "event", Message: "hello"},
		},
		{
			name: "bad timestamp falls back",
			data: `{"created_at":"yesterday","message":"m","payload":{"a":1}}`,
			want: api.Event{CreatedAt: recv, Level: "info", Kind: "event", Message: "m", Payload: []byte(`{"a":1}`)},
		},
		{
			name: "not json",
			data: "plain text line",
			want: api.Event{CreatedAt: recv, Level: "info", Kind: "event", Message: "plain text line"},
		},
		{
			name: "json but not an object",
			data: `"quoted"`,
			want: api.Event{CreatedAt: recv, Level: "info", Kind: "event", Message: `"quoted"`},
		},
		{
			name: "wrong field types",
			data: `{"message":42}`,
			want: api.Event{CreatedAt: recv, Level: "info", Kind: "event", Message: `{"message":42}`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Parse(tt.data, recv)
			if !got.CreatedAt.Equal(tt.want.CreatedAt) || got.ID != tt.want.ID || got.RangeID != tt.want.RangeID ||
				got.Level != tt.want.Level || got.Kind != tt.want.Kind || got.Message != tt.want.Message ||
				string(got.Payload) != string(tt.want.Payload) {
				t.Errorf("Parse(%q) =\n%+v\nwant\n%+v", tt.data, got, tt.want)
			}
		})
	}
}

// fakeTransport hands each opened stream's handler to the test.
type fakeTransport struct {
	mu     sync.Mutex
	opened chan *fakeConn
	giveUp map[int64]error
}

type fakeConn struct {
	rangeID int64
	h       sse.Handler
	ctx     context.Context
	exited  chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{opened: make(chan *fakeConn, 8), giveUp: map[int64]error{}}
}

func (f *fakeTransport) Stream(ctx context.Context, rangeID int64, h sse.Handler) error {
	f.mu.Lock()
	giveUp, ok := f.giveUp[rangeID]
	f.mu.Unlock()
	if ok {
		return giveUp
	}
	c := &fakeConn{rangeID: rangeID, h: h, ctx: ctx, exited: make(chan struct{})}
	defer close(c.exited)
	h.Connected()
	f.opened <- c
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-f.opened:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("stream never opened")
		return nil
	}
}

func frame(data string) sse.Frame { return sse.Frame{Event: FrameName, Data: data} }

func TestStreamExclusivity(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	var mu sync.Mutex
	var seen []int64
	c := NewClient(tr, OnEvent(func(s *Stream, _ api.Event) {
		mu.Lock()
		seen = append(seen, s.RangeID())
		mu.Unlock()
	}))

	s1 := c.Open(1)
	conn1 := tr.next(t)
	conn1.h.Frame(frame(`{"message":"one"}`))
	conn1.h.Frame(sse.Frame{Event: "message", Data: "ignored"})
	if s1.Len() != 1 {
		t.Fatalf("range 1 log len = %d, want 1", s1.Len())
	}

	s2 := c.Open(2)
	select {
	case <-conn1.exited:
	default:
		t.Fatal("Open(2) returned before range 1's stream stopped")
	}
	if !s1.Closed() {
		t.Fatal("range 1 stream not closed")
	}
	if st, _ := s1.Status(); st != StatusClosed {
		t.Errorf("range 1 status = %s", st)
	}

	// A late frame from the superseded stream is dropped.
	conn1.h.Frame(frame(`{"message":"late"}`))
	if s1.Len() != 1 {
		t.Errorf("closed log grew to %d", s1.Len())
	}

	conn2 := tr.next(t)
	if conn2.rangeID != 2 || s2.Len() != 0 {
		t.Fatalf("range 2 stream: id %d len %d", conn2.rangeID, s2.Len())
	}
	conn2.h.Frame(frame(`{"message":"two"}`))
	if evs := s2.Events(); len(evs) != 1 || evs[0].Message != "two" {
		t.Errorf("range 2 log = %+v", evs)
	}
	if c.Current() != s2 {
		t.Error("Current is not range 2")
	}

	c.Close()
	if c.Current() != nil {
		t.Error("Current after Close")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("event callbacks = %v", seen)
	}
}

func TestStreamStatusTransitions(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	var mu sync.Mutex
	var statuses []Status
	c := NewClient(tr, OnStatus(func(_ *Stream, st Status, _ error) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	}))

	s := c.Open(5)
	conn := tr.next(t)
	if st, _ := s.Status(); st != StatusOpen {
		t.Fatalf("status after connect = %s", st)
	}

	drop := errors.New("connection reset")
	conn.h.Disconnected(drop)
	st, err := s.Status()
	if st != StatusRetrying || !errors.Is(err, drop) {
		t.Errorf("after disconnect: %s %v", st, err)
	}

	// Appends keep working while the transport reconnects.
	conn.h.Connected()
	conn.h.Frame(frame("not json"))
	if evs := s.Events(); len(evs) != 1 || evs[0].Message != "not json" || evs[0].Kind != "event" {
		t.Errorf("log = %+v", evs)
	}

	c.Close()
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusConnecting, StatusOpen, StatusRetrying, StatusOpen, StatusClosed}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses = %v, want %v", statuses, want)
			break
		}
	}
}

func TestTransportGivesUp(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.giveUp[9] = api.ErrUnsupported
	closed := make(chan error, 1)
	c := NewClient(tr, OnStatus(func(_ *Stream, st Status, err error) {
		if st == StatusClosed {
			closed <- err
		}
	}))

	s := c.Open(9)
	select {
	case err := <-closed:
		if !errors.Is(err, api.ErrUnsupported) {
			t.Errorf("close error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")
	}
	if !s.Closed() {
		t.Error("stream not frozen")
	}
	c.Close()
}

func TestSince(t *testing.T) {
	t.Parallel()

	s := &Stream{}
	for _, m := range []string{"a", "b", "c"} {
		s.append(api.Event{Message: m})
	}
	if got := s.Since(1); len(got) != 2 || got[0].Message != "b" {
		t.Errorf("Since(1) = %+v", got)
	}
	if got := s.Since(3); got != nil {
		t.Errorf("Since(3) = %+v", got)
	}
	if got := s.Since(-1); len(got) != 3 {
		t.Errorf("Since(-1) = %+v", got)
	}
}
