package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Handler receives the lifecycle of a subscription. Calls are made from the
// subscription goroutine, one at a time.
type Handler interface {
	// Connected is called each time a response stream is established.
	Connected()
	// Frame is called for every dispatched frame.
	Frame(Frame)
	// Disconnected is called when a stream ends before the context is done.
	Disconnected(err error)
}

// RequestFunc builds the GET request for one connection attempt.
// lastEventID is the id of the last frame seen, or "".
type RequestFunc func(ctx context.Context, lastEventID string) (*http.Request, error)

const (
	reconnectInitial = 500 * time.Millisecond
	reconnectMax     = 30 * time.Second
)

// Subscriber keeps an event stream connected, reconnecting after failures
// the way a browser EventSource does.
type Subscriber struct {
	HTTP       *http.Client
	NewRequest RequestFunc
	// NewBackOff overrides the reconnect schedule. Defaults to exponential
	// backoff between 500ms and 30s with no elapsed-time limit.
	NewBackOff func() backoff.BackOff
}

// ErrNotEventStream is returned when the server answers with something other
// than text/event-stream.
var ErrNotEventStream = errors.New("response is not an event stream")

// StatusError is a non-200 response to the stream request.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("event stream: status %d: %s", e.Code, e.Body)
}

// Run connects and reads frames until ctx is done, reconnecting with backoff
// after every failure. A server retry field replaces the next delay. Run
// always returns ctx.Err().
func (s *Subscriber) Run(ctx context.Context, h Handler) error {
	bo := s.backOff()
	bo.Reset()
	var lastID string
	var serverRetry time.Duration

	for {
		connected := false
		err := s.once(ctx, &lastID, &serverRetry, func() {
			connected = true
			bo.Reset()
			h.Connected()
		}, h.Frame)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		h.Disconnected(err)

		wait := bo.NextBackOff()
		if serverRetry > 0 && connected {
			wait = serverRetry
		}
		if wait == backoff.Stop {
			wait = reconnectMax
		}
		slog.Debug("event stream disconnected, reconnecting", "err", err, "wait", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Subscriber) once(ctx context.Context, lastID *string, retry *time.Duration, onOpen func(), onFrame func(Frame)) error {
	req, err := s.NewRequest(ctx, *lastID)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if *lastID != "" {
		req.Header.Set("Last-Event-ID", *lastID)
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err != nil || mt != "text/event-stream" {
		return ErrNotEventStream
	}

	onOpen()
	return ReadFrames(resp.Body, func(f Frame) {
		if f.Retry > 0 {
			*retry = f.Retry
		}
		if f.ID != "" {
			*lastID = f.ID
		}
		if f.Event != "" {
			onFrame(f)
		}
	})
}

func (s *Subscriber) client() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return http.DefaultClient
}

func (s *Subscriber) backOff() backoff.BackOff {
	if s.NewBackOff != nil {
		return s.NewBackOff()
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(reconnectInitial),
		backoff.WithMaxInterval(reconnectMax),
		backoff.WithMaxElapsedTime(0),
	)
}
