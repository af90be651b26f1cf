package docker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"

	"github.com/cfilipov/rangeconsole/internal/api"
	"github.com/cfilipov/rangeconsole/internal/sse"
)

// frameName matches the frame name the event stream client listens for.
const frameName = "event"

var errEventsClosed = errors.New("docker event stream closed")

// Stream follows the daemon's container events for one range and hands
// them to h as event frames, reconnecting after failures until ctx is done.
// The daemon keeps no history, so a fresh stream starts empty.
func (s *Source) Stream(ctx context.Context, rangeID int64, h sse.Handler) error {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
	var seq int64

	for {
		err := s.follow(ctx, rangeID, &seq, func() {
			bo.Reset()
			h.Connected()
		}, h.Frame)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.Disconnected(err)

		wait := bo.NextBackOff()
		slog.Debug("docker events disconnected, reconnecting", "rangeID", rangeID, "err", err, "wait", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Source) follow(ctx context.Context, rangeID int64, seq *int64, onOpen func(), onFrame func(sse.Frame)) error {
	// A ping up front tells a dead daemon from a quiet one.
	if _, err := s.cli.Ping(ctx); err != nil {
		return daemonError("ping", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgCh, errCh := s.cli.Events(ctx, events.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("label", LabelRange+"="+strconv.FormatInt(rangeID, 10)),
		),
	})
	onOpen()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return errEventsClosed
			}
			ev, keep := translate(rangeID, msg)
			if !keep {
				continue
			}
			*seq++
			ev.ID = *seq
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			onFrame(sse.Frame{ID: strconv.FormatInt(*seq, 10), Event: frameName, Data: string(data)})
		case err, ok := <-errCh:
			if !ok {
				return errEventsClosed
			}
			return daemonError("events", err)
		}
	}
}

// translate turns a container event into a range event. Actions that do not
// change a room are dropped.
func translate(rangeID int64, msg events.Message) (api.Event, bool) {
	action := string(msg.Action)
	detail := ""
	if name, rest, ok := strings.Cut(action, ":"); ok {
		action, detail = name, strings.TrimSpace(rest)
	}

	level := "info"
	switch events.Action(action) {
	case events.ActionStart, events.ActionRestart, events.ActionCreate,
		events.ActionPause, events.ActionUnPause, events.ActionStop:
	case events.ActionDie, events.ActionKill, events.ActionOOM, events.ActionDestroy:
		level = "warn"
	case events.ActionHealthStatus:
		if detail == "unhealthy" {
			level = "warn"
		}
	default:
		return api.Event{}, false
	}

	attrs := msg.Actor.Attributes
	service := attrs[LabelService]
	if service == "" {
		service = attrs[composeService]
	}
	if service == "" {
		service = attrs["name"]
	}

	text := service + " " + action
	if detail != "" {
		text += " (" + detail + ")"
	}
	payload, _ := json.Marshal(map[string]string{
		"container": msg.Actor.ID,
		"service":   service,
	})

	at := time.Now().UTC()
	if msg.TimeNano > 0 {
		at = time.Unix(0, msg.TimeNano).UTC()
	} else if msg.Time > 0 {
		at = time.Unix(msg.Time, 0).UTC()
	}
	return api.Event{
		RangeID:   rangeID,
		CreatedAt: at,
		Level:     level,
		Kind:      "room." + action,
		Message:   text,
		Payload:   payload,
	}, true
}
