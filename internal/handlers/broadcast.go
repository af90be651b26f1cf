package handlers

import (
	"encoding/json"
	"hash"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/cfilipov/rangeconsole/internal/access"
	"github.com/cfilipov/rangeconsole/internal/api"
	"github.com/cfilipov/rangeconsole/internal/events"
	"github.com/cfilipov/rangeconsole/internal/session"
	"github.com/cfilipov/rangeconsole/internal/state"
	"github.com/cfilipov/rangeconsole/internal/ws"
)

// Push channel names.
const (
	chanInfo   = "info"
	chanRange  = "range"
	chanEvent  = "event"
	chanStream = "stream"
	chanStatus = "status"
	chanRanges = "ranges"
)

// RangePayload is the open range as sent on the range channel. It carries
// no fetch time so identical refreshes hash the same.
type RangePayload struct {
	Range       api.Range             `json:"range"`
	Rooms       []state.Room          `json:"rooms"`
	Resources   []api.Resource        `json:"resources"`
	Access      []api.AccessEntry     `json:"access"`
	Links       []access.ServiceLinks `json:"links"`
	LinkReason  access.Reason         `json:"link_reason,omitempty"`
	Credentials access.Credentials    `json:"credentials"`
	Services    []string              `json:"services"`
	Selected    string                `json:"selected"`
}

// StreamPayload reports the state of the open range's event stream.
type StreamPayload struct {
	RangeID int64         `json:"range_id"`
	Status  events.Status `json:"status"`
	Error   string        `json:"error,omitempty"`
}

// EventPayload is one appended event.
type EventPayload struct {
	RangeID int64     `json:"range_id"`
	Seq     int       `json:"seq"`
	Event   api.Event `json:"event"`
}

// audience is who a range payload is rendered for: nat-port links point at
// the browser's host and proxy links log the operator in.
type audience struct {
	host     string
	operator string
}

func audienceOf(c *ws.Conn) audience {
	return audience{host: c.BrowserHost(), operator: c.Operator()}
}

func rangePayload(v *state.View, a audience) *RangePayload {
	if v == nil {
		return nil
	}
	links := v.Links.ForOrigin(a.host).WithLogin(a.operator, func(service string) string {
		if room, ok := v.Room(service); ok {
			return room.Credentials.User
		}
		return v.Credentials.User
	})
	return &RangePayload{
		Range:       v.Range,
		Rooms:       v.Rooms,
		Resources:   v.Resources,
		Access:      v.Access,
		Links:       links.ByService(),
		LinkReason:  v.Links.Reason,
		Credentials: v.Credentials,
		Services:    v.Services,
		Selected:    v.Selected,
	}
}

func streamPayload(rangeID int64, st events.Status, err error) StreamPayload {
	p := StreamPayload{RangeID: rangeID, Status: st}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}

// broadcastState holds per-channel FNV hashes for deduplication.
type broadcastState struct {
	mu       sync.Mutex
	lastHash map[string]uint64
	hasher   hash.Hash64
}

func newBroadcastState() *broadcastState {
	return &broadcastState{
		lastHash: make(map[string]uint64),
		hasher:   fnv.New64a(),
	}
}

// broadcastIfChanged marshals data, computes FNV-1a hash, and broadcasts
// to all authenticated connections only if the hash differs from the last
// broadcast on this channel. Returns true if a broadcast was sent.
func (bs *broadcastState) broadcastIfChanged(wss *ws.Server, channel string, data any) bool {
	msg, changed := bs.changed(channel, data)
	if !changed {
		return false
	}
	wss.BroadcastBytes(msg)
	slog.Debug("broadcast sent", "channel", channel, "bytes", len(msg))
	return true
}

// changed marshals the envelope of data and records its hash for channel.
// It reports false when the hash matches the last one or marshalling fails.
func (bs *broadcastState) changed(channel string, data any) ([]byte, bool) {
	msg, err := json.Marshal(ws.ServerMessage[any]{
		Event: channel,
		Data:  data,
	})
	if err != nil {
		slog.Error("broadcast marshal", "channel", channel, "err", err)
		return nil, false
	}

	bs.mu.Lock()
	bs.hasher.Reset()
	bs.hasher.Write(msg)
	sum := bs.hasher.Sum64()
	old, seen := bs.lastHash[channel]
	changed := !seen || sum != old
	if changed {
		bs.lastHash[channel] = sum
	}
	bs.mu.Unlock()

	if !changed {
		slog.Debug("broadcast skipped (unchanged)", "channel", channel)
		return nil, false
	}
	return msg, true
}

// InitBroadcast must be called before the session publishes anything.
func (app *App) InitBroadcast() {
	app.bcast = newBroadcastState()
}

// SessionOptions returns the session callbacks that feed the push channels.
func (app *App) SessionOptions() []session.Option {
	return []session.Option{
		session.OnView(app.BroadcastView),
		session.OnEvent(app.BroadcastEvent),
		session.OnStream(app.BroadcastStream),
		session.OnStatus(app.BroadcastStatus),
	}
}

// BroadcastView pushes the open range, or null once it is closed. Changes
// are detected on the audience-neutral rendering; each distinct audience
// then gets its own links.
func (app *App) BroadcastView(v *state.View) {
	if _, changed := app.bcast.changed(chanRange, rangePayload(v, audience{})); !changed {
		return
	}
	rendered := make(map[audience][]byte)
	for _, c := range app.WS.Authenticated() {
		a := audienceOf(c)
		msg, ok := rendered[a]
		if !ok {
			var err error
			msg, err = json.Marshal(ws.ServerMessage[*RangePayload]{Event: chanRange, Data: rangePayload(v, a)})
			if err != nil {
				slog.Error("broadcast marshal", "channel", chanRange, "err", err)
				return
			}
			rendered[a] = msg
		}
		c.WriteRaw(msg)
	}
	slog.Debug("broadcast sent", "channel", chanRange, "audiences", len(rendered))
}

// BroadcastEvent pushes one appended event. Events are never deduplicated:
// two identical records are two log lines.
func (app *App) BroadcastEvent(rangeID int64, ev api.Event) {
	seq := 0
	if st := app.Session.Stream(); st != nil && st.RangeID() == rangeID {
		seq = st.Len()
	}
	ws.Broadcast(app.WS, chanEvent, EventPayload{RangeID: rangeID, Seq: seq, Event: ev})
}

func (app *App) BroadcastStream(rangeID int64, st events.Status, err error) {
	app.bcast.broadcastIfChanged(app.WS, chanStream, streamPayload(rangeID, st, err))
}

func (app *App) BroadcastStatus(st session.Status) {
	ws.Broadcast(app.WS, chanStatus, st)
}

// broadcastRanges pushes the range list after it may have changed.
func (app *App) broadcastRanges(ranges []api.Range) {
	if ranges == nil {
		ranges = []api.Range{}
	}
	app.bcast.broadcastIfChanged(app.WS, chanRanges, ranges)
}

// sendCurrentStateTo brings a freshly authenticated connection up to date.
func (app *App) sendCurrentStateTo(c *ws.Conn) {
	ws.SendEvent(c, chanRange, rangePayload(app.Session.View(), audienceOf(c)))
	if st := app.Session.Stream(); st != nil {
		status, err := st.Status()
		ws.SendEvent(c, chanStream, streamPayload(st.RangeID(), status, err))
	}
	if st := app.Session.Status(); st.Text != "" {
		ws.SendEvent(c, chanStatus, st)
	}
}
