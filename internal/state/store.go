// Package state holds the snapshot of the range currently being viewed.
package state

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cfilipov/rangeconsole/internal/access"
	"github.com/cfilipov/rangeconsole/internal/api"
)

var (
	ErrNoRange        = errors.New("no range open")
	ErrUnknownService = errors.New("unknown service")
)

// Snapshot is one point-in-time fetch of a range.
type Snapshot struct {
	Detail api.RangeDetail
	// Template is the range's template, when it could be fetched.
	Template *api.Template
	// Preferred, when it names a known service, becomes the selection.
	Preferred string
}

// Room is a room as presented: backend fields plus its effective credentials.
type Room struct {
	ServiceName string             `json:"service_name"`
	Status      string             `json:"status"`
	EntryPath   string             `json:"entry_path,omitempty"`
	Settings    *api.RoomSettings  `json:"settings,omitempty"`
	Credentials access.Credentials `json:"credentials"`
}

// View is an immutable, fully derived snapshot. Callers must not modify it.
type View struct {
	Range       api.Range            `json:"range"`
	Rooms       []Room               `json:"rooms"`
	Resources   []api.Resource       `json:"resources"`
	Access      []api.AccessEntry    `json:"access"`
	Bindings    []access.PortBinding `json:"bindings"`
	Links       access.Result        `json:"links"`
	Credentials access.Credentials   `json:"credentials"`
	Services    []string             `json:"services"`
	Selected    string               `json:"selected"`
	FetchedAt   time.Time            `json:"fetched_at"`
}

// Room returns the named room.
func (v *View) Room(service string) (Room, bool) {
	for _, r := range v.Rooms {
		if r.ServiceName == service {
			return r, true
		}
	}
	return Room{}, false
}

// Known reports whether service is a room or has port bindings.
func (v *View) Known(service string) bool {
	i := sort.SearchStrings(v.Services, service)
	return i < len(v.Services) && v.Services[i] == service
}

// Store owns the current view. Reads are lock-free loads of an immutable
// pointer; writers are serialized and publish a new view wholesale.
type Store struct {
	mu   sync.Mutex
	snap *Snapshot
	opts access.Options
	view atomic.Pointer[View]
	now  func() time.Time
}

func New(opts access.Options) *Store {
	return &Store{opts: opts, now: time.Now}
}

// Current returns the published view, or nil when no range is open.
func (s *Store) Current() *View {
	return s.view.Load()
}

// Replace derives a new view from snap and publishes it in one swap. The
// selection is snap.Preferred when known, else the current selection when
// its service still exists, else the first known service.
func (s *Store) Replace(snap Snapshot) *View {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := ""
	if cur := s.view.Load(); cur != nil && cur.Range.ID == snap.Detail.Range.ID {
		prev = cur.Selected
	}
	s.snap = &snap
	v := derive(snap, s.opts, snap.Preferred, prev, s.now())
	s.view.Store(v)
	return v
}

// Select moves the selection cursor to service.
func (s *Store) Select(service string) (*View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.view.Load()
	if cur == nil {
		return nil, ErrNoRange
	}
	if !cur.Known(service) {
		return nil, ErrUnknownService
	}
	if cur.Selected == service {
		return cur, nil
	}
	next := *cur
	next.Selected = service
	s.view.Store(&next)
	return &next, nil
}

// SetOptions changes link options and re-derives the current view.
func (s *Store) SetOptions(opts access.Options) *View {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opts = opts
	cur := s.view.Load()
	if s.snap == nil || cur == nil {
		return cur
	}
	v := derive(*s.snap, opts, cur.Selected, "", cur.FetchedAt)
	s.view.Store(v)
	return v
}

// Clear drops the snapshot.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
	s.view.Store(nil)
}

// derive builds a view. The selection is the first of preferred and
// fallback that is a known service, else the first service.
func derive(snap Snapshot, opts access.Options, preferred, fallback string, at time.Time) *View {
	d := snap.Detail
	v := &View{
		Range:     d.Range,
		Resources: d.Resources,
		Access:    d.Access,
		FetchedAt: at,
	}

	if snap.Template != nil {
		v.Credentials = access.ExtractCredentials(snap.Template.ParsedDefinition())
	}

	v.Rooms = make([]Room, 0, len(d.Rooms))
	for _, r := range d.Rooms {
		room := Room{
			ServiceName: r.ServiceName,
			Status:      r.Status,
			EntryPath:   r.EntryPath,
			Credentials: v.Credentials,
		}
		if st, ok := r.ParsedSettings(); ok {
			room.Settings = &st
			room.Credentials = access.EffectiveCredentials(v.Credentials, st)
		}
		v.Rooms = append(v.Rooms, room)
	}

	v.Bindings = access.ResolvePorts(d.Range.Ports())
	v.Links = access.Synthesize(access.Input{
		RangeID:  d.Range.ID,
		Ready:    d.Range.Ready(),
		Bindings: v.Bindings,
		Images:   access.ImagesByService(d.Resources),
	}, opts)

	v.Services = knownServices(v.Rooms, v.Bindings)
	switch {
	case preferred != "" && v.Known(preferred):
		v.Selected = preferred
	case fallback != "" && v.Known(fallback):
		v.Selected = fallback
	case len(v.Services) > 0:
		v.Selected = v.Services[0]
	}
	return v
}

func knownServices(rooms []Room, bindings []access.PortBinding) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rooms {
		if r.ServiceName != "" && !seen[r.ServiceName] {
			seen[r.ServiceName] = true
			out = append(out, r.ServiceName)
		}
	}
	for _, svc := range access.Services(bindings) {
		if !seen[svc] {
			seen[svc] = true
			out = append(out, svc)
		}
	}
	sort.Strings(out)
	return out
}
