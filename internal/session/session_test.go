package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cfilipov/rangeconsole/internal/api"
	"github.com/cfilipov/rangeconsole/internal/events"
	"github.com/cfilipov/rangeconsole/internal/sse"
	"github.com/cfilipov/rangeconsole/internal/state"
)

type fakeBackend struct {
	mu        sync.Mutex
	ranges    map[int64]api.RangeDetail
	templates map[int64]api.Template
	fetchErr  error
	actionErr error
	fetches   map[int64]int
	actions   []string
	frames    chan sse.Frame
	gates     map[int64]*fetchGate
}

// fetchGate holds fetches of one range until released.
type fetchGate struct {
	waiting chan struct{}
	release chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		ranges:    make(map[int64]api.RangeDetail),
		templates: make(map[int64]api.Template),
		fetches:   make(map[int64]int),
		frames:    make(chan sse.Frame, 16),
		gates:     make(map[int64]*fetchGate),
	}
}

// hold makes the next fetches of id block. The returned gate's waiting
// channel receives once a fetch is blocked; closing release lets it finish.
func (f *fakeBackend) hold(id int64) *fetchGate {
	g := &fetchGate{waiting: make(chan struct{}, 1), release: make(chan struct{})}
	f.mu.Lock()
	f.gates[id] = g
	f.mu.Unlock()
	return g
}

func (f *fakeBackend) addRange(id int64, status string, services ...string) {
	ports := map[string]map[string][]map[string]string{}
	var rooms []api.Room
	for i, svc := range services {
		ports[svc] = map[string][]map[string]string{
			"6080/tcp": {{"HostPort": fmt.Sprint(32000 + i)}},
		}
		rooms = append(rooms, api.Room{ServiceName: svc, Status: "running"})
	}
	meta, _ := json.Marshal(map[string]any{"ports": ports})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges[id] = api.RangeDetail{
		Range: api.Range{ID: id, Name: fmt.Sprintf("range-%d", id), Status: status, Metadata: meta},
		Rooms: rooms,
	}
}

func (f *fakeBackend) fetchCount(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func (f *fakeBackend) RangeDetail(ctx context.Context, id int64) (api.RangeDetail, error) {
	f.mu.Lock()
	g := f.gates[id]
	f.mu.Unlock()
	if g != nil {
		select {
		case g.waiting <- struct{}{}:
		default:
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return api.RangeDetail{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return api.RangeDetail{}, f.fetchErr
	}
	d, ok := f.ranges[id]
	if !ok {
		return api.RangeDetail{}, &api.Error{Status: 404, Message: "range not found"}
	}
	f.fetches[id]++
	return d, nil
}

func (f *fakeBackend) Template(_ context.Context, id int64) (api.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.templates[id]
	if !ok {
		return api.Template{}, &api.Error{Status: 404, Message: "template not found"}
	}
	return t, nil
}

func (f *fakeBackend) record(action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return f.actionErr
}

func (f *fakeBackend) RoomAction(_ context.Context, id int64, svc string, verb api.Verb) error {
	return f.record(fmt.Sprintf("%d/%s/%s", id, svc, verb))
}

func (f *fakeBackend) UpdateRoom(_ context.Context, id int64, svc string, _ api.RoomSettings, reconcile bool) error {
	return f.record(fmt.Sprintf("%d/%s/update/%t", id, svc, reconcile))
}

func (f *fakeBackend) DestroyRange(_ context.Context, id int64) error {
	return f.record(fmt.Sprintf("%d/destroy", id))
}

func (f *fakeBackend) ResetRange(_ context.Context, id int64) error {
	return f.record(fmt.Sprintf("%d/reset", id))
}

func (f *fakeBackend) Stream(ctx context.Context, _ int64, h sse.Handler) error {
	h.Connected()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fr := <-f.frames:
			h.Frame(fr)
		}
	}
}

type memPrefs struct {
	mu       sync.Mutex
	last     int64
	selected map[int64]string
}

func (p *memPrefs) LastRange() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, nil
}

func (p *memPrefs) SetLastRange(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = id
	return nil
}

func (p *memPrefs) SelectedService(id int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected[id], nil
}

func (p *memPrefs) SetSelectedService(id int64, svc string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.selected == nil {
		p.selected = make(map[int64]string)
	}
	p.selected[id] = svc
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOpenPublishesView(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.addRange(1, "ready", "desk", "kali")
	prefs := &memPrefs{}
	var views []*state.View
	var mu sync.Mutex
	s := New(be, WithPrefs(prefs), OnView(func(v *state.View) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	}))
	t.Cleanup(s.Shutdown)

	v, err := s.Open(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Range.ID != 1 || v.Selected != "desk" {
		t.Errorf("view = range %d selected %q", v.Range.ID, v.Selected)
	}
	if len(v.Links.Links) == 0 {
		t.Error("no links for ready range")
	}
	if st := s.Status(); st.Text != "loaded range #1" || st.Error {
		t.Errorf("status = %+v", st)
	}
	if prefs.last != 1 {
		t.Errorf("last range = %d", prefs.last)
	}
	if st := s.Stream(); st == nil || st.RangeID() != 1 {
		t.Fatalf("stream = %v", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(views) != 1 || views[0] != v {
		t.Errorf("published %d views", len(views))
	}
}

func TestOpenFailureKeepsState(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.addRange(1, "ready", "desk")
	s := New(be)
	t.Cleanup(s.Shutdown)

	if _, err := s.Open(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	before := s.View()
	stream := s.Stream()

	_, err := s.Open(context.Background(), 2)
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v", err)
	}
	if s.View() != before || s.RangeID() != 1 || s.Stream() != stream {
		t.Error("failed open mutated state")
	}
	st := s.Status()
	if !st.Error || !strings.Contains(st.Text, "range not found") {
		t.Errorf("status = %+v", st)
	}

	if _, err := s.Open(context.Background(), 0); !errors.Is(err, ErrRangeRequired) {
		t.Errorf("open 0 err = %v", err)
	}
}

func TestOpenReplacesStream(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.addRange(1, "ready", "desk")
	be.addRange(2, "ready", "kali")
	s := New(be)
	t.Cleanup(s.Shutdown)

	if _, err := s.Open(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	first := s.Stream()
	if _, err := s.Open(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if !first.Closed() {
		t.Error("previous stream still open")
	}
	if s.Stream().RangeID() != 2 || s.View().Range.ID != 2 {
		t.Error("range 2 not current")
	}
}

func TestSlowOpenIsSuperseded(t *testing.T) {
	t.Parallel()

	// openSlow starts Open(1) and returns once its fetch is blocked.
	openSlow := func(t *testing.T, be *fakeBackend, s *Session) (*fetchGate, chan error) {
		t.Helper()
		g := be.hold(1)
		done := make(chan error, 1)
		go func() {
			_, err := s.Open(context.Background(), 1)
			done <- err
		}()
		select {
		case <-g.waiting:
		case <-time.After(3 * time.Second):
			t.Fatal("Open(1) never fetched")
		}
		return g, done
	}

	t.Run("by a newer open", func(t *testing.T) {
		t.Parallel()
		be := newFakeBackend()
		be.addRange(1, "ready", "desk")
		be.addRange(2, "ready", "web")
		prefs := &memPrefs{}
		s := New(be, WithPrefs(prefs))
		t.Cleanup(s.Shutdown)

		g, done := openSlow(t, be, s)
		if _, err := s.Open(context.Background(), 2); err != nil {
			t.Fatal(err)
		}
		stream2 := s.Stream()
		close(g.release)
		if err := <-done; !errors.Is(err, ErrSuperseded) {
			t.Errorf("slow Open(1) err = %v, want ErrSuperseded", err)
		}

		if id := s.RangeID(); id != 2 {
			t.Errorf("RangeID = %d, want 2", id)
		}
		if v := s.View(); v == nil || v.Range.ID != 2 {
			t.Errorf("view = %+v, want range 2", v)
		}
		if st := s.Stream(); st != stream2 || st.Closed() {
			t.Errorf("range 2 stream was replaced or closed")
		}
		if last, _ := prefs.LastRange(); last != 2 {
			t.Errorf("last range = %d, want 2", last)
		}
	})

	t.Run("by close", func(t *testing.T) {
		t.Parallel()
		be := newFakeBackend()
		be.addRange(1, "ready", "desk")
		s := New(be)
		t.Cleanup(s.Shutdown)

		g, done := openSlow(t, be, s)
		s.Close()
		close(g.release)
		if err := <-done; !errors.Is(err, ErrSuperseded) {
			t.Errorf("slow Open(1) err = %v, want ErrSuperseded", err)
		}
		if id := s.RangeID(); id != 0 {
			t.Errorf("RangeID = %d, want 0", id)
		}
		if s.View() != nil || s.Stream() != nil {
			t.Error("Close was undone by a slow open")
		}
	})
}

func TestOpenPublishesSavedSelectionOnce(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.addRange(1, "ready", "desk", "kali")
	prefs := &memPrefs{selected: map[int64]string{1: "kali"}}
	var mu sync.Mutex
	var selected []string
	s := New(be, WithPrefs(prefs), OnView(func(v *state.View) {
		mu.Lock()
		selected = append(selected, v.Selected)
		mu.Unlock()
	}))
	t.Cleanup(s.Shutdown)

	if _, err := s.Open(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(selected) != 1 || selected[0] != "kali" {
		t.Errorf("published selections = %v, want [kali]", selected)
	}
}

func TestSelectionRemembered(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.addRange(1, "ready", "desk", "kali")
	be.addRange(2, "ready", "web")
	prefs := &memPrefs{}
	s := New(be, WithPrefs(prefs))
	t.Cleanup(s.Shutdown)
	ctx := context.Background()

	if _, err := s.Open(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Select("kali"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Select("ghost"); !errors.Is(err, state.ErrUnknownService) {
		t.Errorf("unknown select err = %v", err)
	}
	if _, err := s.Open(ctx, 2); err != nil {
		t.Fatal(err)
	}
	v, err := s.Open(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Selected != "kali" {
		t.Errorf("restored selection = %q", v.Selected)
	}
}

func TestRestore(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.addRange(5, "ready", "desk")
	s := New(be, WithPrefs(&memPrefs{last: 5}))
	t.Cleanup(s.Shutdown)

	if err := s.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.RangeID() != 5 {
		t.Errorf("restored range = %d", s.RangeID())
	}
}

func TestCommandsRefresh(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.addRange(1, "ready", "desk")
	s := New(be)
	t.Cleanup(s.Shutdown)
	ctx := context.Background()

	if _, err := s.Start(ctx, "desk"); err == nil {
		t.Error("command without an open range accepted")
	}
	if _, err := s.Open(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Start(ctx, "desk"); err != nil {
		t.Fatal(err)
	}
	if n := be.fetchCount(1); n != 2 {
		t.Errorf("fetches after start = %d, want 2", n)
	}
	if st := s.Status(); st.Text != "Start requested for desk" {
		t.Errorf("status = %+v", st)
	}
	if _, err := s.Update(ctx, "desk", api.RoomSettings{MaxConnections: 2}, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reset(ctx); err != nil {
		t.Fatal(err)
	}

	be.mu.Lock()
	got := strings.Join(be.actions, ",")
	be.actionErr = &api.Error{Status: 409, Message: "room desk is busy"}
	be.mu.Unlock()
	if want := "1/desk/start,1/desk/update/true,1/reset"; got != want {
		t.Errorf("actions = %s, want %s", got, want)
	}

	before := s.View()
	if _, err := s.Stop(ctx, "desk"); err == nil {
		t.Fatal("expected failure")
	}
	if st := s.Status(); !st.Error || st.Text != "stop failed: room desk is busy" {
		t.Errorf("status = %+v", st)
	}
	if s.View() != before {
		t.Error("failed command replaced the view")
	}
}

func TestLifecycleEventTriggersRefresh(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.addRange(1, "ready", "desk")
	var got []api.Event
	var mu sync.Mutex
	s := New(be,
		WithRefreshInterval(10*time.Millisecond),
		OnEvent(func(_ int64, ev api.Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		}),
	)
	t.Cleanup(s.Shutdown)

	if _, err := s.Open(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "stream open", func() bool {
		st, _ := s.Stream().Status()
		return st == events.StatusOpen
	})

	be.frames <- sse.Frame{Event: events.FrameName, Data: `{"kind":"log","message":"pulling"}`}
	be.frames <- sse.Frame{Event: events.FrameName, Data: `{"kind":"job.done","message":"done"}`}

	waitFor(t, "event refresh", func() bool { return be.fetchCount(1) >= 2 })
	waitFor(t, "events delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	if n := s.Stream().Len(); n != 2 {
		t.Errorf("log length = %d", n)
	}
}

func TestRefreshesState(t *testing.T) {
	t.Parallel()
	for kind, want := range map[string]bool{
		"job.queued":           true,
		"room.start":           true,
		"provision.done":       true,
		"room.settings.update": true,
		"log":                  false,
		"event":                false,
		"provision.step":       false,
	} {
		if got := refreshesState(kind); got != want {
			t.Errorf("refreshesState(%q) = %v, want %v", kind, got, want)
		}
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	be := newFakeBackend()
	be.addRange(1, "ready", "desk")
	prefs := &memPrefs{}
	var last *state.View
	s := New(be, WithPrefs(prefs), OnView(func(v *state.View) { last = v }))
	t.Cleanup(s.Shutdown)

	if _, err := s.Open(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	stream := s.Stream()
	s.Close()

	if s.View() != nil || s.RangeID() != 0 || s.Stream() != nil {
		t.Error("state survived close")
	}
	if !stream.Closed() {
		t.Error("stream not closed")
	}
	if last != nil {
		t.Error("nil view not published")
	}
	if prefs.last != 0 {
		t.Errorf("last range = %d", prefs.last)
	}
	if _, err := s.Refresh(context.Background()); !errors.Is(err, state.ErrNoRange) {
		t.Errorf("refresh after close err = %v", err)
	}
}
