// Package session ties together the state of the range an operator is
// viewing: its snapshot, its event stream and the commands issued against it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/cfilipov/rangeconsole/internal/access"
	"github.com/cfilipov/rangeconsole/internal/actions"
	"github.com/cfilipov/rangeconsole/internal/api"
	"github.com/cfilipov/rangeconsole/internal/events"
	"github.com/cfilipov/rangeconsole/internal/state"
)

const (
	// DefaultRefreshInterval is the minimum spacing of event-driven refreshes.
	DefaultRefreshInterval = 2 * time.Second
	refreshTimeout         = 15 * time.Second
)

var (
	ErrRangeRequired = errors.New("range id is required")
	// ErrSuperseded is returned by an Open whose fetch finished after a
	// newer Open or Close.
	ErrSuperseded = errors.New("superseded by a newer open or close")
)

// Backend is everything a session needs from the provisioning system.
type Backend interface {
	RangeDetail(ctx context.Context, id int64) (api.RangeDetail, error)
	Template(ctx context.Context, id int64) (api.Template, error)
	actions.Commander
	events.Transport
}

// Prefs remembers the last range and the selected room per range.
type Prefs interface {
	LastRange() (int64, error)
	SetLastRange(id int64) error
	SelectedService(rangeID int64) (string, error)
	SetSelectedService(rangeID int64, service string) error
}

// Status is the one-line operator-facing message.
type Status struct {
	Text  string    `json:"text"`
	Error bool      `json:"error"`
	At    time.Time `json:"at"`
}

// Session is the explicit context of one console. Open and Close are the
// only writers of the range id; the store is only replaced by fetches
// issued through the session.
type Session struct {
	backend  Backend
	prefs    Prefs
	store    *state.Store
	stream   *events.Client
	dispatch *actions.Dispatcher
	limiter  *rate.Limiter

	onView   func(*state.View)
	onEvent  func(rangeID int64, ev api.Event)
	onStream func(rangeID int64, st events.Status, err error)
	onStatus func(Status)

	mu      sync.Mutex
	opens   uint64 // bumped by every Open and Close, guarded by mu
	rangeID atomic.Int64
	status  atomic.Pointer[Status]
	pending atomic.Bool

	bg     context.Context
	cancel context.CancelFunc
}

type Option func(*Session)

func WithPrefs(p Prefs) Option {
	return func(s *Session) { s.prefs = p }
}

func WithLinkOptions(opts access.Options) Option {
	return func(s *Session) { s.store = state.New(opts) }
}

// WithRefreshInterval sets the minimum spacing of event-driven refreshes.
// Zero disables them.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Session) {
		if d <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// OnView is called with every newly published view, nil after Close.
func OnView(fn func(*state.View)) Option {
	return func(s *Session) { s.onView = fn }
}

func OnEvent(fn func(rangeID int64, ev api.Event)) Option {
	return func(s *Session) { s.onEvent = fn }
}

func OnStream(fn func(rangeID int64, st events.Status, err error)) Option {
	return func(s *Session) { s.onStream = fn }
}

func OnStatus(fn func(Status)) Option {
	return func(s *Session) { s.onStatus = fn }
}

func New(backend Backend, opts ...Option) *Session {
	s := &Session{
		backend: backend,
		store:   state.New(access.Options{}),
		limiter: rate.NewLimiter(rate.Every(DefaultRefreshInterval), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bg, s.cancel = context.WithCancel(context.Background())
	s.stream = events.NewClient(backend,
		events.OnEvent(s.handleEvent),
		events.OnStatus(s.handleStreamStatus),
	)
	s.dispatch = actions.New(backend, s.refresh)
	s.status.Store(&Status{})
	return s
}

// RangeID returns the open range, or 0.
func (s *Session) RangeID() int64 { return s.rangeID.Load() }

// View returns the current view, or nil when no range is open.
func (s *Session) View() *state.View { return s.store.Current() }

// Stream returns the open event stream, or nil.
func (s *Session) Stream() *events.Stream { return s.stream.Current() }

// Status returns the latest status line.
func (s *Session) Status() Status { return *s.status.Load() }

// Restore reopens the range that was open when the console last ran.
func (s *Session) Restore(ctx context.Context) error {
	if s.prefs == nil {
		return nil
	}
	id, err := s.prefs.LastRange()
	if err != nil || id == 0 {
		return err
	}
	_, err = s.Open(ctx, id)
	return err
}

// Open fetches range id and makes it the current range. A new event stream
// with an empty log is started, replacing any previous one. When the fetch
// fails nothing changes. When another Open or a Close happens while the
// fetch is in flight, the result is dropped and ErrSuperseded returned.
func (s *Session) Open(ctx context.Context, id int64) (*state.View, error) {
	if id <= 0 {
		s.setStatus(ErrRangeRequired.Error(), true)
		return nil, ErrRangeRequired
	}
	s.mu.Lock()
	s.opens++
	gen := s.opens
	s.mu.Unlock()

	snap, err := s.fetch(ctx, id)
	if err != nil {
		if s.latest(gen) {
			s.setStatus(fmt.Sprintf("failed to load range #%d: %s", id, api.Message(err)), true)
		}
		return nil, err
	}
	snap.Preferred = s.savedSelection(id)

	s.mu.Lock()
	if s.opens != gen {
		s.mu.Unlock()
		slog.Debug("dropping superseded open", "rangeID", id)
		return nil, ErrSuperseded
	}
	v := s.store.Replace(snap)
	s.rangeID.Store(id)
	s.stream.Open(id)
	s.mu.Unlock()

	if s.prefs != nil {
		if err := s.prefs.SetLastRange(id); err != nil {
			slog.Warn("save last range", "rangeID", id, "err", err)
		}
	}
	s.publish(v)
	s.setStatus(fmt.Sprintf("loaded range #%d", id), false)
	return v, nil
}

// latest reports whether no Open or Close followed the one numbered gen.
func (s *Session) latest(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens == gen
}

// Refresh re-fetches the open range.
func (s *Session) Refresh(ctx context.Context) (*state.View, error) {
	id := s.RangeID()
	if id == 0 {
		return nil, state.ErrNoRange
	}
	if err := s.refresh(ctx, id); err != nil {
		return nil, err
	}
	return s.View(), nil
}

// refresh replaces the snapshot of rangeID, unless another range was opened
// while the fetch was in flight.
func (s *Session) refresh(ctx context.Context, id int64) error {
	snap, err := s.fetch(ctx, id)
	if err != nil {
		s.setStatus(fmt.Sprintf("failed to refresh range #%d: %s", id, api.Message(err)), true)
		return err
	}

	s.mu.Lock()
	if s.rangeID.Load() != id {
		s.mu.Unlock()
		slog.Debug("dropping stale refresh", "rangeID", id)
		return nil
	}
	v := s.store.Replace(snap)
	s.mu.Unlock()

	s.publish(v)
	return nil
}

// Close stops the stream and forgets the open range.
func (s *Session) Close() {
	s.mu.Lock()
	s.opens++
	id := s.rangeID.Swap(0)
	s.stream.Close()
	s.store.Clear()
	s.mu.Unlock()

	if id == 0 {
		return
	}
	if s.prefs != nil {
		if err := s.prefs.SetLastRange(0); err != nil {
			slog.Warn("clear last range", "err", err)
		}
	}
	s.publish(nil)
	s.setStatus(fmt.Sprintf("closed range #%d", id), false)
}

// Shutdown closes the session for good, stopping background refreshes.
func (s *Session) Shutdown() {
	s.cancel()
	s.mu.Lock()
	s.stream.Close()
	s.mu.Unlock()
}

// Select moves the room cursor and remembers it for the range.
func (s *Session) Select(service string) (*state.View, error) {
	v, err := s.store.Select(service)
	if err != nil {
		return nil, err
	}
	if s.prefs != nil {
		if err := s.prefs.SetSelectedService(v.Range.ID, service); err != nil {
			slog.Warn("save selection", "rangeID", v.Range.ID, "err", err)
		}
	}
	s.publish(v)
	return v, nil
}

// SetLinkOptions re-derives links for a new origin or domain.
func (s *Session) SetLinkOptions(opts access.Options) {
	if v := s.store.SetOptions(opts); v != nil {
		s.publish(v)
	}
}

func (s *Session) Start(ctx context.Context, service string) (actions.Outcome, error) {
	return s.roomCommand(ctx, "start", service, s.dispatch.Start)
}

func (s *Session) Stop(ctx context.Context, service string) (actions.Outcome, error) {
	return s.roomCommand(ctx, "stop", service, s.dispatch.Stop)
}

func (s *Session) Restart(ctx context.Context, service string) (actions.Outcome, error) {
	return s.roomCommand(ctx, "restart", service, s.dispatch.Restart)
}

func (s *Session) Recreate(ctx context.Context, service string) (actions.Outcome, error) {
	return s.roomCommand(ctx, "recreate", service, s.dispatch.Recreate)
}

// Update replaces a room's settings; reconcile is forwarded as given.
func (s *Session) Update(ctx context.Context, service string, settings api.RoomSettings, reconcile bool) (actions.Outcome, error) {
	return s.roomCommand(ctx, "update", service, func(ctx context.Context, id int64, service string) (actions.Outcome, error) {
		return s.dispatch.Update(ctx, id, service, settings, reconcile)
	})
}

func (s *Session) Destroy(ctx context.Context) (actions.Outcome, error) {
	return s.rangeCommand(ctx, "destroy", s.dispatch.Destroy)
}

func (s *Session) Reset(ctx context.Context) (actions.Outcome, error) {
	return s.rangeCommand(ctx, "reset", s.dispatch.Reset)
}

type roomFunc func(ctx context.Context, rangeID int64, service string) (actions.Outcome, error)

func (s *Session) roomCommand(ctx context.Context, verb, service string, fn roomFunc) (actions.Outcome, error) {
	id := s.RangeID()
	if id == 0 || service == "" {
		s.setStatus("range and service are required", true)
		return actions.Outcome{}, fmt.Errorf("%s: range and service are required", verb)
	}
	out, err := fn(ctx, id, service)
	s.report(verb, out, err)
	return out, err
}

func (s *Session) rangeCommand(ctx context.Context, verb string, fn func(context.Context, int64) (actions.Outcome, error)) (actions.Outcome, error) {
	id := s.RangeID()
	if id == 0 {
		s.setStatus(ErrRangeRequired.Error(), true)
		return actions.Outcome{}, fmt.Errorf("%s: %w", verb, ErrRangeRequired)
	}
	out, err := fn(ctx, id)
	s.report(verb, out, err)
	return out, err
}

func (s *Session) report(verb string, out actions.Outcome, err error) {
	switch {
	case err != nil:
		s.setStatus(fmt.Sprintf("%s failed: %s", verb, api.Message(err)), true)
	case out.RefreshErr != nil:
		s.setStatus(fmt.Sprintf("%s, but refresh failed: %s", out.Message, api.Message(out.RefreshErr)), true)
	default:
		s.setStatus(out.Message, false)
	}
}

// fetch loads a snapshot. A missing template only costs the credentials.
func (s *Session) fetch(ctx context.Context, id int64) (state.Snapshot, error) {
	detail, err := s.backend.RangeDetail(ctx, id)
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("fetch range %d: %w", id, err)
	}
	snap := state.Snapshot{Detail: detail}
	if tid := detail.Range.TemplateID; tid > 0 {
		tpl, err := s.backend.Template(ctx, tid)
		if err != nil {
			slog.Debug("fetch template", "rangeID", id, "templateID", tid, "err", err)
		} else {
			snap.Template = &tpl
		}
	}
	return snap, nil
}

func (s *Session) savedSelection(id int64) string {
	if s.prefs == nil {
		return ""
	}
	svc, err := s.prefs.SelectedService(id)
	if err != nil {
		slog.Warn("load selection", "rangeID", id, "err", err)
		return ""
	}
	return svc
}

func (s *Session) handleEvent(st *events.Stream, ev api.Event) {
	if s.onEvent != nil {
		s.onEvent(st.RangeID(), ev)
	}
	if refreshesState(ev.Kind) {
		s.scheduleRefresh(st.RangeID())
	}
}

func (s *Session) handleStreamStatus(st *events.Stream, status events.Status, err error) {
	if status == events.StatusRetrying {
		s.setStatus("event stream disconnected, retrying", true)
	}
	if s.onStream != nil {
		s.onStream(st.RangeID(), status, err)
	}
}

// refreshesState reports whether an event kind signals a state change worth
// re-fetching the range for.
func refreshesState(kind string) bool {
	return strings.HasSuffix(kind, ".done") ||
		strings.HasPrefix(kind, "room.") ||
		strings.HasPrefix(kind, "job.")
}

// scheduleRefresh coalesces event-driven refreshes: at most one is pending,
// and they are spaced by the limiter.
func (s *Session) scheduleRefresh(id int64) {
	if s.limiter == nil || !s.pending.CompareAndSwap(false, true) {
		return
	}
	delay := s.limiter.Reserve().Delay()
	time.AfterFunc(delay, func() {
		s.pending.Store(false)
		if s.bg.Err() != nil || s.RangeID() != id {
			return
		}
		ctx, cancel := context.WithTimeout(s.bg, refreshTimeout)
		defer cancel()
		if err := s.refresh(ctx, id); err != nil {
			slog.Warn("event refresh", "rangeID", id, "err", err)
		}
	})
}

func (s *Session) publish(v *state.View) {
	if s.onView != nil {
		s.onView(v)
	}
}

func (s *Session) setStatus(text string, isError bool) {
	st := &Status{Text: text, Error: isError, At: time.Now()}
	s.status.Store(st)
	if s.onStatus != nil {
		s.onStatus(*st)
	}
}
