package testutil

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	ginsse "github.com/gin-contrib/sse"

	"github.com/cfilipov/rangeconsole/internal/api"
)

// replayWindow is how many recent events a new stream subscriber receives.
const replayWindow = 50

// FakeRange is the backend-side record of one range.
type FakeRange struct {
	Range     api.Range
	Rooms     []api.Room
	Resources []api.Resource
	Access    []api.AccessEntry
}

// FakeBackend is an in-memory provisioning API: the REST surface plus the
// per-range event stream. It serves tests and cmd/mock-backend.
type FakeBackend struct {
	mu        sync.Mutex
	ranges    map[int64]*FakeRange
	templates map[int64]api.Template
	images    []api.CatalogImage
	events    map[int64][]api.Event
	subs      map[int64]map[chan api.Event]struct{}
	me        *api.Me
	nextRange int64
	nextEvent int64
	nextPort  int
	requests  []string
	failures  map[string]failure
}

type failure struct {
	status  int
	message string
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		ranges:    make(map[int64]*FakeRange),
		templates: make(map[int64]api.Template),
		events:    make(map[int64][]api.Event),
		subs:      make(map[int64]map[chan api.Event]struct{}),
		failures:  make(map[string]failure),
		nextRange: 1,
		nextPort:  32768,
	}
}

// SetMe sets the identity returned by /api/me. Nil means anonymous (401).
func (b *FakeBackend) SetMe(me *api.Me) {
	b.mu.Lock()
	b.me = me
	b.mu.Unlock()
}

// AddTemplate registers a template.
func (b *FakeBackend) AddTemplate(t api.Template) {
	b.mu.Lock()
	b.templates[t.ID] = t
	b.mu.Unlock()
}

// AddImage registers a catalog image.
func (b *FakeBackend) AddImage(img api.CatalogImage) {
	b.mu.Lock()
	b.images = append(b.images, img)
	b.mu.Unlock()
}

// AddRange stores a range with one running room per service. Each service
// publishes ports, given as "port/proto" keys, on fresh host ports.
func (b *FakeBackend) AddRange(name, status string, services map[string][]string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextRange
	b.nextRange++

	names := make([]string, 0, len(services))
	for svc := range services {
		names = append(names, svc)
	}
	sort.Strings(names)

	portMap := make(map[string]map[string][]map[string]string)
	fr := &FakeRange{}
	for _, svc := range names {
		ports := make(map[string][]map[string]string)
		for _, p := range services[svc] {
			ports[p] = []map[string]string{{"HostIp": "0.0.0.0", "HostPort": strconv.Itoa(b.nextPort)}}
			b.nextPort++
		}
		portMap[svc] = ports
		fr.Rooms = append(fr.Rooms, api.Room{ServiceName: svc, Status: "running"})
		meta, _ := json.Marshal(map[string]string{"image": "ghcr.io/lab/" + svc + ":latest"})
		fr.Resources = append(fr.Resources, api.Resource{
			ResourceType: "container",
			DockerID:     fmt.Sprintf("%012d", id*100+int64(len(fr.Resources))),
			ServiceName:  svc,
			Metadata:     meta,
		})
	}
	meta, _ := json.Marshal(map[string]any{"ports": portMap})
	now := time.Now().UTC().Format(time.RFC3339)
	fr.Range = api.Range{
		ID:        id,
		TeamID:    1,
		Name:      name,
		Status:    status,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.ranges[id] = fr
	return id
}

// SetRangeStatus changes a range's status.
func (b *FakeBackend) SetRangeStatus(id int64, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fr, ok := b.ranges[id]; ok {
		fr.Range.Status = status
	}
}

// Room returns the backend's copy of a room.
func (b *FakeBackend) Room(id int64, service string) (api.Room, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fr, ok := b.ranges[id]
	if !ok {
		return api.Room{}, false
	}
	for _, r := range fr.Rooms {
		if r.ServiceName == service {
			return r, true
		}
	}
	return api.Room{}, false
}

// Fail makes requests whose "METHOD path" equals route answer with an error
// until cleared with a zero status.
func (b *FakeBackend) Fail(route string, status int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status == 0 {
		delete(b.failures, route)
		return
	}
	b.failures[route] = failure{status: status, message: message}
}

// Requests returns the "METHOD path" of every request served so far.
func (b *FakeBackend) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

// Emit appends an event to a range's log and pushes it to subscribers.
func (b *FakeBackend) Emit(rangeID int64, level, kind, message string) api.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emitLocked(rangeID, level, kind, message)
}

func (b *FakeBackend) emitLocked(rangeID int64, level, kind, message string) api.Event {
	b.nextEvent++
	ev := api.Event{
		ID:        b.nextEvent,
		RangeID:   rangeID,
		CreatedAt: time.Now().UTC(),
		Level:     level,
		Kind:      kind,
		Message:   message,
		Payload:   json.RawMessage(`{}`),
	}
	b.events[rangeID] = append(b.events[rangeID], ev)
	for ch := range b.subs[rangeID] {
		select {
		case ch <- ev:
		default:
			slog.Warn("fake backend: subscriber slow, dropping event", "rangeID", rangeID)
		}
	}
	return ev
}

// Handler returns the HTTP API.
func (b *FakeBackend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/me", b.handleMe)
	mux.HandleFunc("GET /api/ranges", b.handleListRanges)
	mux.HandleFunc("POST /api/ranges", b.handleCreateRange)
	mux.HandleFunc("GET /api/ranges/{id}", b.handleRangeDetail)
	mux.HandleFunc("PUT /api/ranges/{id}/rooms/{service}", b.handleUpdateRoom)
	mux.HandleFunc("POST /api/ranges/{id}/rooms/{service}/{verb}", b.handleRoomAction)
	mux.HandleFunc("POST /api/ranges/{id}/destroy", b.handleRangeJob("destroy"))
	mux.HandleFunc("POST /api/ranges/{id}/reset", b.handleRangeJob("reset"))
	mux.HandleFunc("GET /api/ranges/{id}/events", b.handleEvents)
	mux.HandleFunc("GET /api/templates", b.handleListTemplates)
	mux.HandleFunc("GET /api/templates/{id}", b.handleTemplate)
	mux.HandleFunc("GET /api/catalog/images", b.handleCatalog)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path
		b.mu.Lock()
		b.requests = append(b.requests, route)
		f, failing := b.failures[route]
		b.mu.Unlock()
		if failing {
			writeError(w, f.status, f.message)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// lookup resolves the {id} path value; it writes the error response itself.
func (b *FakeBackend) lookup(w http.ResponseWriter, r *http.Request) (*FakeRange, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid range id")
		return nil, false
	}
	fr, ok := b.ranges[id]
	if !ok {
		writeError(w, http.StatusNotFound, "range not found")
		return nil, false
	}
	return fr, true
}

func (b *FakeBackend) handleMe(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	me := b.me
	b.mu.Unlock()
	if me == nil {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	writeJSON(w, http.StatusOK, me)
}

func (b *FakeBackend) handleListRanges(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]api.Range, 0, len(b.ranges))
	for _, fr := range b.ranges {
		out = append(out, fr.Range)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (b *FakeBackend) handleCreateRange(w http.ResponseWriter, r *http.Request) {
	var req api.CreateRangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.TeamID <= 0 {
		writeError(w, http.StatusBadRequest, "team_id is required")
		return
	}
	services := make(map[string][]string)
	for _, room := range req.Rooms {
		services[room.Name] = []string{"6080/tcp"}
	}
	if len(services) == 0 {
		b.mu.Lock()
		tpl, ok := b.templates[req.TemplateID]
		b.mu.Unlock()
		if !ok {
			writeError(w, http.StatusBadRequest, "template not found")
			return
		}
		for _, svc := range tpl.ParsedDefinition().Services {
			var ports []string
			for _, p := range svc.Ports {
				proto := p.Protocol
				if proto == "" {
					proto = "tcp"
				}
				ports = append(ports, fmt.Sprintf("%d/%s", p.Container, proto))
			}
			services[svc.Name] = ports
		}
	}
	name := req.Name
	if name == "" {
		name = "range"
	}
	id := b.AddRange(name, "pending", services)

	b.mu.Lock()
	fr := b.ranges[id]
	fr.Range.TeamID = req.TeamID
	fr.Range.TemplateID = req.TemplateID
	if req.Room != nil {
		settings, _ := json.Marshal(req.Room)
		for i := range fr.Rooms {
			fr.Rooms[i].Settings = settings
		}
	}
	rng := fr.Range
	b.emitLocked(id, "info", "job.queued", "provision job queued")
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"range": rng})
}

func (b *FakeBackend) handleRangeDetail(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fr, ok := b.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"range":     fr.Range,
		"rooms":     fr.Rooms,
		"resources": fr.Resources,
		"access":    fr.Access,
	})
}

func (b *FakeBackend) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Room      api.RoomSettings `json:"room"`
		Reconcile bool             `json:"reconcile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	fr, ok := b.lookup(w, r)
	if !ok {
		return
	}
	room := findRoom(fr, r.PathValue("service"))
	if room == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	room.Settings, _ = json.Marshal(body.Room)
	if body.Reconcile {
		b.emitLocked(fr.Range.ID, "info", "room.settings.update", "room settings updated, reset queued")
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

var roomVerbStatus = map[string]string{
	"start":    "running",
	"stop":     "exited",
	"restart":  "running",
	"recreate": "running",
}

func (b *FakeBackend) handleRoomAction(w http.ResponseWriter, r *http.Request) {
	verb := r.PathValue("verb")
	next, ok := roomVerbStatus[verb]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	fr, ok := b.lookup(w, r)
	if !ok {
		return
	}
	room := findRoom(fr, r.PathValue("service"))
	if room == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	room.Status = next
	b.emitLocked(fr.Range.ID, "info", "room."+verb, "room "+verb+" requested")
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (b *FakeBackend) handleRangeJob(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		fr, ok := b.lookup(w, r)
		if !ok {
			return
		}
		if action == "destroy" {
			fr.Range.Status = "destroying"
		} else {
			fr.Range.Status = "pending"
		}
		b.emitLocked(fr.Range.ID, "info", "job.queued", action+" job queued")
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	}
}

func findRoom(fr *FakeRange, service string) *api.Room {
	for i := range fr.Rooms {
		if fr.Rooms[i].ServiceName == service {
			return &fr.Rooms[i]
		}
	}
	return nil
}

// handleEvents streams a range's events. New subscribers get the recent
// window first, or everything after Last-Event-ID when they send one.
func (b *FakeBackend) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	b.mu.Lock()
	fr, ok := b.lookup(w, r)
	if !ok {
		b.mu.Unlock()
		return
	}
	id := fr.Range.ID
	backlog := b.events[id]
	if last, err := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64); err == nil {
		i := sort.Search(len(backlog), func(i int) bool { return backlog[i].ID > last })
		backlog = backlog[i:]
	} else if len(backlog) > replayWindow {
		backlog = backlog[len(backlog)-replayWindow:]
	}
	backlog = append([]api.Event(nil), backlog...)
	ch := make(chan api.Event, 64)
	if b.subs[id] == nil {
		b.subs[id] = make(map[chan api.Event]struct{})
	}
	b.subs[id][ch] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs[id], ch)
		b.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, ev := range backlog {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev api.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return ginsse.Encode(w, ginsse.Event{
		Id:    strconv.FormatInt(ev.ID, 10),
		Event: "event",
		Data:  string(data),
	})
}

func (b *FakeBackend) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]api.Template, 0, len(b.templates))
	for _, t := range b.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (b *FakeBackend) handleTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	b.mu.Lock()
	t, ok := b.templates[id]
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (b *FakeBackend) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]api.CatalogImage{}, b.images...)
	writeJSON(w, http.StatusOK, out)
}

// Seed fills the backend with a small demo data set.
func (b *FakeBackend) Seed() {
	def, _ := json.Marshal(api.TemplateDefinition{
		Name: "linux-basics",
		Room: api.RoomSettings{UserPass: "neko", AdminPass: "admin"},
		Services: []api.TemplateService{
			{Name: "desk", Image: "ghcr.io/m1k1o/neko/firefox:latest", Ports: []api.TemplatePort{{Container: 6080, Protocol: "tcp"}}},
			{Name: "web", Image: "nginx:1.27", Ports: []api.TemplatePort{{Container: 80}, {Container: 443}}},
		},
	})
	b.AddTemplate(api.Template{ID: 1, Name: "linux-basics", DisplayName: "Linux basics", Definition: def})
	for _, img := range []string{"ghcr.io/m1k1o/neko/firefox:latest", "nginx:1.27", "ghcr.io/lab/base-user:1"} {
		repo, tag, _ := strings.Cut(img, ":")
		b.AddImage(api.CatalogImage{Repository: repo, Tag: tag, Image: img})
	}
	b.SetMe(&api.Me{Email: "operator@example.com", Role: "admin"})

	id := b.AddRange("demo", api.StatusReady, map[string][]string{
		"desk": {"6080/tcp"},
		"web":  {"80/tcp", "443/tcp"},
	})
	b.mu.Lock()
	b.ranges[id].Range.TemplateID = 1
	b.mu.Unlock()
	b.Emit(id, "info", "provision.done", "range ready")
}
