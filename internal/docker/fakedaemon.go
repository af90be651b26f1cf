package docker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FakeContainer is one container held by a FakeDaemon.
type FakeContainer struct {
	ID      string
	Name    string
	Image   string
	State   string
	Labels  map[string]string
	Ports   []FakePort
	Created int64
	// Config is echoed back by inspect and replaced by create.
	Config json.RawMessage
}

// FakePort is a published container port.
type FakePort struct {
	Private int
	Public  int
	Proto   string
}

// FakeDaemon implements the slice of the Docker Engine API that Source
// uses, backed by memory. The real SDK client talks to it over HTTP.
type FakeDaemon struct {
	mu         sync.Mutex
	containers map[string]*FakeContainer
	released   map[string][]FakePort // ports of removed containers, by name
	images     []fakeImage
	nextID     int
	nextPort   int
	requests   []string

	eventsMu  sync.Mutex
	eventSubs map[int]chan eventMessage
	nextSubID int
}

type fakeImage struct {
	ID      string
	Tags    []string
	Created int64
}

// eventMessage is a Docker-style event for JSON streaming.
type eventMessage struct {
	Status   string     `json:"status"`
	ID       string     `json:"id"`
	Type     string     `json:"Type"`
	Action   string     `json:"Action"`
	Actor    eventActor `json:"Actor"`
	Scope    string     `json:"scope"`
	Time     int64      `json:"time"`
	TimeNano int64      `json:"timeNano"`
}

type eventActor struct {
	ID         string            `json:"ID"`
	Attributes map[string]string `json:"Attributes"`
}

func NewFakeDaemon() *FakeDaemon {
	return &FakeDaemon{
		containers: make(map[string]*FakeContainer),
		released:   make(map[string][]FakePort),
		eventSubs:  make(map[int]chan eventMessage),
		nextID:     1,
		nextPort:   32768,
	}
}

// AddRoom creates a running container for service in range rangeID. ports
// are container ports, each published on a fresh host port.
func (fd *FakeDaemon) AddRoom(rangeID int64, rangeName, service, image string, ports ...int) *FakeContainer {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	c := &FakeContainer{
		ID:    fmt.Sprintf("%064x", fd.nextID),
		Name:  fmt.Sprintf("range%d-%s", rangeID, service),
		Image: image,
		State: "running",
		Labels: map[string]string{
			LabelRange:   strconv.FormatInt(rangeID, 10),
			LabelName:    rangeName,
			LabelService: service,
		},
		Created: time.Now().Unix(),
	}
	fd.nextID++
	for _, p := range ports {
		c.Ports = append(c.Ports, FakePort{Private: p, Public: fd.nextPort, Proto: "tcp"})
		fd.nextPort++
	}
	cfg, _ := json.Marshal(map[string]any{"Image": image, "Labels": c.Labels})
	c.Config = cfg
	fd.containers[c.ID] = c
	return c
}

// AddImage registers a local image.
func (fd *FakeDaemon) AddImage(tags ...string) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.images = append(fd.images, fakeImage{
		ID:      fmt.Sprintf("sha256:%064x", len(fd.images)+1),
		Tags:    tags,
		Created: time.Now().Unix(),
	})
}

// Container returns a copy of the container serving service in rangeID.
func (fd *FakeDaemon) Container(rangeID int64, service string) (FakeContainer, bool) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	for _, c := range fd.containers {
		if c.Labels[LabelRange] == strconv.FormatInt(rangeID, 10) && c.Labels[LabelService] == service {
			return *c, true
		}
	}
	return FakeContainer{}, false
}

// Requests returns the "METHOD path" of every API call, version prefix
// stripped.
func (fd *FakeDaemon) Requests() []string {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return append([]string(nil), fd.requests...)
}

// SetState changes a container's state and emits the matching event, as if
// it happened outside the console.
func (fd *FakeDaemon) SetState(rangeID int64, service, state, action string) {
	fd.mu.Lock()
	var target *FakeContainer
	for _, c := range fd.containers {
		if c.Labels[LabelRange] == strconv.FormatInt(rangeID, 10) && c.Labels[LabelService] == service {
			target = c
		}
	}
	if target != nil {
		target.State = state
	}
	fd.mu.Unlock()
	if target != nil {
		fd.emit(target, action)
	}
}

// Seed loads a demo range of two rooms and a few images.
func (fd *FakeDaemon) Seed() {
	fd.AddRoom(1, "demo", "desk", "ghcr.io/m1k1o/neko/firefox:latest", 6080)
	fd.AddRoom(1, "demo", "web", "nginx:1.27", 80, 443)
	fd.AddImage("ghcr.io/m1k1o/neko/firefox:latest")
	fd.AddImage("nginx:1.27", "nginx:latest")
	fd.AddImage("<none>:<none>")
}

// Handler returns the Engine API.
func (fd *FakeDaemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /_ping", fd.handlePing)
	mux.HandleFunc("GET /_ping", fd.handlePing)
	mux.HandleFunc("GET /containers/json", fd.handleContainerList)
	mux.HandleFunc("GET /containers/{id}/json", fd.handleContainerInspect)
	mux.HandleFunc("POST /containers/{id}/start", fd.handleStateChange("running", "start"))
	mux.HandleFunc("POST /containers/{id}/stop", fd.handleStateChange("exited", "stop"))
	mux.HandleFunc("POST /containers/{id}/restart", fd.handleStateChange("running", "restart"))
	mux.HandleFunc("DELETE /containers/{id}", fd.handleContainerRemove)
	mux.HandleFunc("POST /containers/create", fd.handleContainerCreate)
	mux.HandleFunc("GET /images/json", fd.handleImageList)
	mux.HandleFunc("GET /events", fd.handleEvents)
	return fd.stripVersionPrefix(mux)
}

// stripVersionPrefix strips the /v{version} prefix the SDK puts on every
// path, e.g. /v1.47/containers/json.
func (fd *FakeDaemon) stripVersionPrefix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if len(path) > 2 && path[0] == '/' && path[1] == 'v' {
			if idx := strings.IndexByte(path[2:], '/'); idx >= 0 {
				r.URL.Path = path[2+idx:]
			}
		}
		fd.mu.Lock()
		fd.requests = append(fd.requests, r.Method+" "+r.URL.Path)
		fd.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// StartFakeDaemon serves fd on a Unix socket at socketPath. It returns a
// cleanup function that stops the server and removes the socket.
func StartFakeDaemon(fd *FakeDaemon, socketPath string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix: %w", err)
	}

	server := &http.Server{Handler: fd.Handler()}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("fake daemon serve", "err", err)
		}
	}()

	return func() {
		fd.closeSubscribers()
		server.Close()
		os.Remove(socketPath)
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func (fd *FakeDaemon) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Api-Version", "1.47")
	w.Header().Set("Docker-Experimental", "false")
	w.Header().Set("Ostype", "linux")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// --- Containers ---

// containerJSON matches the fields of the SDK's container.Summary that
// Source reads.
type containerJSON struct {
	ID      string            `json:"Id"`
	Names   []string          `json:"Names"`
	Image   string            `json:"Image"`
	Created int64             `json:"Created"`
	State   string            `json:"State"`
	Status  string            `json:"Status"`
	Labels  map[string]string `json:"Labels"`
	Ports   []portJSON        `json:"Ports"`
}

type portJSON struct {
	IP          string `json:"IP,omitempty"`
	PrivatePort int    `json:"PrivatePort"`
	PublicPort  int    `json:"PublicPort,omitempty"`
	Type        string `json:"Type"`
}

// labelFilters extracts the label terms of a filters query parameter. The
// SDK sends either {"label":["k=v"]} or {"label":{"k=v":true}}.
func labelFilters(param string) []string {
	if param == "" {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(param), &raw); err != nil {
		return nil
	}
	labelRaw, ok := raw["label"]
	if !ok {
		return nil
	}
	var list []string
	if json.Unmarshal(labelRaw, &list) == nil {
		return list
	}
	var set map[string]bool
	if json.Unmarshal(labelRaw, &set) == nil {
		for k, v := range set {
			if v {
				list = append(list, k)
			}
		}
	}
	return list
}

func matchesLabels(labels map[string]string, terms []string) bool {
	for _, term := range terms {
		key, want, hasValue := strings.Cut(term, "=")
		got, ok := labels[key]
		if !ok || (hasValue && got != want) {
			return false
		}
	}
	return true
}

func (fd *FakeDaemon) handleContainerList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	all := q.Get("all") == "1" || q.Get("all") == "true"
	terms := labelFilters(q.Get("filters"))

	fd.mu.Lock()
	out := make([]containerJSON, 0, len(fd.containers))
	for _, c := range fd.containers {
		if !all && c.State != "running" {
			continue
		}
		if !matchesLabels(c.Labels, terms) {
			continue
		}
		cj := containerJSON{
			ID:      c.ID,
			Names:   []string{"/" + c.Name},
			Image:   c.Image,
			Created: c.Created,
			State:   c.State,
			Status:  c.State,
			Labels:  c.Labels,
			Ports:   []portJSON{},
		}
		for _, p := range c.Ports {
			pj := portJSON{PrivatePort: p.Private, Type: p.Proto}
			if c.State == "running" {
				pj.IP = "0.0.0.0"
				pj.PublicPort = p.Public
			}
			cj.Ports = append(cj.Ports, pj)
		}
		out = append(out, cj)
	}
	fd.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Names[0] < out[j].Names[0] })
	writeJSON(w, http.StatusOK, out)
}

// lookup finds a container by id or name; callers hold fd.mu.
func (fd *FakeDaemon) lookup(ref string) *FakeContainer {
	if c, ok := fd.containers[ref]; ok {
		return c
	}
	for _, c := range fd.containers {
		if c.Name == strings.TrimPrefix(ref, "/") || strings.HasPrefix(c.ID, ref) {
			return c
		}
	}
	return nil
}

func (fd *FakeDaemon) handleContainerInspect(w http.ResponseWriter, r *http.Request) {
	fd.mu.Lock()
	c := fd.lookup(r.PathValue("id"))
	if c == nil {
		fd.mu.Unlock()
		writeError(w, http.StatusNotFound, "No such container: "+r.PathValue("id"))
		return
	}
	resp := map[string]any{
		"Id":    c.ID,
		"Name":  "/" + c.Name,
		"Image": c.Image,
		"State": map[string]any{
			"Status":  c.State,
			"Running": c.State == "running",
		},
		"Config":     c.Config,
		"HostConfig": map[string]any{},
		"NetworkSettings": map[string]any{
			"Networks": map[string]any{
				"range" + c.Labels[LabelRange]: map[string]any{"Aliases": []string{c.Labels[LabelService]}},
			},
		},
	}
	fd.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (fd *FakeDaemon) handleStateChange(state, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		c := fd.lookup(r.PathValue("id"))
		if c == nil {
			fd.mu.Unlock()
			writeError(w, http.StatusNotFound, "No such container: "+r.PathValue("id"))
			return
		}
		c.State = state
		fd.mu.Unlock()

		if action == "stop" {
			fd.emit(c, "die")
		}
		fd.emit(c, action)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (fd *FakeDaemon) handleContainerRemove(w http.ResponseWriter, r *http.Request) {
	fd.mu.Lock()
	c := fd.lookup(r.PathValue("id"))
	if c == nil {
		fd.mu.Unlock()
		writeError(w, http.StatusNotFound, "No such container: "+r.PathValue("id"))
		return
	}
	if c.State == "running" && r.URL.Query().Get("force") != "1" {
		fd.mu.Unlock()
		writeError(w, http.StatusConflict, "cannot remove a running container "+c.ID[:12])
		return
	}
	delete(fd.containers, c.ID)
	fd.released[c.Name] = c.Ports
	fd.mu.Unlock()

	fd.emit(c, "destroy")
	w.WriteHeader(http.StatusNoContent)
}

// handleContainerCreate accepts the create body the SDK sends: the
// container config with HostConfig and NetworkingConfig inline.
func (fd *FakeDaemon) handleContainerCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	}
	raw := json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Image == "" {
		writeError(w, http.StatusBadRequest, "config has no image")
		return
	}
	name := strings.TrimPrefix(r.URL.Query().Get("name"), "/")

	fd.mu.Lock()
	if name != "" && fd.lookup(name) != nil {
		fd.mu.Unlock()
		writeError(w, http.StatusConflict, "container name "+name+" is already in use")
		return
	}
	c := &FakeContainer{
		ID:      fmt.Sprintf("%064x", fd.nextID),
		Name:    name,
		Image:   body.Image,
		State:   "created",
		Labels:  body.Labels,
		Created: time.Now().Unix(),
		Config:  raw,
	}
	fd.nextID++
	if c.Name == "" {
		c.Name = c.ID[:12]
	}
	if c.Labels == nil {
		c.Labels = map[string]string{}
	}
	// A recreated room keeps the published ports of the one it replaces.
	if ports, ok := fd.released[c.Name]; ok {
		c.Ports = ports
		delete(fd.released, c.Name)
	}
	fd.containers[c.ID] = c
	fd.mu.Unlock()

	fd.emit(c, "create")
	writeJSON(w, http.StatusCreated, map[string]any{"Id": c.ID, "Warnings": []string{}})
}

// --- Images ---

func (fd *FakeDaemon) handleImageList(w http.ResponseWriter, _ *http.Request) {
	fd.mu.Lock()
	out := make([]map[string]any, 0, len(fd.images))
	for _, img := range fd.images {
		out = append(out, map[string]any{
			"Id":          img.ID,
			"RepoTags":    img.Tags,
			"RepoDigests": []string{},
			"Created":     img.Created,
			"Size":        1 << 20,
			"Containers":  -1,
		})
	}
	fd.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

// --- Events ---

func (fd *FakeDaemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	terms := labelFilters(r.URL.Query().Get("filters"))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	subID, ch := fd.subscribeEvents()
	defer fd.unsubscribeEvents(subID)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !matchesLabels(evt.Actor.Attributes, terms) {
				continue
			}
			if err := enc.Encode(evt); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

// emit publishes a container event; attributes carry the labels, name and
// image like the real daemon's.
func (fd *FakeDaemon) emit(c *FakeContainer, action string) {
	attrs := map[string]string{"name": c.Name, "image": c.Image}
	for k, v := range c.Labels {
		attrs[k] = v
	}
	now := time.Now()
	evt := eventMessage{
		Status:   action,
		ID:       c.ID,
		Type:     "container",
		Action:   action,
		Actor:    eventActor{ID: c.ID, Attributes: attrs},
		Scope:    "local",
		Time:     now.Unix(),
		TimeNano: now.UnixNano(),
	}

	fd.eventsMu.Lock()
	defer fd.eventsMu.Unlock()
	for _, ch := range fd.eventSubs {
		select {
		case ch <- evt:
		default:
			slog.Warn("fake daemon: subscriber slow, dropping event", "action", action)
		}
	}
}

func (fd *FakeDaemon) subscribeEvents() (int, chan eventMessage) {
	fd.eventsMu.Lock()
	defer fd.eventsMu.Unlock()
	id := fd.nextSubID
	fd.nextSubID++
	ch := make(chan eventMessage, 64)
	fd.eventSubs[id] = ch
	return id, ch
}

func (fd *FakeDaemon) unsubscribeEvents(id int) {
	fd.eventsMu.Lock()
	defer fd.eventsMu.Unlock()
	if ch, ok := fd.eventSubs[id]; ok {
		delete(fd.eventSubs, id)
		close(ch)
	}
}

func (fd *FakeDaemon) closeSubscribers() {
	fd.eventsMu.Lock()
	defer fd.eventsMu.Unlock()
	for id, ch := range fd.eventSubs {
		delete(fd.eventSubs, id)
		close(ch)
	}
}
