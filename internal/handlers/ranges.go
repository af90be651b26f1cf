package handlers

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/cfilipov/rangeconsole/internal/api"
	"github.com/cfilipov/rangeconsole/internal/events"
	"github.com/cfilipov/rangeconsole/internal/ws"
)

// EventLogPayload answers eventLog.
type EventLogPayload struct {
	RangeID int64         `json:"range_id"`
	Status  events.Status `json:"status"`
	Total   int           `json:"total"`
	Events  []api.Event   `json:"events"`
}

func RegisterRangeHandlers(app *App) {
	app.WS.Handle("me", app.handleMe)
	app.WS.Handle("listRanges", app.handleListRanges)
	app.WS.Handle("createRange", app.handleCreateRange)
	app.WS.Handle("openRange", app.handleOpenRange)
	app.WS.Handle("refreshRange", app.handleRefreshRange)
	app.WS.Handle("closeRange", app.handleCloseRange)
	app.WS.Handle("destroyRange", app.handleDestroyRange)
	app.WS.Handle("resetRange", app.handleResetRange)
	app.WS.Handle("eventLog", app.handleEventLog)
	app.WS.Handle("listTemplates", app.handleListTemplates)
	app.WS.Handle("listCatalog", app.handleListCatalog)
}

func (app *App) handleMe(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctx, cancel := requestContext()
	defer cancel()

	me, err := app.Directory.Me(ctx)
	if err != nil {
		ackError(c, msg, err)
		return
	}
	ackData(c, msg, "", me)
}

func (app *App) handleListRanges(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctx, cancel := requestContext()
	defer cancel()

	ranges, err := app.Directory.ListRanges(ctx)
	if err != nil {
		ackError(c, msg, err)
		return
	}
	if ranges == nil {
		ranges = []api.Range{}
	}
	ackData(c, msg, "", ranges)
}

// handleCreateRange queues a new range and opens it.
// Args: [request]
func (app *App) handleCreateRange(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	args := parseArgs(msg)
	var req api.CreateRangeRequest
	if !argObject(args, 0, &req) {
		ackInvalid(c, msg, "Invalid request")
		return
	}
	if problem := validateCreate(&req); problem != "" {
		ackInvalid(c, msg, problem)
		return
	}

	ctx, cancel := requestContext()
	defer cancel()

	rng, err := app.Directory.CreateRange(ctx, req)
	if err != nil {
		ackError(c, msg, err)
		return
	}
	slog.Info("range created", "rangeID", rng.ID, "operator", c.Operator())
	ackData(c, msg, "Range queued", rng)

	app.refreshRangeList()
	if rng.ID <= 0 {
		return
	}
	openCtx, openCancel := requestContext()
	defer openCancel()
	if _, err := app.Session.Open(openCtx, rng.ID); err != nil {
		slog.Warn("open created range", "rangeID", rng.ID, "err", err)
	}
}

// validateCreate checks a create request and fills in room defaults. It
// returns a description of the first problem, or "".
func validateCreate(req *api.CreateRangeRequest) string {
	if req.TeamID <= 0 {
		return "team_id is required"
	}
	req.Name = strings.TrimSpace(req.Name)
	if len(req.Rooms) == 0 && req.TemplateID <= 0 {
		return "rooms or template_id is required"
	}
	seen := make(map[string]bool)
	for i := range req.Rooms {
		r := &req.Rooms[i]
		r.Name = strings.TrimSpace(r.Name)
		r.Image = strings.TrimSpace(r.Image)
		r.Network = strings.TrimSpace(r.Network)
		if r.Name == "" {
			r.Name = "desktop"
		}
		if r.Image == "" {
			return "choose an image for " + r.Name
		}
		if r.Network == "" {
			r.Network = "guest"
		}
		if seen[r.Name] {
			return "duplicate room name " + r.Name
		}
		seen[r.Name] = true
	}
	if req.Room != nil && req.Room.MaxConnections < 0 {
		return "max_connections must not be negative"
	}
	return ""
}

// handleOpenRange makes a range the open one.
// Args: [rangeID]
func (app *App) handleOpenRange(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	id := argInt64(parseArgs(msg), 0)

	ctx, cancel := requestContext()
	defer cancel()

	v, err := app.Session.Open(ctx, id)
	if err != nil {
		ackError(c, msg, err)
		return
	}
	ackData(c, msg, app.Session.Status().Text, rangePayload(v, audienceOf(c)))
}

func (app *App) handleRefreshRange(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctx, cancel := requestContext()
	defer cancel()

	v, err := app.Session.Refresh(ctx)
	if err != nil {
		ackError(c, msg, err)
		return
	}
	app.refreshRangeList()
	ackData(c, msg, "", rangePayload(v, audienceOf(c)))
}

func (app *App) handleCloseRange(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	app.Session.Close()
	ackOK(c, msg, "")
}

func (app *App) handleDestroyRange(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctx, cancel := requestContext()
	defer cancel()

	out, err := app.Session.Destroy(ctx)
	if err != nil {
		ackError(c, msg, err)
		return
	}
	ackData(c, msg, out.Message, out)
	app.refreshRangeList()
}

func (app *App) handleResetRange(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctx, cancel := requestContext()
	defer cancel()

	out, err := app.Session.Reset(ctx)
	if err != nil {
		ackError(c, msg, err)
		return
	}
	ackData(c, msg, out.Message, out)
	app.refreshRangeList()
}

// handleEventLog returns the open stream's log from position since on.
// Args: [since]
func (app *App) handleEventLog(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	st := app.Session.Stream()
	if st == nil {
		ackInvalid(c, msg, "No range open")
		return
	}
	since := int(argInt64(parseArgs(msg), 0))
	evs := st.Since(since)
	if evs == nil {
		evs = []api.Event{}
	}
	status, _ := st.Status()
	ackData(c, msg, "", EventLogPayload{
		RangeID: st.RangeID(),
		Status:  status,
		Total:   st.Len(),
		Events:  evs,
	})
}

func (app *App) handleListTemplates(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctx, cancel := requestContext()
	defer cancel()

	tpls, err := app.Directory.ListTemplates(ctx)
	if err != nil {
		ackError(c, msg, err)
		return
	}
	if tpls == nil {
		tpls = []api.Template{}
	}
	ackData(c, msg, "", tpls)
}

func (app *App) handleListCatalog(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctx, cancel := requestContext()
	defer cancel()

	imgs, err := app.Directory.CatalogImages(ctx)
	if err != nil {
		ackError(c, msg, err)
		return
	}
	ackData(c, msg, "", rankCatalog(imgs))
}

// rankCatalog orders images so desktop-capable ones come first, then by
// reference.
func rankCatalog(imgs []api.CatalogImage) []api.CatalogImage {
	out := make([]api.CatalogImage, len(imgs))
	copy(out, imgs)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := catalogScore(out[i].Image), catalogScore(out[j].Image)
		if si != sj {
			return si > sj
		}
		return out[i].Image < out[j].Image
	})
	return out
}

func catalogScore(image string) int {
	x := strings.ToLower(image)
	switch {
	case strings.Contains(x, "neko"), strings.Contains(x, "desktop"):
		return 5
	case strings.Contains(x, "base-user"):
		return 4
	case strings.Contains(x, "web"):
		return 3
	default:
		return 1
	}
}

// refreshRangeList re-reads the range list and pushes it when it changed.
func (app *App) refreshRangeList() {
	ctx, cancel := requestContext()
	defer cancel()
	ranges, err := app.Directory.ListRanges(ctx)
	if err != nil {
		slog.Warn("refresh range list", "err", err)
		return
	}
	app.broadcastRanges(ranges)
}
