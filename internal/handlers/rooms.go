package handlers

import (
	"context"

	"github.com/cfilipov/rangeconsole/internal/actions"
	"github.com/cfilipov/rangeconsole/internal/api"
	"github.com/cfilipov/rangeconsole/internal/ws"
)

func RegisterRoomHandlers(app *App) {
	app.WS.Handle("selectRoom", app.handleSelectRoom)
	app.WS.Handle("startRoom", app.roomVerb(app.sessionStart))
	app.WS.Handle("stopRoom", app.roomVerb(app.sessionStop))
	app.WS.Handle("restartRoom", app.roomVerb(app.sessionRestart))
	app.WS.Handle("recreateRoom", app.roomVerb(app.sessionRecreate))
	app.WS.Handle("updateRoom", app.handleUpdateRoom)
}

type roomAction func(ctx context.Context, service string) (actions.Outcome, error)

func (app *App) sessionStart(ctx context.Context, svc string) (actions.Outcome, error) {
	return app.Session.Start(ctx, svc)
}

func (app *App) sessionStop(ctx context.Context, svc string) (actions.Outcome, error) {
	return app.Session.Stop(ctx, svc)
}

func (app *App) sessionRestart(ctx context.Context, svc string) (actions.Outcome, error) {
	return app.Session.Restart(ctx, svc)
}

func (app *App) sessionRecreate(ctx context.Context, svc string) (actions.Outcome, error) {
	return app.Session.Recreate(ctx, svc)
}

// roomVerb builds the handler of a plain room verb.
// Args: [serviceName]
func (app *App) roomVerb(do roomAction) ws.HandlerFunc {
	return func(c *ws.Conn, msg *ws.ClientMessage) {
		if checkLogin(c, msg) == "" {
			return
		}
		service := argString(parseArgs(msg), 0)
		if service == "" {
			ackInvalid(c, msg, "Service name required")
			return
		}

		ctx, cancel := requestContext()
		defer cancel()

		out, err := do(ctx, service)
		if err != nil {
			ackError(c, msg, err)
			return
		}
		ackData(c, msg, out.Message, out)
	}
}

// handleSelectRoom moves the room cursor.
// Args: [serviceName]
func (app *App) handleSelectRoom(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	v, err := app.Session.Select(argString(parseArgs(msg), 0))
	if err != nil {
		ackError(c, msg, err)
		return
	}
	ackData(c, msg, "", rangePayload(v, audienceOf(c)))
}

// handleUpdateRoom replaces a room's settings.
// Args: [serviceName, settings, reconcile]
func (app *App) handleUpdateRoom(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	args := parseArgs(msg)
	service := argString(args, 0)
	var settings api.RoomSettings
	if service == "" || !argObject(args, 1, &settings) {
		ackInvalid(c, msg, "Service name and settings required")
		return
	}
	reconcile := argBool(args, 2)

	ctx, cancel := requestContext()
	defer cancel()

	out, err := app.Session.Update(ctx, service, settings, reconcile)
	if err != nil {
		ackError(c, msg, err)
		return
	}
	ackData(c, msg, out.Message, out)
}
