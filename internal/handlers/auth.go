package handlers

import (
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/cfilipov/rangeconsole/internal/api"
	"github.com/cfilipov/rangeconsole/internal/ws"
)

// InfoPayload is pushed on connect and again after login.
type InfoPayload struct {
	Version      string  `json:"version"`
	Mode         string  `json:"mode"`
	AuthRequired bool    `json:"authRequired"`
	Operator     string  `json:"operator,omitempty"`
	Me           *api.Me `json:"me,omitempty"`
}

func RegisterAuthHandlers(app *App) {
	app.WS.Handle("loginByToken", app.handleLoginByToken)
	app.WS.Handle("logout", app.handleLogout)

	app.WS.HandleConnect(func(c *ws.Conn) {
		if app.NoAuth {
			c.SetOperator(LocalOperator)
			app.afterLogin(c)
			return
		}
		ws.SendEvent(c, chanInfo, app.info(c, nil))
	})
}

func (app *App) info(c *ws.Conn, me *api.Me) InfoPayload {
	return InfoPayload{
		Version:      app.Version,
		Mode:         app.Mode,
		AuthRequired: !app.NoAuth,
		Operator:     c.Operator(),
		Me:           me,
	}
}

func (app *App) handleLoginByToken(c *ws.Conn, msg *ws.ClientMessage) {
	args := parseArgs(msg)
	token := argString(args, 0)
	if token == "" || app.Tokens == nil {
		ackInvalid(c, msg, "Invalid token")
		return
	}

	claims, err := app.Tokens.Verify(token)
	if err != nil {
		slog.Debug("token verify failed", "err", err)
		ackInvalid(c, msg, "Invalid token")
		return
	}

	c.SetOperator(claims.Operator)
	ackOK(c, msg, "")
	app.afterLogin(c)

	slog.Info("operator logged in", "operator", claims.Operator, "conn", c.ID())
}

func (app *App) handleLogout(c *ws.Conn, msg *ws.ClientMessage) {
	if app.NoAuth {
		ackOK(c, msg, "")
		return
	}
	c.SetOperator("")
	ackOK(c, msg, "")
}

// afterLogin sends initial data to a freshly authenticated connection. The
// backend lookups run in parallel; any of them failing only leaves its part
// out.
func (app *App) afterLogin(c *ws.Conn) {
	ctx, cancel := requestContext()
	defer cancel()

	var (
		me     *api.Me
		ranges []api.Range
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := app.Directory.Me(gctx)
		if err != nil {
			// Backend says anonymous.
			slog.Debug("me", "err", err)
			return nil
		}
		me = &m
		return nil
	})
	g.Go(func() error {
		r, err := app.Directory.ListRanges(gctx)
		if err != nil {
			slog.Warn("list ranges", "err", err)
			return nil
		}
		ranges = r
		return nil
	})
	g.Wait()

	ws.SendEvent(c, chanInfo, app.info(c, me))
	if ranges != nil {
		ws.SendEvent(c, chanRanges, ranges)
	}
	app.sendCurrentStateTo(c)
}
