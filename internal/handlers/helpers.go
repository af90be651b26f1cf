package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cfilipov/rangeconsole/internal/api"
	"github.com/cfilipov/rangeconsole/internal/models"
	"github.com/cfilipov/rangeconsole/internal/session"
	"github.com/cfilipov/rangeconsole/internal/ws"
)

const requestTimeout = 30 * time.Second

// Directory is the part of the backend that is not tied to the open range.
type Directory interface {
	Me(ctx context.Context) (api.Me, error)
	ListRanges(ctx context.Context) ([]api.Range, error)
	CreateRange(ctx context.Context, req api.CreateRangeRequest) (api.Range, error)
	ListTemplates(ctx context.Context) ([]api.Template, error)
	CatalogImages(ctx context.Context) ([]api.CatalogImage, error)
}

// App holds shared dependencies for all handlers.
type App struct {
	WS        *ws.Server
	Session   *session.Session
	Directory Directory
	Tokens    *models.TokenStore
	NoAuth    bool // Every connection is logged in as LocalOperator
	Version   string
	Mode      string // "backend" or "daemon"

	bcast *broadcastState
}

// LocalOperator is the identity given to connections when auth is off.
const LocalOperator = "local"

// checkLogin verifies that the connection is authenticated.
// Returns the operator or sends an error ack and returns "".
func checkLogin(c *ws.Conn, msg *ws.ClientMessage) string {
	op := c.Operator()
	if op == "" && msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Not logged in"})
	}
	return op
}

// ackOK acknowledges success when the client asked for an ack.
func ackOK(c *ws.Conn, msg *ws.ClientMessage, text string) {
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.OkResponse{OK: true, Msg: text})
	}
}

// ackData acknowledges success with a result.
func ackData[T any](c *ws.Conn, msg *ws.ClientMessage, text string, data T) {
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.DataResponse[T]{OK: true, Msg: text, Data: data})
	}
}

// ackError reports err to the client. Backend errors keep their own text
// and status.
func ackError(c *ws.Conn, msg *ws.ClientMessage, err error) {
	if msg.ID == nil {
		return
	}
	resp := ws.ErrorResponse{OK: false, Msg: api.Message(err)}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		resp.Status = apiErr.Status
	}
	ws.SendAck(c, *msg.ID, resp)
}

// ackInvalid rejects a malformed request.
func ackInvalid(c *ws.Conn, msg *ws.ClientMessage, text string) {
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: text})
	}
}

// parseArgs unmarshals the Args JSON array into a slice of json.RawMessage.
func parseArgs(msg *ws.ClientMessage) []json.RawMessage {
	if msg == nil || len(msg.Args) == 0 {
		return nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(msg.Args, &args); err != nil {
		slog.Warn("parse args", "err", err)
		return nil
	}
	return args
}

// argString extracts a string from args at the given index.
func argString(args []json.RawMessage, index int) string {
	if index >= len(args) {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[index], &s); err != nil {
		return ""
	}
	return s
}

// argObject extracts a JSON object from args at the given index into dst.
func argObject(args []json.RawMessage, index int, dst any) bool {
	if index >= len(args) {
		return false
	}
	return json.Unmarshal(args[index], dst) == nil
}

// argBool extracts a bool from args at the given index.
func argBool(args []json.RawMessage, index int) bool {
	if index >= len(args) {
		return false
	}
	var b bool
	if err := json.Unmarshal(args[index], &b); err != nil {
		return false
	}
	return b
}

// argInt64 extracts an integer from args at the given index. Numeric
// strings are accepted too, since form inputs send them.
func argInt64(args []json.RawMessage, index int) int64 {
	if index >= len(args) {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(args[index], &n); err != nil {
		var s string
		if json.Unmarshal(args[index], &s) != nil {
			return 0
		}
		n = json.Number(s)
	}
	if v, err := n.Int64(); err == nil {
		return v
	}
	if f, err := n.Float64(); err == nil {
		return int64(f)
	}
	return 0
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}
