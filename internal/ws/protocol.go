package ws

import "encoding/json"

// ClientMessage is sent from the browser to the console.
// If ID is non-nil, the client expects an ack with the same ID.
type ClientMessage struct {
	ID    *int64          `json:"id,omitempty"`
	Event string          `json:"event"`
	Args  json.RawMessage `json:"args"`
}

// AckMessage answers a client request that carried an ID.
type AckMessage[T any] struct {
	ID   int64 `json:"id"`
	Data T     `json:"data"`
}

// ServerMessage is a console-initiated push (no ack expected).
type ServerMessage[T any] struct {
	Event string `json:"event"`
	Data  T      `json:"data"`
}

// OkResponse is the standard ack payload for successful operations.
type OkResponse struct {
	OK    bool   `json:"ok"`
	Msg   string `json:"msg,omitempty"`
	Token string `json:"token,omitempty"`
}

// DataResponse is a successful ack carrying a result.
type DataResponse[T any] struct {
	OK   bool   `json:"ok"`
	Msg  string `json:"msg,omitempty"`
	Data T      `json:"data"`
}

// ErrorResponse is the standard ack payload for failed operations. Msg is
// the backend's own error text when the failure came from the backend.
type ErrorResponse struct {
	OK     bool   `json:"ok"`
	Msg    string `json:"msg"`
	Status int    `json:"status,omitempty"`
}
