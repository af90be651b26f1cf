package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnreachable wraps every failure where the request never reached the
// backend or no response came back.
var ErrUnreachable = errors.New("backend unreachable")

// ErrUnsupported is returned by backends that cannot perform an operation.
var ErrUnsupported = errors.New("operation not supported")

// Error is a non-success response from the backend. Message is the backend's
// own text, surfaced to the operator verbatim.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return e.Message
}

// errorFromBody builds an *Error from a failed response body. The message is
// the "error" field of a JSON object body, else the raw text.
func errorFromBody(status int, body []byte) *Error {
	text := strings.TrimSpace(string(body))
	var obj struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &obj) == nil && len(obj.Error) > 0 {
		var s string
		if json.Unmarshal(obj.Error, &s) == nil {
			text = s
		} else {
			text = string(obj.Error)
		}
	}
	if text == "" {
		text = http.StatusText(status)
	}
	return &Error{Status: status, Message: text}
}

// Message returns the text to show an operator for err. Backend errors are
// returned verbatim; transport failures collapse to a generic message.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	if errors.Is(err, ErrUnreachable) {
		return "Backend unreachable, try again"
	}
	return err.Error()
}
