package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cfilipov/rangeconsole/internal/api"
)

const (
	DefaultLevel = "info"
	DefaultKind  = "event"
)

// Parse decodes one stream record. Missing fields take their defaults and
// created_at falls back to received. Data that is not a JSON object, or does
// not decode, becomes the message of an info/event record.
func Parse(data string, received time.Time) api.Event {
	raw := struct {
		ID          int64           `json:"id"`
		RangeID     int64           `json:"range_id"`
		JobID       int64           `json:"job_id"`
		CreatedAt   string          `json:"created_at"`
		Level       string          `json:"level"`
		Kind        string          `json:"kind"`
		Message     string          `json:"message"`
		Payload     json.RawMessage `json:"payload"`
		PayloadJSON json.RawMessage `json:"payload_json"`
	}{}

	trimmed := strings.TrimSpace(data)
	if !strings.HasPrefix(trimmed, "{") || json.Unmarshal([]byte(trimmed), &raw) != nil {
		return api.Event{
			CreatedAt: received,
			Level:     DefaultLevel,
			Kind:      DefaultKind,
			Message:   data,
		}
	}

	ev := api.Event{
		ID:        raw.ID,
		RangeID:   raw.RangeID,
		JobID:     raw.JobID,
		CreatedAt: received,
		Level:     strings.TrimSpace(raw.Level),
		Kind:      strings.TrimSpace(raw.Kind),
		Message:   raw.Message,
	}
	if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw.CreatedAt)); err == nil {
		ev.CreatedAt = ts
	}
	if ev.Level == "" {
		ev.Level = DefaultLevel
	}
	if ev.Kind == "" {
		ev.Kind = DefaultKind
	}
	payload := raw.Payload
	if len(api.Unwrap(payload)) == 0 {
		payload = raw.PayloadJSON
	}
	ev.Payload = api.Unwrap(payload)
	return ev
}
