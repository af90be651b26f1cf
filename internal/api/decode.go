package api

import (
	"bytes"
	"encoding/json"
)

// Unwrap strips one level of string encoding from raw. Backend fields such as
// settings, metadata and payload arrive either as a JSON object or as a string
// holding serialized JSON; both come back as the object bytes. Null, empty and
// invalid blobs yield nil.
func Unwrap(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] != '"' {
		return raw
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	inner := bytes.TrimSpace([]byte(s))
	if len(inner) == 0 || bytes.Equal(inner, []byte("null")) || !json.Valid(inner) {
		return nil
	}
	return inner
}

// DecodeLoose decodes raw into dst after Unwrap. It reports false, leaving dst
// at whatever the failed decode produced, when raw holds nothing usable.
// Callers treat false as "absent" and keep their zero value.
func DecodeLoose(raw json.RawMessage, dst any) bool {
	inner := Unwrap(raw)
	if inner == nil {
		return false
	}
	return json.Unmarshal(inner, dst) == nil
}

// firstPresent returns the first non-empty raw value.
func firstPresent(vals ...json.RawMessage) json.RawMessage {
	for _, v := range vals {
		if len(bytes.TrimSpace(v)) > 0 {
			return v
		}
	}
	return nil
}
