package types

import (
	"bytes"
	"encoding/json"
)

var nullJSON = []byte("null")

// IsNullJSON reports whether raw is empty or the JSON literal null.
func IsNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, nullJSON)
}

// JSONOrNull returns raw, or the JSON literal null when raw is empty.
func JSONOrNull(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(nullJSON)
	}
	return raw
}

// MustJSON marshals v, returning null when v cannot be encoded.
func MustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(nullJSON)
	}
	return data
}
