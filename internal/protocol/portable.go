package protocol

import (
	"encoding/json"
)

// Null is the portable representation of "no value".
var Null = json.RawMessage("null")

// ToPortable converts v into plain JSON data. Values that cannot survive a
// marshal/unmarshal round trip (funcs, channels, cycles, NaN) become null.
func ToPortable(v interface{}) json.RawMessage {
	if v == nil {
		return Null
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 || !json.Valid(raw) {
			return Null
		}
		return raw
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return Null
	}
	return raw
}
