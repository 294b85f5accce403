package bus

import (
	"bytes"
	"encoding/json"
)

const maxEnvelopeDepth = 4

// Envelope is the result of decoding a delivery: RawObject or Malformed.
type Envelope interface {
	isEnvelope()
}

// RawObject is the JSON object handed to handlers.
type RawObject json.RawMessage

// Malformed is a delivery that can never be processed.
type Malformed struct {
	Reason string
}

func (RawObject) isEnvelope() {}
func (Malformed) isEnvelope() {}

// DecodeEnvelope parses a delivery. An object with a "body" key and no
// "id" key is treated as a wrapper and its body is decoded in turn; the
// body may be an object or a string holding one. Falsy bodies leave the
// outer object as the payload.
func DecodeEnvelope(data []byte) Envelope {
	return decodeEnvelope(bytes.TrimSpace(data), 0)
}

func decodeEnvelope(data []byte, depth int) Envelope {
	if len(data) == 0 || data[0] != '{' {
		return Malformed{Reason: "payload is not a JSON object"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Malformed{Reason: "invalid JSON: " + err.Error()}
	}
	body, hasBody := fields["body"]
	_, hasID := fields["id"]
	if !hasBody || hasID || isFalsy(body) {
		return RawObject(data)
	}
	if depth+1 >= maxEnvelopeDepth {
		return Malformed{Reason: "envelope nested too deeply"}
	}
	body = bytes.TrimSpace(body)
	switch body[0] {
	case '{':
		return decodeEnvelope(body, depth+1)
	case '"':
		var text string
		if err := json.Unmarshal(body, &text); err != nil {
			return Malformed{Reason: "invalid body string: " + err.Error()}
		}
		return decodeEnvelope(bytes.TrimSpace([]byte(text)), depth+1)
	default:
		return Malformed{Reason: "body is not an object"}
	}
}

func isFalsy(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", "0", `""`:
		return true
	}
	return false
}
