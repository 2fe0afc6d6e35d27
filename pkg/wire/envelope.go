// Package wire defines the frame format spoken on the console's real-time
// channel: one JSON envelope per text frame.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEnvelope is returned by Decode for frames that do not carry a
// usable envelope. Callers drop such frames.
var ErrInvalidEnvelope = errors.New("wire: invalid envelope")

// emptyPayload is delivered when a frame omits its payload or sends null.
var emptyPayload = json.RawMessage(`{}`)

// Envelope is the unit exchanged in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payloadData into an envelope of the given type.
// A nil payloadData becomes an empty object.
func NewEnvelope(typ string, payloadData any) (*Envelope, error) {
	if typ == "" {
		return nil, fmt.Errorf("%w: empty type", ErrInvalidEnvelope)
	}
	payload := emptyPayload
	if payloadData != nil {
		if raw, ok := payloadData.(json.RawMessage); ok {
			payload = raw
		} else {
			b, err := json.Marshal(payloadData)
			if err != nil {
				return nil, fmt.Errorf("wire: marshal payload for %q: %w", typ, err)
			}
			payload = b
		}
	}
	return &Envelope{Type: typ, Payload: payload}, nil
}

// Encode returns the single-frame representation of the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses one inbound frame. The frame must be a JSON object whose
// "type" member is a non-empty string. The payload is passed through
// untouched; a missing or null payload decodes as {}.
func Decode(frame []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidEnvelope)
	}
	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return nil, fmt.Errorf("%w: type is not a string", ErrInvalidEnvelope)
	}
	if typ == "" {
		return nil, fmt.Errorf("%w: empty type", ErrInvalidEnvelope)
	}

	payload := fields["payload"]
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = emptyPayload
	}
	return &Envelope{Type: typ, Payload: payload}, nil
}

// DecodePayload unmarshals the envelope payload into v (must be a pointer).
func (e *Envelope) DecodePayload(v any) error {
	return DecodePayload(e.Payload, v)
}

// DecodePayload unmarshals a raw payload into v. An empty payload leaves v
// untouched.
func DecodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil
	}
	return json.Unmarshal(payload, v)
}
