// ABOUTME: JSON codec for the hub/agent wire envelope
// ABOUTME: Decodes once into the closed message union; malformed input yields DecodeError

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNilMessage is returned when encoding a nil message.
var ErrNilMessage = errors.New("nil message")

// DecodeError reports bytes that cannot be read as an envelope at all, or an
// envelope whose type-specific fields have the wrong shape. It is distinct
// from an Unknown message, which is a valid envelope with an unrecognized type.
type DecodeError struct {
	// Type is the envelope type when it could be read, empty otherwise.
	Type   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decoding %s message: %s", e.Type, e.Reason)
	}
	return "decoding message: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// envelope is the minimal shape every frame must have.
type envelope struct {
	Type *json.RawMessage `json:"type"`
}

// Encode serializes a message. The type field always matches the concrete
// message, and a zero timestamp is replaced with the current time.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, ErrNilMessage
	}
	if u, ok := m.(*Unknown); ok {
		return encodeUnknown(u)
	}

	h := m.header()
	h.Type = m.MessageType()
	if h.Timestamp.IsZero() {
		h.Timestamp = Now()
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", h.Type, err)
	}
	return data, nil
}

// encodeUnknown re-emits the original bytes of an Unknown message.
func encodeUnknown(u *Unknown) ([]byte, error) {
	if len(u.Raw) > 0 {
		return u.Raw, nil
	}
	return json.Marshal(struct {
		Type      string    `json:"type"`
		Timestamp Timestamp `json:"timestamp"`
	}{u.RawType, u.Timestamp})
}

// Decode parses one frame. Unknown types decode into *Unknown without error.
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &DecodeError{Reason: "frame is not a JSON object"}
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	if env.Type == nil {
		return nil, &DecodeError{Reason: "missing type field"}
	}

	var typ string
	if err := json.Unmarshal(*env.Type, &typ); err != nil {
		return nil, &DecodeError{Reason: "type field is not a string", Err: err}
	}

	msg := newMessage(Type(typ))
	if msg == nil {
		u := &Unknown{RawType: typ, Raw: append(json.RawMessage(nil), trimmed...)}
		// The timestamp is informational; a bad one never fails decoding.
		_ = json.Unmarshal(trimmed, &u.Header)
		u.Type = Type(typ)
		return u, nil
	}

	if err := json.Unmarshal(trimmed, msg); err != nil {
		return nil, &DecodeError{Type: typ, Reason: "invalid fields", Err: err}
	}
	msg.header().Type = msg.MessageType()
	return msg, nil
}
