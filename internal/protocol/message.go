// Package protocol defines the MUP wire envelope, its payloads, and the
// rules for building, parsing and validating messages.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version stamped on every message this build sends.
const Version = "1.0.0"

type Kind string

const (
	KindHandshakeRequest  Kind = "handshake-request"
	KindHandshakeResponse Kind = "handshake-response"
	KindUIRequest         Kind = "ui-request"
	KindUIResponse        Kind = "ui-response"
	KindEventTrigger      Kind = "event-trigger"
	KindComponentUpdate   Kind = "component-update"
	KindError             Kind = "error"
	KindPing              Kind = "ping"
	KindPong              Kind = "pong"
)

var kinds = map[Kind]struct{}{
	KindHandshakeRequest:  {},
	KindHandshakeResponse: {},
	KindUIRequest:         {},
	KindUIResponse:        {},
	KindEventTrigger:      {},
	KindComponentUpdate:   {},
	KindError:             {},
	KindPing:              {},
	KindPong:              {},
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Message is an immutable envelope. Construct one with Build or Parse.
type Message struct {
	version   string
	id        string
	timestamp time.Time
	kind      Kind
	payload   json.RawMessage
}

func (m Message) Version() string      { return m.version }
func (m Message) ID() string           { return m.id }
func (m Message) Timestamp() time.Time { return m.timestamp }
func (m Message) Kind() Kind           { return m.kind }

// Payload returns a copy of the compact payload JSON.
func (m Message) Payload() json.RawMessage {
	return append(json.RawMessage(nil), m.payload...)
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrInvalidEnvelope, m.kind, err)
	}
	return nil
}

func (m Message) IsZero() bool { return m.id == "" && m.kind == "" }

func (m Message) Equal(o Message) bool {
	return m.version == o.version &&
		m.id == o.id &&
		m.timestamp.Equal(o.timestamp) &&
		m.kind == o.kind &&
		bytes.Equal(m.payload, o.payload)
}

type BuildOption func(*Message)

// WithID sets the message id instead of generating one.
func WithID(id string) BuildOption {
	return func(m *Message) {
		if id != "" {
			m.id = id
		}
	}
}

// Build stamps a new message. payload must marshal to a JSON object; nil
// means an empty object.
func Build(kind Kind, payload any, opts ...BuildOption) (Message, error) {
	if !kind.Valid() {
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, kind)
	}
	raw := json.RawMessage(`{}`)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("protocol: marshal %s payload: %w", kind, err)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, b); err != nil {
			return Message{}, fmt.Errorf("protocol: compact %s payload: %w", kind, err)
		}
		if buf.Len() == 0 || buf.Bytes()[0] != '{' {
			return Message{}, fmt.Errorf("%w: %s payload must be an object", ErrInvalidEnvelope, kind)
		}
		raw = buf.Bytes()
	}
	m := Message{
		version:   Version,
		id:        uuid.NewString(),
		timestamp: time.Now().UTC(),
		kind:      kind,
		payload:   raw,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m, nil
}

// MustBuild is Build for payloads known to be well formed.
func MustBuild(kind Kind, payload any, opts ...BuildOption) Message {
	m, err := Build(kind, payload, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

type wireEnvelope struct {
	Version   string          `json:"version"`
	MessageID string          `json:"message_id"`
	Timestamp string          `json:"timestamp"`
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Marshal encodes m as one wire frame.
func Marshal(m Message) ([]byte, error) {
	if m.IsZero() {
		return nil, fmt.Errorf("%w: zero message", ErrInvalidEnvelope)
	}
	payload := m.payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(wireEnvelope{
		Version:   m.version,
		MessageID: m.id,
		Timestamp: m.timestamp.UTC().Format(time.RFC3339Nano),
		Type:      m.kind,
		Payload:   payload,
	})
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (m Message) MarshalJSON() ([]byte, error) { return Marshal(m) }

func (m *Message) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Parse decodes one wire frame. Syntax errors wrap ErrMalformedMessage;
// missing, mistyped or unknown envelope fields wrap ErrInvalidEnvelope.
func Parse(raw []byte) (Message, error) {
	if !json.Valid(raw) {
		return Message{}, fmt.Errorf("%w: not valid JSON", ErrMalformedMessage)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: envelope is not an object", ErrInvalidEnvelope)
	}

	var m Message
	var err error
	if m.version, err = stringField(fields, "version"); err != nil {
		return Message{}, err
	}
	if m.id, err = stringField(fields, "message_id"); err != nil {
		return Message{}, err
	}
	ts, err := stringField(fields, "timestamp")
	if err != nil {
		return Message{}, err
	}
	if m.timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return Message{}, fmt.Errorf("%w: timestamp %q is not RFC 3339", ErrInvalidEnvelope, ts)
	}
	m.timestamp = m.timestamp.UTC()
	kind, err := stringField(fields, "type")
	if err != nil {
		return Message{}, err
	}
	m.kind = Kind(kind)
	if !m.kind.Valid() {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, kind)
	}

	payload, ok := fields["payload"]
	if !ok {
		return Message{}, fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}
	if jsonType(payload) != "object" {
		return Message{}, fmt.Errorf("%w: payload must be an object", ErrInvalidEnvelope)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	m.payload = buf.Bytes()
	return m, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidEnvelope, name)
	}
	var s string
	if jsonType(raw) != "string" || json.Unmarshal(raw, &s) != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidEnvelope, name)
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidEnvelope, name)
	}
	return s, nil
}

// jsonType names the JSON type of a raw value by its first significant byte.
func jsonType(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}
