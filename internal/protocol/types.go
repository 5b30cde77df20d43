package protocol

import "github.com/HsiangNianian/mup/internal/component"

// Credentials travel in the handshake request. Either field may be empty.
type Credentials struct {
	Token  string `json:"token,omitempty"`
	APIKey string `json:"api_key,omitempty"`
}

type HandshakeRequest struct {
	ClientID     string       `json:"client_id,omitempty"`
	Version      string       `json:"version"`
	Capabilities []string     `json:"capabilities"`
	Credentials  *Credentials `json:"credentials,omitempty"`
}

type HandshakeResponse struct {
	Accepted           bool     `json:"accepted"`
	SessionID          string   `json:"session_id,omitempty"`
	ServerCapabilities []string `json:"server_capabilities"`
	Version            string   `json:"version"`
	Reason             string   `json:"reason,omitempty"`
}

// UIRequest asks the server to generate or refresh a component tree.
type UIRequest struct {
	Intent  string         `json:"intent"`
	Action  string         `json:"action,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

type UIResponse struct {
	RequestID string               `json:"request_id"`
	Component *component.Component `json:"component,omitempty"`
	Error     *ErrorPayload        `json:"error,omitempty"`
}

type EventTrigger struct {
	ComponentID string         `json:"component_id"`
	EventType   string         `json:"event_type"`
	EventData   map[string]any `json:"event_data,omitempty"`
}

// ComponentUpdate pushes a full tree, or with Partial a single subtree that
// replaces the node of the same id or is attached under ParentID.
type ComponentUpdate struct {
	Component *component.Component `json:"component"`
	Partial   bool                 `json:"partial,omitempty"`
	ParentID  string               `json:"parent_id,omitempty"`
}

type ErrorPayload struct {
	Code       Code        `json:"code"`
	Message    string      `json:"message"`
	RequestID  string      `json:"request_id,omitempty"`
	Cause      string      `json:"cause,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

// Err turns a received error payload back into an *Error.
func (p ErrorPayload) Err() *Error {
	return &Error{Code: p.Code, Message: p.Message, Violations: p.Violations}
}

type Ping struct {
	Seq uint64 `json:"seq"`
}

type Pong struct {
	PingID string `json:"ping_id"`
	Seq    uint64 `json:"seq"`
}
