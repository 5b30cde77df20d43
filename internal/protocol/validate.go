package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/HsiangNianian/mup/internal/component"
)

// Violation codes for envelope and payload problems. Component tree problems
// keep the codes from the component package.
const (
	ViolationRequired = "required"
	ViolationType     = "type"
	ViolationEmpty    = "empty"
	ViolationInvalid  = "invalid"
)

type Violation struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v Violation) String() string { return v.Path + ": " + v.Message }

// Result collects every violation found in one message.
type Result struct {
	Violations []Violation
}

func (r Result) OK() bool { return len(r.Violations) == 0 }

// Err returns nil for a valid message, otherwise a VALIDATION_FAILED error
// carrying the violations.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.String())
	}
	return &Error{
		Code:       CodeValidationFailed,
		Message:    strings.Join(msgs, "; "),
		Violations: r.Violations,
	}
}

func (r *Result) add(path, code, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
}

// ValidateOptions carry the session's tree limits into payload validation.
type ValidateOptions struct {
	MaxDepth int
	Types    component.TypeChecker
}

// Validate checks the envelope and the kind-specific payload shape, descending
// into embedded component trees. It reports every problem, not just the first.
func Validate(m Message, opts ValidateOptions) Result {
	var r Result
	if _, err := semver.NewVersion(m.version); err != nil {
		r.add("version", ViolationInvalid, "version %q is not semver", m.version)
	}
	if m.id == "" {
		r.add("message_id", ViolationRequired, "message_id is required")
	}
	if m.timestamp.IsZero() {
		r.add("timestamp", ViolationRequired, "timestamp is required")
	}
	if !m.kind.Valid() {
		r.add("type", ViolationInvalid, "unknown type %q", m.kind)
		return r
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.payload, &fields); err != nil || fields == nil {
		r.add("payload", ViolationType, "payload must be an object")
		return r
	}
	s := shape{fields: fields, prefix: "payload", r: &r}

	switch m.kind {
	case KindHandshakeRequest:
		s.str("client_id", false, false)
		s.str("version", true, true)
		s.strings("capabilities", true)
		if s.object("credentials", false) {
			c := s.sub("credentials")
			c.str("token", false, false)
			c.str("api_key", false, false)
		}
	case KindHandshakeResponse:
		accepted := s.boolean("accepted", true)
		s.str("session_id", accepted, accepted)
		s.strings("server_capabilities", false)
		s.str("version", true, true)
		s.str("reason", false, false)
	case KindUIRequest:
		s.str("intent", true, true)
		s.str("action", false, false)
		s.object("context", false)
	case KindUIResponse:
		s.str("request_id", true, true)
		if s.object("component", false) {
			s.tree("component", opts)
		}
		if s.object("error", false) {
			e := s.sub("error")
			e.str("code", true, true)
			e.str("message", true, false)
		}
	case KindEventTrigger:
		s.str("component_id", true, true)
		s.str("event_type", true, true)
		s.object("event_data", false)
	case KindComponentUpdate:
		if s.object("component", true) {
			s.tree("component", opts)
		}
		s.boolean("partial", false)
		s.str("parent_id", false, false)
	case KindError:
		s.str("code", true, true)
		s.str("message", true, false)
		s.str("request_id", false, false)
	case KindPing:
		s.number("seq", false)
	case KindPong:
		s.str("ping_id", true, true)
		s.number("seq", false)
	}
	return r
}

// shape checks the fields of one JSON object.
type shape struct {
	fields map[string]json.RawMessage
	prefix string
	r      *Result
}

func (s shape) path(name string) string { return s.prefix + "/" + name }

// get returns the field; a missing field or JSON null count as absent.
func (s shape) get(name string, required bool) (json.RawMessage, bool) {
	raw, ok := s.fields[name]
	if !ok || jsonType(raw) == "null" {
		if required {
			s.r.add(s.path(name), ViolationRequired, "%s is required", name)
		}
		return nil, false
	}
	return raw, true
}

func (s shape) typed(name, want string, required bool) (json.RawMessage, bool) {
	raw, ok := s.get(name, required)
	if !ok {
		return nil, false
	}
	if got := jsonType(raw); got != want {
		s.r.add(s.path(name), ViolationType, "%s must be %s, got %s", name, want, got)
		return nil, false
	}
	return raw, true
}

func (s shape) str(name string, required, nonEmpty bool) {
	raw, ok := s.typed(name, "string", required)
	if !ok || !nonEmpty {
		return
	}
	var v string
	if err := json.Unmarshal(raw, &v); err == nil && strings.TrimSpace(v) == "" {
		s.r.add(s.path(name), ViolationEmpty, "%s must not be empty", name)
	}
}

func (s shape) boolean(name string, required bool) bool {
	raw, ok := s.typed(name, "boolean", required)
	if !ok {
		return false
	}
	var v bool
	_ = json.Unmarshal(raw, &v)
	return v
}

func (s shape) number(name string, required bool) {
	s.typed(name, "number", required)
}

func (s shape) object(name string, required bool) bool {
	_, ok := s.typed(name, "object", required)
	return ok
}

func (s shape) strings(name string, required bool) {
	raw, ok := s.typed(name, "array", required)
	if !ok {
		return
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		s.r.add(s.path(name), ViolationType, "%s must be an array", name)
		return
	}
	for i, item := range items {
		if jsonType(item) != "string" {
			s.r.add(fmt.Sprintf("%s/%d", s.path(name), i), ViolationType, "%s entries must be strings", name)
		}
	}
}

func (s shape) sub(name string) shape {
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(s.fields[name], &fields)
	return shape{fields: fields, prefix: s.path(name), r: s.r}
}

// tree decodes an embedded component and reports its structural violations
// under the field's path.
func (s shape) tree(name string, opts ValidateOptions) {
	var c component.Component
	if err := json.Unmarshal(s.fields[name], &c); err != nil {
		s.r.add(s.path(name), ViolationInvalid, "component does not decode: %v", err)
		return
	}
	for _, v := range component.Validate(&c, component.Options{MaxDepth: opts.MaxDepth, Types: opts.Types}) {
		path := s.path(name)
		if v.Path != "/" {
			path += v.Path
		}
		s.r.add(path, v.Code, "%s", v.Message)
	}
}
