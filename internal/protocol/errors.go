package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Code tags an error message on the wire.
type Code string

const (
	CodeMalformedMessage       Code = "MALFORMED_MESSAGE"
	CodeInvalidEnvelope        Code = "INVALID_ENVELOPE"
	CodeValidationFailed       Code = "VALIDATION_FAILED"
	CodeRouteNotFound          Code = "ROUTE_NOT_FOUND"
	CodeHandlerError           Code = "HANDLER_ERROR"
	CodeQueueFull              Code = "QUEUE_FULL"
	CodeAuthenticationRequired Code = "AUTHENTICATION_REQUIRED"
	CodeAuthenticationFailed   Code = "AUTHENTICATION_FAILED"
	CodeTimeout                Code = "TIMEOUT"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeUnsupportedVersion     Code = "UNSUPPORTED_VERSION"
)

var (
	ErrMalformedMessage       = errors.New("protocol: malformed message")
	ErrInvalidEnvelope        = errors.New("protocol: invalid envelope")
	ErrValidationFailed       = errors.New("protocol: validation failed")
	ErrRouteNotFound          = errors.New("protocol: route not found")
	ErrHandlerError           = errors.New("protocol: handler error")
	ErrQueueFull              = errors.New("protocol: queue full")
	ErrAuthenticationRequired = errors.New("protocol: authentication required")
	ErrAuthenticationFailed   = errors.New("protocol: authentication failed")
	ErrTimeout                = errors.New("protocol: timeout")
	ErrRateLimited            = errors.New("protocol: rate limited")
	ErrUnsupportedVersion     = errors.New("protocol: unsupported version")
)

var sentinels = map[Code]error{
	CodeMalformedMessage:       ErrMalformedMessage,
	CodeInvalidEnvelope:        ErrInvalidEnvelope,
	CodeValidationFailed:       ErrValidationFailed,
	CodeRouteNotFound:          ErrRouteNotFound,
	CodeHandlerError:           ErrHandlerError,
	CodeQueueFull:              ErrQueueFull,
	CodeAuthenticationRequired: ErrAuthenticationRequired,
	CodeAuthenticationFailed:   ErrAuthenticationFailed,
	CodeTimeout:                ErrTimeout,
	CodeRateLimited:            ErrRateLimited,
	CodeUnsupportedVersion:     ErrUnsupportedVersion,
}

// order matters: the first sentinel matched wins in CodeOf.
var codeOrder = []Code{
	CodeMalformedMessage,
	CodeInvalidEnvelope,
	CodeValidationFailed,
	CodeRouteNotFound,
	CodeQueueFull,
	CodeAuthenticationRequired,
	CodeAuthenticationFailed,
	CodeTimeout,
	CodeRateLimited,
	CodeUnsupportedVersion,
	CodeHandlerError,
}

// WebSocket close codes used by both peers.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTimeout         = 4000
	CloseAuthFailed      = 4001
)

// Error is a coded protocol failure. errors.Is matches both the sentinel for
// Code and the wrapped cause.
type Error struct {
	Code       Code
	Message    string
	Violations []Violation
	Err        error
}

func NewError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + msg
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s, ok := sentinels[e.Code]; ok {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Payload converts the error into an error message body.
func (e *Error) Payload(requestID string) ErrorPayload {
	p := ErrorPayload{
		Code:       e.Code,
		Message:    e.Message,
		RequestID:  requestID,
		Violations: e.Violations,
	}
	if p.Message == "" && e.Err != nil {
		p.Message = e.Err.Error()
	}
	if e.Err != nil {
		if code := CodeOf(e.Err); code != e.Code {
			p.Cause = string(code)
		}
	}
	return p
}

// CodeOf maps any error onto a wire code. Unclassified errors are handler
// errors; context deadlines are timeouts.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	for _, code := range codeOrder {
		if errors.Is(err, sentinels[code]) {
			return code
		}
	}
	return CodeHandlerError
}

// AsError returns err as an *Error, wrapping unclassified errors.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeOf(err), Message: err.Error(), Err: err}
}
