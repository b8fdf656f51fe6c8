package protocol

import (
	"errors"
	"fmt"
)

// Code classifies a failed request. It is sent as the "code" field of error
// responses so clients can rebuild a typed error.
type Code string

const (
	CodeValidation    Code = "validation"
	CodeNotFound      Code = "not_found"
	CodeAlreadyExists Code = "already_exists"
	CodeNotHost       Code = "not_host"
	CodeNotSubscribed Code = "not_subscribed"
	CodeUnknownAction Code = "unknown_action"
	CodeInternal      Code = "internal"
)

// Sentinel errors, one per code. Use errors.Is against these; any *Error with
// the same code matches.
var (
	ErrValidation    = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrNotFound      = &Error{Code: CodeNotFound, Message: "not found"}
	ErrAlreadyExists = &Error{Code: CodeAlreadyExists, Message: "already exists"}
	ErrNotHost       = &Error{Code: CodeNotHost, Message: "not the topic host"}
	ErrNotSubscribed = &Error{Code: CodeNotSubscribed, Message: "not subscribed"}
	ErrUnknownAction = &Error{Code: CodeUnknownAction, Message: "unknown action"}
	ErrInternal      = &Error{Code: CodeInternal, Message: "request failed"}
)

// Error is a request failure reported through the response status.
type Error struct {
	Code    Code
	Message string
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// AsError unwraps err to an *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
