// Package apierr defines the coded errors surfaced by the request API.
//
// Every error that crosses the RPC boundary renders as
// "Error [<CODE>]: <message>" so callers can dispatch on the code without
// parsing free-form text. The same textual form is embedded in terminal
// AgentResults when a run fails.
package apierr

import (
	"errors"
	"fmt"
)

// Code identifies the class of a caller-visible error.
type Code string

const (
	CodeInvalidArgument           Code = "INVALID_ARGUMENT"
	CodeSessionNotFound           Code = "SESSION_NOT_FOUND"
	CodeSessionBusy               Code = "SESSION_BUSY"
	CodePermissionRequestNotFound Code = "PERMISSION_REQUEST_NOT_FOUND"
	CodePermissionDenied          Code = "PERMISSION_DENIED"
	CodeTimeout                   Code = "TIMEOUT"
	CodeCancelled                 Code = "CANCELLED"
	CodeInternal                  Code = "INTERNAL"
)

// Error is a coded error with a stable textual form.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return Text(e.Code, e.Message)
}

// New creates a coded error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Text renders the stable error text form without allocating an Error.
func Text(code Code, message string) string {
	return fmt.Sprintf("Error [%s]: %s", code, message)
}

// CodeOf extracts the code from an error chain. The second return is false
// for uncoded errors.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
