// Package xzerr defines the error taxonomy shared by every gateway
// component: a small set of machine-readable codes plus a human message,
// so transport-facing handlers can translate internal errors into JSON-RPC
// error objects without re-deriving the classification at each call site.
package xzerr

import (
	"errors"
	"fmt"
)

// Code classifies an error for JSON-RPC surfacing and logging verbosity.
type Code string

const (
	CodeValidation        Code = "VALIDATION"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeNotConnected      Code = "NOT_CONNECTED"
	CodeNotInitialized    Code = "NOT_INITIALIZED"
	CodeTransientTransport Code = "TRANSIENT_TRANSPORT"
	CodeFatalTransport    Code = "FATAL_TRANSPORT"
	CodeDownstreamTool    Code = "DOWNSTREAM_TOOL_ERROR"
	CodeConfiguration     Code = "CONFIGURATION"
	CodeInvalidArguments  Code = "INVALID_ARGUMENTS"
)

// Error is a classified gateway error. Wrap lower-level errors with New so
// callers can recover the Code via As/errors.As without string matching.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func New(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, otherwise returns "" with ok=false.
func CodeOf(err error) (Code, bool) {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code, true
	}
	return "", false
}

// InvalidArguments builds the validation-failure shape used by the
// Message Handler's tools/call path: code INVALID_ARGUMENTS, message
// prefixed with the fixed Chinese phrase "参数验证失败".
func InvalidArguments(detail string) *Error {
	return New(CodeInvalidArguments, fmt.Sprintf("参数验证失败: %s", detail), nil)
}

// UnknownMethod builds the JSON-RPC -32601 message body ("未知的方法") for
// an unrecognised JSON-RPC method name.
func UnknownMethod(method string) *Error {
	return New(CodeNotFound, fmt.Sprintf("未知的方法: %s", method), nil)
}
