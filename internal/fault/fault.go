// Package fault defines the tagged error kinds surfaced across component
// boundaries. Every error that can reach a user or a Task record carries a
// stable code discriminator.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/surface decisions.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindCapacity   Kind = "capacity"
	KindTimeout    Kind = "timeout"
	KindUpstream   Kind = "upstream"
	KindInternal   Kind = "internal"
)

// Stable error codes shared with the HTTP layer and Task records.
const (
	CodeMissingUserID      = "MISSING_USER_ID"
	CodeInvalidQuery       = "INVALID_QUERY"
	CodeQueryTooLong       = "QUERY_TOO_LONG"
	CodeTaskNotFound       = "TASK_NOT_FOUND"
	CodeAgentNotFound      = "AGENT_NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeDaemonUnavailable  = "DAEMON_UNAVAILABLE"
	CodeQuotaExceeded      = "QUOTA_EXCEEDED"
	CodeTimeout            = "TIMEOUT"
	CodeCancelled          = "CANCELLED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// Error is a tagged error with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New creates a tagged error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Wrapped: err}
}

// CodeOf extracts the stable code from err, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// KindOf extracts the kind from err, or internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
