package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure for the HTTP boundary. Raw underlying
// messages (file paths, engine internals) stay in logs; only the code and
// a sanitized message cross the API.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeContainerNotFound ErrorCode = "CONTAINER_NOT_FOUND"
	CodeEngine            ErrorCode = "ENGINE_ERROR"
	CodeStorage           ErrorCode = "STORAGE_ERROR"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeInternal          ErrorCode = "INTERNAL"
)

// Error is a classified failure. Message is safe to return to clients;
// the wrapped error is for logs only.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error with a client-safe message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error, keeping it for logs while the
// message is what clients see.
func WrapError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the classification of err, or CodeInternal when err was
// never classified.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf returns the client-safe message of err, or a generic one for
// unclassified errors.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}
