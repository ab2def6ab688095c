// Package apperr defines the typed errors the read and write surfaces map
// onto HTTP-style status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Type classifies an application error.
type Type string

const (
	TypeValidation  Type = "VALIDATION"
	TypeNotFound    Type = "NOT_FOUND"
	TypeUnavailable Type = "UNAVAILABLE"
	TypeInternal    Type = "INTERNAL"
)

// Error is an application error carrying the status it should surface as.
type Error struct {
	Type       Type
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Validation reports a bad request. No store call should have been made.
func Validation(format string, args ...interface{}) *Error {
	return &Error{
		Type:       TypeValidation,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound reports a missing key or user.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{
		Type:       TypeNotFound,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusNotFound,
	}
}

// Unavailable reports a store that could not be reached.
func Unavailable(service string, cause error) *Error {
	return &Error{
		Type:       TypeUnavailable,
		Message:    fmt.Sprintf("%s unavailable", service),
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// Internal wraps any other failure of an operation.
func Internal(operation string, cause error) *Error {
	return &Error{
		Type:       TypeInternal,
		Message:    fmt.Sprintf("%s failed", operation),
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Status returns the HTTP status for err, 500 for anything untyped.
func Status(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsType reports whether err is an application error of type t.
func IsType(err error, t Type) bool {
	appErr, ok := As(err)
	return ok && appErr.Type == t
}
