// Package apperr defines the error taxonomy surfaced by the message pipeline
// and translated to HTTP status codes at the boundary.
package apperr

import (
	"errors"
	"net/http"
)

// Error carries a client-facing message and the HTTP status it maps to.
type Error struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Validation marks bad or missing input (oversized payloads included).
func Validation(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: msg}
}

// Authorization marks an acting user without permission for the target.
func Authorization(msg string) *Error {
	return &Error{Status: http.StatusUnauthorized, Message: msg}
}

// NotFound marks an absent message or user.
func NotFound(msg string) *Error {
	return &Error{Status: http.StatusNotFound, Message: msg}
}

// Internal marks storage, filesystem, or unexpected failures. The cause's
// message is surfaced to the caller, matching the system's trust model.
func Internal(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: err.Error()}
}

// Status resolves any error to an HTTP status, defaulting to 500.
func Status(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// IsStatus reports whether err is a taxonomy error with the given status.
func IsStatus(err error, status int) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Status == status
}
