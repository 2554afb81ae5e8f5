// Package apperr defines the error taxonomy surfaced to API callers.
//
// Domain packages declare their sentinel errors as *Error values so callers
// can match them with errors.Is while handlers map them to a stable code and
// HTTP status without knowing which package produced them.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an operational error.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindBadRequest   Kind = "bad_request"
	KindForbidden    Kind = "forbidden"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindInternal     Kind = "internal"
)

// Error is an operational error with a stable code.
type Error struct {
	Kind    Kind   `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// NotFound returns an error for an absent entity.
func NotFound(code, message string) *Error { return newError(KindNotFound, code, message) }

// BadRequest returns an error for an invalid transition or malformed input.
func BadRequest(code, message string) *Error { return newError(KindBadRequest, code, message) }

// Forbidden returns an error for an actor who is not a party to the entity.
func Forbidden(code, message string) *Error { return newError(KindForbidden, code, message) }

// Conflict returns an error for duplicate or already-settled state.
func Conflict(code, message string) *Error { return newError(KindConflict, code, message) }

// Unauthorized returns an error for a missing or invalid credential.
func Unauthorized(code, message string) *Error { return newError(KindUnauthorized, code, message) }

// Internal is the generic error shown for anything unexpected.
var Internal = newError(KindInternal, "internal_error", "An unexpected error occurred")

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err is not operational.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the error safe to render to a caller. Non-operational errors
// collapse to Internal so internals never leak.
func Public(err error) *Error {
	if e, ok := As(err); ok && e.Kind != KindInternal {
		return e
	}
	return Internal
}
