// Package errs defines the error taxonomy shared by the security core and
// its HTTP surface.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error so callers can branch without string matching.
type Code string

const (
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"
	CodeSessionInactive  Code = "SESSION_INACTIVE"
	CodeSessionExpired   Code = "SESSION_EXPIRED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeSlugExhausted    Code = "SLUG_EXHAUSTED"
	CodeSlugConflict     Code = "SLUG_CONFLICT"
	CodeSinkUnavailable  Code = "SINK_UNAVAILABLE"
	CodeCSRFInvalid      Code = "CSRF_INVALID"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeInternal         Code = "INTERNAL"
)

var (
	ErrInvalidRequest   = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrRateLimited      = &Error{Code: CodeRateLimited, Message: "rate limit exceeded"}
	ErrSessionNotFound  = &Error{Code: CodeSessionNotFound, Message: "session not found"}
	ErrSessionInactive  = &Error{Code: CodeSessionInactive, Message: "session is not active"}
	ErrSessionExpired   = &Error{Code: CodeSessionExpired, Message: "session expired"}
	ErrPermissionDenied = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrSlugExhausted    = &Error{Code: CodeSlugExhausted, Message: "no available slug"}
	ErrSlugConflict     = &Error{Code: CodeSlugConflict, Message: "slug already claimed"}
	ErrSinkUnavailable  = &Error{Code: CodeSinkUnavailable, Message: "sink unavailable"}
	ErrCSRFInvalid      = &Error{Code: CodeCSRFInvalid, Message: "csrf token invalid"}
	ErrUnauthenticated  = &Error{Code: CodeUnauthenticated, Message: "unauthenticated"}
	ErrInternal         = &Error{Code: CodeInternal, Message: "internal error"}
)

// Error carries a Code plus a human message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the message of the first *Error in err's chain.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrInternal.Message
}

// Retryable reports whether the caller may retry the same request later.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimited, CodeSlugConflict, CodeSinkUnavailable:
		return true
	default:
		return false
	}
}

var statusByCode = map[Code]int{
	CodeInvalidRequest:   http.StatusBadRequest,
	CodeRateLimited:      http.StatusTooManyRequests,
	CodeSessionNotFound:  http.StatusNotFound,
	CodeSessionInactive:  http.StatusConflict,
	CodeSessionExpired:   http.StatusUnauthorized,
	CodePermissionDenied: http.StatusForbidden,
	CodeSlugExhausted:    http.StatusConflict,
	CodeSlugConflict:     http.StatusConflict,
	CodeSinkUnavailable:  http.StatusServiceUnavailable,
	CodeCSRFInvalid:      http.StatusForbidden,
	CodeUnauthenticated:  http.StatusUnauthorized,
	CodeInternal:         http.StatusInternalServerError,
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	if status, ok := statusByCode[CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}
