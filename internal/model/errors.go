package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Match with errors.Is.
var (
	ErrUpstream    = errors.New("upstream error")
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("too many requests")
	ErrInternal    = errors.New("internal error")
)

// Error carries a kind, a user-facing message and the underlying cause
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Is reports kind equality so errors.Is(err, ErrNotFound) works on wrapped errors
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind error, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Upstream wraps a transport or parse failure of a source
func Upstream(err error, format string, args ...any) error {
	return newError(ErrUpstream, err, format, args...)
}

// Validation reports malformed request parameters
func Validation(format string, args ...any) error {
	return newError(ErrValidation, nil, format, args...)
}

// NotFound reports an unknown id or url
func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, nil, format, args...)
}

// RateLimited reports a rejected request
func RateLimited(format string, args ...any) error {
	return newError(ErrRateLimited, nil, format, args...)
}

// StatusOf maps an error to its HTTP status and a message safe to show users
func StatusOf(err error) (int, string) {
	var e *Error
	msg := "服务内部错误"
	if errors.As(err, &e) {
		msg = e.Message
	}
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, msg
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, msg
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, msg
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway, msg
	default:
		return http.StatusInternalServerError, "服务内部错误"
	}
}
