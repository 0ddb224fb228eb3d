package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrInternalServer = errors.New("internal server error")

	ErrAccountLocked = errors.New("account is temporarily locked")
	// ErrTokenConsumed means a conditional rotation found the refresh token
	// already revoked by a concurrent request.
	ErrTokenConsumed = errors.New("refresh token already consumed")
)

// ErrorKind classifies an AppError for translation at the request boundary.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindUnauthorized
	KindForbidden
	KindRateLimited
	KindBadRequest
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindBadRequest:
		return "bad_request"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindUnauthorized:
		return ErrUnauthorized
	case KindForbidden:
		return ErrForbidden
	case KindRateLimited:
		return ErrRateLimited
	case KindBadRequest:
		return ErrBadRequest
	case KindConflict:
		return ErrConflict
	default:
		return ErrInternalServer
	}
}

// AppError is the tagged error returned by services.
// Code is machine readable and logged server side; Message is safe to show
// to the client.
type AppError struct {
	Kind       ErrorKind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrUnauthorized) match any AppError of that kind.
func (e *AppError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func Unauthorized(code, message string) *AppError {
	return &AppError{Kind: KindUnauthorized, Code: code, Message: message}
}

func Forbidden(code, message string) *AppError {
	return &AppError{Kind: KindForbidden, Code: code, Message: message}
}

func BadRequest(code, message string) *AppError {
	return &AppError{Kind: KindBadRequest, Code: code, Message: message}
}

func Conflict(code, message string) *AppError {
	return &AppError{Kind: KindConflict, Code: code, Message: message}
}

func RateLimited(retryAfter time.Duration) *AppError {
	return &AppError{
		Kind:       KindRateLimited,
		Code:       "rate_limit_exceeded",
		Message:    "Too many requests, please try again later",
		RetryAfter: retryAfter,
	}
}

// Internal wraps an unexpected error. The wrapped detail is only exposed to
// clients outside production.
func Internal(code string, err error) *AppError {
	return &AppError{Kind: KindInternal, Code: code, Message: "Internal server error", Err: err}
}

// AsAppError unwraps err into an AppError, classifying plain sentinels.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return Unauthorized("unauthorized", "Unauthorized")
	case errors.Is(err, ErrForbidden):
		return Forbidden("forbidden", "Forbidden")
	case errors.Is(err, ErrNotFound):
		return &AppError{Kind: KindBadRequest, Code: "not_found", Message: "Resource not found", Err: err}
	case errors.Is(err, ErrConflict):
		return Conflict("conflict", "Resource already exists")
	case errors.Is(err, ErrBadRequest):
		return BadRequest("bad_request", "Bad request")
	case errors.Is(err, ErrRateLimited):
		return RateLimited(0)
	}
	return Internal("internal_error", err)
}
