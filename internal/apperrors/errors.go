package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// ErrorType classifies an application error
type ErrorType string

const (
	TypeValidation     ErrorType = "validation"
	TypeAuthentication ErrorType = "authentication"
	TypeAuthorization  ErrorType = "authorization"
	TypeNotFound       ErrorType = "not_found"
	TypeConflict       ErrorType = "conflict"
	TypeRateLimit      ErrorType = "rate_limit"
	TypeDatabase       ErrorType = "database"
	TypeInternal       ErrorType = "internal"
)

// Severity indicates how loudly an error should be reported
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AppError is an application error carrying a user-safe message, an HTTP
// status, and an optional wrapped cause. Operational errors (4xx) surface
// their message to callers; non-operational errors (database, internal) are
// collapsed to a generic message at the HTTP boundary.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Severity   Severity               `json:"severity"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Status     int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	StackTrace string                 `json:"-"`
	Timestamp  time.Time              `json:"timestamp"`
	wrapped    error
}

func (e *AppError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.wrapped
}

// Operational reports whether the error is part of the 4xx taxonomy and safe
// to show to the caller as-is.
func (e *AppError) Operational() bool {
	return e.Status < http.StatusInternalServerError
}

// WithError wraps an underlying cause
func (e *AppError) WithError(err error) *AppError {
	e.wrapped = err
	return e
}

// WithDetail attaches a detail field
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithStackTrace captures the current stack trace
func (e *AppError) WithStackTrace() *AppError {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	e.StackTrace = string(buf[:n])
	return e
}

func newError(errType ErrorType, severity Severity, status int, code, message string) *AppError {
	return &AppError{
		Type:      errType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Status:    status,
		Timestamp: time.Now(),
	}
}

// Validation returns a 400 error for malformed or missing input
func Validation(message string) *AppError {
	return newError(TypeValidation, SeverityLow, http.StatusBadRequest, "VALIDATION_ERROR", message)
}

// Authentication returns a 401 error when identity is not established
func Authentication(message string) *AppError {
	return newError(TypeAuthentication, SeverityMedium, http.StatusUnauthorized, "AUTHENTICATION_ERROR", message)
}

// Authorization returns a 403 error when identity is established but
// privilege is insufficient
func Authorization(message string) *AppError {
	return newError(TypeAuthorization, SeverityMedium, http.StatusForbidden, "AUTHORIZATION_ERROR", message)
}

// NotFound returns a 404 error
func NotFound(message string) *AppError {
	return newError(TypeNotFound, SeverityLow, http.StatusNotFound, "NOT_FOUND", message)
}

// Conflict returns a 409 error, e.g. concurrent-session limit reached or a
// duplicate MFA enrollment
func Conflict(message string) *AppError {
	return newError(TypeConflict, SeverityMedium, http.StatusConflict, "CONFLICT", message)
}

// RateLimit returns a 429 error
func RateLimit(message string) *AppError {
	return newError(TypeRateLimit, SeverityMedium, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", message)
}

// Database returns a 500 error wrapping a store failure. Never exposed to
// callers in detail.
func Database(err error) *AppError {
	return newError(TypeDatabase, SeverityHigh, http.StatusInternalServerError, "DATABASE_ERROR", "persistence failure").
		WithError(err).
		WithStackTrace()
}

// Internal returns a generic 500 error
func Internal(err error) *AppError {
	return newError(TypeInternal, SeverityCritical, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error").
		WithError(err).
		WithStackTrace()
}

// From converts an arbitrary error into an *AppError, passing through errors
// that already are one.
func From(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// IsType reports whether err is an AppError of the given type
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}
