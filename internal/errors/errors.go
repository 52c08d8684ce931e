// Package errors defines the closed error taxonomy used across taskflow:
// every component surfaces one of these types instead of raw error
// strings, so the scheduler and metrics emitter can key behavior and
// counters off Type rather than string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the closed taxonomy from spec §7.
type ErrorType string

const (
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeDependency          ErrorType = "dependency"
	ErrorTypeExecutor            ErrorType = "executor"
	ErrorTypeTimeout             ErrorType = "timeout"
	ErrorTypeIntegrity           ErrorType = "integrity"
	ErrorTypeBackendUnavailable  ErrorType = "backend_unavailable"
	ErrorTypeHitlRejected        ErrorType = "hitl_rejected"
	ErrorTypeHitlEscalationDone  ErrorType = "hitl_escalation_exhausted"
	ErrorTypeAuth                ErrorType = "auth"
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeConflict            ErrorType = "conflict"
	ErrorTypeRateLimit           ErrorType = "rate_limit"
	ErrorTypeDatabase            ErrorType = "database"
	ErrorTypeNetwork             ErrorType = "network"
	ErrorTypeInternal            ErrorType = "internal"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeValidation:         http.StatusBadRequest,
	ErrorTypeDependency:         http.StatusBadRequest,
	ErrorTypeAuth:               http.StatusUnauthorized,
	ErrorTypeNotFound:           http.StatusNotFound,
	ErrorTypeConflict:           http.StatusConflict,
	ErrorTypeTimeout:            http.StatusRequestTimeout,
	ErrorTypeRateLimit:          http.StatusTooManyRequests,
	ErrorTypeDatabase:           http.StatusInternalServerError,
	ErrorTypeNetwork:            http.StatusInternalServerError,
	ErrorTypeExecutor:           http.StatusInternalServerError,
	ErrorTypeIntegrity:          http.StatusInternalServerError,
	ErrorTypeBackendUnavailable: http.StatusServiceUnavailable,
	ErrorTypeHitlRejected:       http.StatusUnprocessableEntity,
	ErrorTypeHitlEscalationDone: http.StatusUnprocessableEntity,
	ErrorTypeInternal:           http.StatusInternalServerError,
}

// ErrorMessages holds the safe, user-facing text for error types whose
// internal Message may contain details not meant for external callers.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded, please retry later",
	ConcurrentModification: "The resource was modified concurrently, please retry",
}

// AppError is the single structured error type used across taskflow.
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error
}

func New(t ErrorType, message string) *AppError {
	code, ok := statusCodes[t]
	if !ok {
		code = http.StatusInternalServerError
	}
	return &AppError{Type: t, Message: message, StatusCode: code}
}

func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	s := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		s += fmt.Sprintf(" (%s)", e.Details)
	}
	return s
}

func (e *AppError) Unwrap() error { return e.Cause }

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// GetType returns the error's type, or ErrorTypeInternal for non-AppErrors.
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the error's HTTP status, or 500 for non-AppErrors.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// SafeErrorMessage returns text suitable for surfacing to an external
// caller: validation messages pass through verbatim (they describe the
// caller's own input), everything else is replaced with a generic
// message to avoid leaking internal details.
func SafeErrorMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return "An internal error occurred"
	}
}

// LogFields returns structured fields suitable for a logr/zap/logrus call site.
func LogFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain collapses a slice of errors (ignoring nils) into a single error
// that reports all of them, used to aggregate task-definition load
// failures into one reported error (spec §4.2: "a single aggregated
// error listing every violation").
func Chain(errs ...error) error {
	var present []error
	for _, e := range errs {
		if e != nil {
			present = append(present, e)
		}
	}
	switch len(present) {
	case 0:
		return nil
	case 1:
		return present[0]
	default:
		return errors.Join(present...)
	}
}

// Predefined constructors matching common call sites across components.

func NewValidationError(message string) *AppError { return New(ErrorTypeValidation, message) }

func NewDependencyError(message string) *AppError { return New(ErrorTypeDependency, message) }

func NewDatabaseError(op string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", op)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewAuthError(message string) *AppError { return New(ErrorTypeAuth, message) }

func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

func NewExecutorError(role, message string) *AppError {
	return New(ErrorTypeExecutor, message).WithDetailsf("role=%s", role)
}

func NewIntegrityError(message string) *AppError { return New(ErrorTypeIntegrity, message) }

func NewBackendUnavailableError(cause error, backend string) *AppError {
	return Wrapf(cause, ErrorTypeBackendUnavailable, "%s unavailable", backend)
}

func NewHitlRejectedError(taskID string) *AppError {
	return New(ErrorTypeHitlRejected, fmt.Sprintf("task %s rejected in human review", taskID))
}

func NewHitlEscalationExhaustedError(taskID string) *AppError {
	return New(ErrorTypeHitlEscalationDone, fmt.Sprintf("task %s exhausted the escalation ladder", taskID))
}
