package errors

import (
	"fmt"
	"net/http"

	"meshconf/internal/core/domain"
)

// AppError represents an application error with a wire code and context
type AppError struct {
	Code       domain.ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code domain.ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code domain.ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// httpStatusFor maps wire error codes to HTTP statuses for the REST surface.
func httpStatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidRoomID:
		return http.StatusBadRequest
	case domain.CodeInvalidToken, domain.CodeTokenExpired, domain.CodeAuthFailed:
		return http.StatusUnauthorized
	case domain.CodeLocked:
		return http.StatusForbidden
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeNotInRoom, domain.CodeDestinationUnknown:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// FromDomain converts a domain error into an AppError, preserving the cause.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	code := domain.CodeOf(err)
	return &AppError{
		Code:       code,
		Message:    err.Error(),
		HTTPStatus: httpStatusFor(code),
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(domain.CodeInvalidRoomID, message, http.StatusBadRequest)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(domain.CodeAuthFailed, message, http.StatusUnauthorized)
}

func NewLockedError(message string) *AppError {
	return NewAppError(domain.CodeLocked, message, http.StatusForbidden)
}

func NewRateLimitError() *AppError {
	return NewAppError(domain.CodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(domain.CodeInternalError, message, http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr
	}

	type unwrapper interface {
		Unwrap() error
	}

	if u, ok := err.(unwrapper); ok {
		return GetAppError(u.Unwrap())
	}

	return nil
}
