package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation error")
	ErrForbidden       = errors.New("forbidden")
	ErrSessionCreation = errors.New("session creation failed")
	ErrCapacity        = errors.New("session capacity reached")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// SessionCreation wraps an engine startup failure for a user. This is an
// infrastructure error: HTTP handlers map it to 503, and the dispatcher may
// retry a bounded number of times before giving up.
func SessionCreation(userID string, cause error) *AppError {
	return &AppError{
		Err:     fmt.Errorf("%w: %w", ErrSessionCreation, cause),
		Message: fmt.Sprintf("could not start execution session for user %s", userID),
	}
}

// CapacityReached reports that the registry refuses new sessions.
func CapacityReached(limit int) *AppError {
	return &AppError{
		Err:     ErrCapacity,
		Message: fmt.Sprintf("active session limit reached (%d)", limit),
	}
}
