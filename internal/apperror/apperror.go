package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("Validation Error")
	ErrUnauthorized = errors.New("unauthorized")
	// ErrOverloaded means the request was refused by admission control and may
	// be retried later.
	ErrOverloaded = errors.New("overloaded")
	// ErrUnavailable means the engine is shutting down or has no backend.
	ErrUnavailable = errors.New("unavailable")
	// ErrEngine covers failures inside the engine itself, e.g. a worker that
	// could not be spawned.
	ErrEngine = errors.New("engine error")
)

type AppError struct {
	Err     error  // sentinel category
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Cause   error  // Optional: underlying error, kept for errors.Is/As
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
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

// Unauthorized is returned for a missing, expired or forged bearer token.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

func Overloaded(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrOverloaded,
		Message: message,
		Cause:   cause,
	}
}

func Unavailable(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrUnavailable,
		Message: message,
		Cause:   cause,
	}
}

// Engine wraps an internal failure. The message goes to the client, so it
// must not carry host details; those stay in Cause.
func Engine(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrEngine,
		Message: message,
		Cause:   cause,
	}
}
