package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON / WriteError so the API has one
// success shape per endpoint and exactly one error shape:
//
//	{"error": "validation_error", "message": "timeout_ms must be positive"}

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/sakif/code-engine/internal/apperror"
)

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Offending request field, for validation errors
}

// maxBodyBytes caps request bodies that have no size limit of their own.
const maxBodyBytes = 16 << 20

// writeJSON sends a JSON response with the given status code. Headers must be
// set before WriteHeader; anything set afterwards is silently dropped.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already out; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// decodeJSON reads a JSON body into dst. Failures come back as validation
// errors so WriteError answers them with 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperror.ValidationFailed("body", "request body too large")
		case errors.Is(err, io.EOF):
			return apperror.ValidationFailed("body", "request body is empty")
		default:
			return apperror.ValidationFailed("body", "invalid JSON body: "+err.Error())
		}
	}
	return nil
}

// WriteError maps a domain error to an HTTP status.
//
//	ErrValidation  → 400 validation_error
//	ErrUnauthorized → 401 unauthorized
//	ErrNotFound    → 404 not_found
//	ErrOverloaded  → 429 overloaded (with Retry-After)
//	ErrUnavailable → 503 unavailable
//	ErrEngine      → 500 engine_error
//
// Anything that is not an *apperror.AppError is answered with a generic 500:
// raw errors may carry host paths and must not reach the client.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		errorType := "internal_error"

		switch {
		case errors.Is(err, apperror.ErrValidation):
			status = http.StatusBadRequest
			errorType = "validation_error"
		case errors.Is(err, apperror.ErrUnauthorized):
			status = http.StatusUnauthorized
			errorType = "unauthorized"
		case errors.Is(err, apperror.ErrNotFound):
			status = http.StatusNotFound
			errorType = "not_found"
		case errors.Is(err, apperror.ErrOverloaded):
			status = http.StatusTooManyRequests
			errorType = "overloaded"
			w.Header().Set("Retry-After", "1")
		case errors.Is(err, apperror.ErrUnavailable):
			status = http.StatusServiceUnavailable
			errorType = "unavailable"
		case errors.Is(err, apperror.ErrEngine):
			errorType = "engine_error"
		}

		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: appErr.Message,
			Field:   appErr.Field,
		})
		return
	}

	if errors.Is(err, context.Canceled) {
		// The client went away; nobody will read this.
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:   "cancelled",
			Message: "request cancelled",
		})
		return
	}

	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}
