package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/radio-control/commlink/internal/command"
	"github.com/radio-control/commlink/internal/link"
	"github.com/radio-control/commlink/internal/transport"
)

// APIError represents an API-layer error with HTTP status code.
type APIError struct {
	Code       string
	Message    string
	Details    interface{}
	StatusCode int
}

// ErrBadRequest marks a malformed request body or query.
var ErrBadRequest = errors.New("BAD_REQUEST")

// NewAPIError creates a new API error.
func NewAPIError(code string, message string, statusCode int, details interface{}) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		Details:    details,
		StatusCode: statusCode,
	}
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToAPIError converts an error to an API error with HTTP status code.
// Caller-facing messages carry the wrapped error text so a failed open names
// the device or endpoint.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, transport.ErrValidation):
		return NewAPIError("VALIDATION", err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrBadRequest), errors.Is(err, command.ErrInvalidParameter):
		return NewAPIError("BAD_REQUEST", err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, link.ErrNotFound):
		return NewAPIError("NOT_FOUND", err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, link.ErrQueueFullOrClosed):
		return NewAPIError("QUEUE_FULL_OR_CLOSED", err.Error(), http.StatusServiceUnavailable, nil)
	case errors.Is(err, transport.ErrTransportOpen):
		return NewAPIError("TRANSPORT_OPEN", err.Error(), http.StatusBadGateway, nil)
	default:
		return NewAPIError("INTERNAL", "Internal server error", http.StatusInternalServerError,
			map[string]interface{}{"original": err.Error()})
	}
}
