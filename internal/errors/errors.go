package errors

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"
	ErrInvalidJSON      ErrorCode = "40003"

	// Authentication / authorization errors (403xx)
	ErrInvalidAuthentication ErrorCode = "40301"
	ErrAPINotAllowed         ErrorCode = "40302"
	ErrAdminKeyInvalid       ErrorCode = "40303"

	// Resource errors (404xx)
	ErrClientNotFound ErrorCode = "40401"
	ErrAPINotFound    ErrorCode = "40402"

	// Rate limit errors (429xx)
	ErrQuotaExceeded ErrorCode = "42901"
	ErrRateLimited   ErrorCode = "42902"

	// Server errors (500xx)
	ErrInternalServer ErrorCode = "50001"

	// Upstream errors (502xx)
	ErrUpstreamAuth ErrorCode = "50201"
	ErrProxyFailed  ErrorCode = "50202"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	Timestamp  string    `json:"timestamp"`
	Path       string    `json:"path,omitempty"`
	Method     string    `json:"method,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error         APIError `json:"error"`
	RequestID     string   `json:"request_id"`
	CorrelationID string   `json:"correlation_id"`
}

// NewErrorResponse stamps a copy of apiErr with request metadata.
// The canned errors below are shared, so they are never mutated.
func NewErrorResponse(apiErr *APIError, requestID, correlationID, path, method string) *ErrorResponse {
	e := *apiErr
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	e.Path = path
	e.Method = method
	if e.HTTPStatus == 0 {
		e.HTTPStatus = GetHTTPStatusFromCode(e.Code)
	}
	return &ErrorResponse{
		Error:         e,
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
}

// GetHTTPStatusFromCode derives the HTTP status from the first three digits of the code
func GetHTTPStatusFromCode(code ErrorCode) int {
	s := string(code)
	if len(s) < 3 {
		return http.StatusInternalServerError
	}
	switch s[:3] {
	case "400":
		return http.StatusBadRequest
	case "401":
		return http.StatusUnauthorized
	case "403":
		return http.StatusForbidden
	case "404":
		return http.StatusNotFound
	case "429":
		return http.StatusTooManyRequests
	case "502":
		return http.StatusBadGateway
	case "503":
		return http.StatusServiceUnavailable
	case "504":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Common errors
var (
	ErrInvalidAuthenticationError = &APIError{
		Code:       ErrInvalidAuthentication,
		Message:    "Invalid authentication",
		HTTPStatus: http.StatusForbidden,
	}

	ErrAPINotAllowedError = &APIError{
		Code:       ErrAPINotAllowed,
		Message:    "Access to API not allowed",
		HTTPStatus: http.StatusForbidden,
	}

	ErrAdminKeyInvalidError = &APIError{
		Code:       ErrAdminKeyInvalid,
		Message:    "Invalid admin key",
		HTTPStatus: http.StatusForbidden,
	}

	ErrClientNotFoundError = &APIError{
		Code:       ErrClientNotFound,
		Message:    "Client not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrAPINotFoundError = &APIError{
		Code:       ErrAPINotFound,
		Message:    "API not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrQuotaExceededError = &APIError{
		Code:       ErrQuotaExceeded,
		Message:    "Daily request limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrRateLimitedError = &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrUpstreamAuthError = &APIError{
		Code:       ErrUpstreamAuth,
		Message:    "Upstream authentication failed",
		HTTPStatus: http.StatusBadGateway,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidJSONError is returned when a body that must be JSON is not
func NewInvalidJSONError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidJSON,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewQuotaExceededError carries the counter state of the denied request
func NewQuotaExceededError(count int64, limit int) *APIError {
	return &APIError{
		Code:       ErrQuotaExceeded,
		Message:    ErrQuotaExceededError.Message,
		Details:    map[string]any{"count": count, "limit": limit},
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// NewProxyFailedError wraps an upstream transport failure
func NewProxyFailedError(detail string) *APIError {
	return &APIError{
		Code:       ErrProxyFailed,
		Message:    fmt.Sprintf("Proxy request failed: %s", strings.TrimSpace(detail)),
		HTTPStatus: http.StatusBadGateway,
	}
}

// WithDetails returns a copy of the error carrying details
func (e *APIError) WithDetails(details any) *APIError {
	c := *e
	c.Details = details
	return &c
}
