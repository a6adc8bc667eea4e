// Package reqguard provides request-safety middleware for chi routers: sliding-window rate
// limiting, idempotency-key deduplication and the caller-identity plumbing they share.
//
// Responses flow through Handler, which keeps them in the request context until the chain
// returns. That lets the idempotency layer capture and replay a response and lets the rate
// limiter add headers to whatever the handler produced. Every middleware also works
// without Handler, writing to the ResponseWriter directly.
package reqguard

import "net/http"

// APIError is a structured error body: {"error": {"type": ..., "code": ..., ...}}.
// Status is the HTTP status and is not serialized.
type APIError struct {
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message"`
	Param   string       `json:"param,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`
	Status  int          `json:"-"`
}

type errorResponse struct {
	Error *APIError `json:"error"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Is matches on Type and Code, so a copy made with With or WithParam still matches its
// sentinel under errors.Is.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// With returns a copy of the error with a custom message.
func (e *APIError) With(message string) *APIError {
	return e.WithParam(message, e.param())
}

// WithParam returns a copy of the error with a custom message and parameter.
func (e *APIError) WithParam(message, param string) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	dup.Param = param
	return &dup
}

func (e *APIError) param() string {
	if e == nil {
		return ""
	}
	return e.Param
}

// Error types.
const (
	typeRequest     = "request_error"
	typeAuth        = "auth_error"
	typeNotFound    = "not_found"
	typeInternal    = "internal_error"
	typeIdempotency = "idempotency_error"
	typeValidation  = "validation_error"
)

func newAPIError(status int, typ, code, message string) *APIError {
	return &APIError{Type: typ, Code: code, Message: message, Status: status}
}

// Sentinel errors. Use With or WithParam for a request-specific message.
var (
	ErrBadRequest         = newAPIError(http.StatusBadRequest, typeRequest, "bad_request", "Bad request")
	ErrUnauthorized       = newAPIError(http.StatusUnauthorized, typeAuth, "unauthorized", "Unauthorized")
	ErrNotFound           = newAPIError(http.StatusNotFound, typeNotFound, "resource_not_found", "Resource not found")
	ErrPayloadTooLarge    = newAPIError(http.StatusRequestEntityTooLarge, typeRequest, "payload_too_large", "Payload too large")
	ErrInternal           = newAPIError(http.StatusInternalServerError, typeInternal, "internal", "Internal server error")
	ErrServiceUnavailable = newAPIError(http.StatusServiceUnavailable, typeRequest, "service_unavailable", "Service unavailable")

	// ErrIdempotencyConflict: the key was already used for a different request.
	ErrIdempotencyConflict = newAPIError(http.StatusConflict, typeIdempotency, "key_conflict",
		"Idempotency key was already used with a different request")

	// ErrIdempotencyInProgress: the first request with this key has not finished. Sent with
	// Retry-After: 1.
	ErrIdempotencyInProgress = newAPIError(http.StatusConflict, typeIdempotency, "request_in_progress",
		"A request with this idempotency key is still being processed")
)
