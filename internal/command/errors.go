package command

import (
	"errors"
	"fmt"
	"net/http"
)

// Error code constants for the command layer.
const (
	CodeCommandFailed       = "COMMAND_FAILED"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeStreamHeadConflict  = "STREAM_HEAD_CONFLICT"
	CodeSnapshotConflict    = "RESOURCE_SNAPSHOT_CONFLICT"
	CodeResourceNotFound    = "RESOURCE_NOT_FOUND"
	CodeSignatureInvalid    = "SIGNATURE_INVALID"
	CodePayloadRequired     = "PAYLOAD_REQUIRED"
)

// Error is a typed command failure. StatusCode maps to the HTTP layer;
// Code is stable and machine-readable. Replayed failed commands re-raise
// an Error with identical code, message, and details.
type Error struct {
	StatusCode int                    `json:"statusCode"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a typed command error.
func NewError(statusCode int, code, message string) *Error {
	return &Error{StatusCode: statusCode, Code: code, Message: message}
}

// Conflict builds a 409 with optional details.
func Conflict(code, message string, details map[string]interface{}) *Error {
	return &Error{StatusCode: http.StatusConflict, Code: code, Message: message, Details: details}
}

// NotFound builds a 404.
func NotFound(code, message string) *Error {
	return NewError(http.StatusNotFound, code, message)
}

// BadRequest builds a 400.
func BadRequest(code, message string) *Error {
	return NewError(http.StatusBadRequest, code, message)
}

// ServiceUnavailable builds a 503.
func ServiceUnavailable(code, message string) *Error {
	return NewError(http.StatusServiceUnavailable, code, message)
}

// Normalize coerces any failure into an Error for recording against the
// idempotency row. Unknown errors become an opaque 500 so internals never
// leak into cached responses.
func Normalize(err error) *Error {
	var commandErr *Error
	if errors.As(err, &commandErr) {
		return commandErr
	}
	return &Error{
		StatusCode: http.StatusInternalServerError,
		Code:       CodeCommandFailed,
		Message:    "Command failed.",
	}
}
