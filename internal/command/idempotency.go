package command

import (
	"net/http"
	"time"
)

type gateMode int

const (
	gateCreate gateMode = iota
	gateReplaySuccess
	gateReplayFailed
	gateInProgressActive
	gateRestartExpired
)

type gateResult struct {
	mode         gateMode
	httpStatus   int
	responseBody map[string]interface{}
	record       *IdempotencyRecord
}

// evaluateGate classifies an idempotency row against the incoming request.
// A present row with a different request hash is key reuse and is rejected
// before any state is touched.
func evaluateGate(record *IdempotencyRecord, requestHash string, now time.Time) (gateResult, error) {
	if record == nil {
		return gateResult{mode: gateCreate}, nil
	}
	if record.RequestHash != requestHash {
		return gateResult{}, Conflict(
			CodeIdempotencyConflict,
			"Idempotency key was already used with a different command payload.",
			nil,
		)
	}

	switch record.Status {
	case StatusSucceeded:
		httpStatus := record.HTTPStatus
		if httpStatus == 0 {
			httpStatus = http.StatusOK
		}
		return gateResult{
			mode:         gateReplaySuccess,
			httpStatus:   httpStatus,
			responseBody: record.ResponseBody,
		}, nil
	case StatusFailed:
		return gateResult{mode: gateReplayFailed, record: record}, nil
	case StatusInProgress:
		if !record.ExpiresAt.IsZero() && !record.ExpiresAt.After(now) {
			return gateResult{mode: gateRestartExpired}, nil
		}
		body := record.ResponseBody
		if body == nil {
			body = map[string]interface{}{"status": "in_progress"}
		}
		httpStatus := record.HTTPStatus
		if httpStatus == 0 {
			httpStatus = http.StatusAccepted
		}
		return gateResult{
			mode:         gateInProgressActive,
			httpStatus:   httpStatus,
			responseBody: body,
		}, nil
	}
	// Unknown status means a half-written row from an older deployment;
	// treat it like an expired lease and take it over.
	return gateResult{mode: gateRestartExpired}, nil
}

// storedFailure re-raises a failed row's cached error with identical code,
// message, and details.
func storedFailure(record *IdempotencyRecord) *Error {
	code := record.ErrorCode
	message := "Command failed previously."
	var details map[string]interface{}

	if stored, ok := record.ResponseBody["error"].(map[string]interface{}); ok {
		if c, ok := stored["code"].(string); ok && c != "" {
			code = c
		}
		if m, ok := stored["message"].(string); ok && m != "" {
			message = m
		}
		if d, ok := stored["details"].(map[string]interface{}); ok {
			details = d
		}
	} else if record.ErrorBody != nil {
		if m, ok := record.ErrorBody["message"].(string); ok && m != "" {
			message = m
		}
		if d, ok := record.ErrorBody["details"].(map[string]interface{}); ok {
			details = d
		}
	}
	if code == "" {
		code = CodeCommandFailed
	}

	httpStatus := record.HTTPStatus
	if httpStatus == 0 {
		httpStatus = http.StatusInternalServerError
	}
	return &Error{StatusCode: httpStatus, Code: code, Message: message, Details: details}
}

func pendingResponse(idempotencyKey string, retryAfterSeconds int) map[string]interface{} {
	return map[string]interface{}{
		"status":            "in_progress",
		"idempotencyKey":    idempotencyKey,
		"retryAfterSeconds": retryAfterSeconds,
	}
}
