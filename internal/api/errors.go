// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/kilocode/cloudagent/internal/log"
)

// APIError is a stable machine-readable error. Code never changes once
// shipped; Message is for humans.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return e.Message }

var (
	ErrUnauthorized = &APIError{
		Code:    "UNAUTHORIZED",
		Message: "Authentication required",
	}
	ErrInvalidInput = &APIError{
		Code:    "INVALID_INPUT",
		Message: "Invalid input parameters",
	}
	ErrSessionNotFound = &APIError{
		Code:    "SESSION_NOT_FOUND",
		Message: "Session not found",
	}
	ErrExecutionNotFound = &APIError{
		Code:    "EXECUTION_NOT_FOUND",
		Message: "Execution not found",
	}
	ErrExecutionConflict = &APIError{
		Code:    "EXECUTION_CONFLICT",
		Message: "Another execution is active for this session",
	}
	ErrWorkerNotConnected = &APIError{
		Code:    "WORKER_NOT_CONNECTED",
		Message: "No worker is connected for this execution",
	}
	ErrServiceUnavailable = &APIError{
		Code:    "SERVICE_UNAVAILABLE",
		Message: "Service temporarily unavailable",
	}
	ErrInternalServer = &APIError{
		Code:    "INTERNAL_SERVER_ERROR",
		Message: "An internal error occurred",
	}
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; the client may receive partial data.
		logger := log.L()
		logger.Error().Err(err).Int("status", code).
			Msg("failed to encode JSON response")
	}
}

// RespondError sends an RFC 7807 problem body for apiErr. The optional
// details value lands under the "details" extension member.
func RespondError(w http.ResponseWriter, r *http.Request, statusCode int, apiErr *APIError, details ...any) {
	body := map[string]any{
		"type":   "error/" + strings.ToLower(apiErr.Code),
		"title":  apiErr.Message,
		"code":   apiErr.Code,
		"status": statusCode,
	}
	if reqID := log.RequestIDFromContext(r.Context()); reqID != "" {
		body["requestId"] = reqID
	}
	if len(details) > 0 && details[0] != nil {
		body["details"] = details[0]
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger := log.L()
		logger.Error().Err(err).Int("status", statusCode).
			Msg("failed to encode problem response")
	}
}

// RespondRetryable sends a 503 with a Retry-After hint for transient
// failures the client should simply retry.
func RespondRetryable(w http.ResponseWriter, r *http.Request, retryAfterSeconds int) {
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	RespondError(w, r, http.StatusServiceUnavailable, ErrServiceUnavailable)
}
