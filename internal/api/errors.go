// Package api provides the HTTP handlers of the credit ledger service and its
// standardized JSON error envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/creditledger/internal/credits"
	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/middleware"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeAuthFailed indicates authentication failure.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeForbidden indicates the request is forbidden.
	ErrCodeForbidden = "forbidden"

	// ErrCodeConflict indicates a conflict with the current state, such as too few credits.
	ErrCodeConflict = "conflict"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeProviderError indicates the payment provider failed.
	ErrCodeProviderError = "provider_error"

	// ErrCodeInvalidSignature indicates a webhook failed signature verification.
	ErrCodeInvalidSignature = "invalid_signature"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and records the error
// code on the context so the logging middleware reports it.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	ctx = middleware.SetErrorCode(ctx, code)
	middleware.UpdateResponseContext(w, ctx)

	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", slog.String("error", err.Error()))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", slog.String("error", err.Error()))
	}
}

// writeJSON writes v as a JSON body with the given status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", slog.String("error", err.Error()))
	}
}

// StatusCodeMapping returns the recommended HTTP status code for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeInvalidSignature:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// classifyError maps a service error onto an error code and a client-safe message.
// Persistence and unknown errors never leak their detail.
func classifyError(err error) (code, message string) {
	switch {
	case errors.Is(err, credits.ErrUnauthenticated):
		return ErrCodeAuthFailed, "Authentication required"
	case errors.Is(err, credits.ErrOwnershipMismatch):
		return ErrCodeForbidden, "Checkout session belongs to another user"
	case errors.Is(err, credits.ErrForbidden):
		return ErrCodeForbidden, "Insufficient permissions"
	case errors.Is(err, credits.ErrNotFound):
		return ErrCodeNotFound, notFoundMessage(err)
	case errors.Is(err, credits.ErrInsufficient):
		return ErrCodeConflict, "Insufficient credits"
	case errors.Is(err, credits.ErrInvalidRequest):
		return ErrCodeValidation, err.Error()
	case errors.Is(err, credits.ErrPaymentProvider):
		return ErrCodeProviderError, "Payment provider unavailable, please try again"
	default:
		return ErrCodeInternal, "Internal server error"
	}
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, ledger.ErrPackageNotFound):
		return "Credit package not found"
	case errors.Is(err, ledger.ErrServiceNotFound):
		return "Service not found"
	default:
		return "Not found"
	}
}

// writeServiceError logs err at a level matching its class and writes the envelope.
func writeServiceError(w http.ResponseWriter, ctx context.Context, err error) {
	code, message := classifyError(err)
	status := StatusCodeMapping(code)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", slog.String("error_code", code), slog.String("error", err.Error()))
	} else {
		slog.DebugContext(ctx, "request rejected", slog.String("error_code", code), slog.String("error", err.Error()))
	}
	WriteError(w, ctx, status, code, message)
}
