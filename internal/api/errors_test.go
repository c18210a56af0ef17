package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/creditledger/internal/credits"
	"github.com/onnwee/creditledger/internal/ledger"
)

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, context.Background(), http.StatusNotFound, ErrCodeNotFound, "Credit package not found")

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("unexpected Content-Type %q", ct)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error.Code != ErrCodeNotFound || resp.Error.Message != "Credit package not found" {
		t.Errorf("unexpected body %+v", resp)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{ErrCodeValidation, http.StatusBadRequest},
		{ErrCodeBadRequest, http.StatusBadRequest},
		{ErrCodeInvalidSignature, http.StatusBadRequest},
		{ErrCodeAuthFailed, http.StatusUnauthorized},
		{ErrCodeForbidden, http.StatusForbidden},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeConflict, http.StatusConflict},
		{ErrCodeRateLimited, http.StatusTooManyRequests},
		{ErrCodeProviderError, http.StatusBadGateway},
		{ErrCodeInternal, http.StatusInternalServerError},
		{"unknown_code", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := StatusCodeMapping(tt.code); got != tt.want {
				t.Errorf("StatusCodeMapping(%q) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantMsg  string
	}{
		{"unauthenticated", credits.ErrUnauthenticated, ErrCodeAuthFailed, ""},
		{"ownership", credits.ErrOwnershipMismatch, ErrCodeForbidden, "Checkout session belongs to another user"},
		{"package missing", fmt.Errorf("%w: %w", credits.ErrNotFound, ledger.ErrPackageNotFound), ErrCodeNotFound, "Credit package not found"},
		{"service missing", fmt.Errorf("%w: %w", credits.ErrNotFound, ledger.ErrServiceNotFound), ErrCodeNotFound, "Service not found"},
		{"insufficient", fmt.Errorf("%w: svc costs 3", credits.ErrInsufficient), ErrCodeConflict, "Insufficient credits"},
		{"provider", fmt.Errorf("%w: timeout", credits.ErrPaymentProvider), ErrCodeProviderError, ""},
		{"persistence", fmt.Errorf("%w: pq: relation missing", credits.ErrPersistence), ErrCodeInternal, "Internal server error"},
		{"unknown", errors.New("boom"), ErrCodeInternal, "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := classifyError(tt.err)
			if code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
			if tt.wantMsg != "" && msg != tt.wantMsg {
				t.Errorf("message = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}
