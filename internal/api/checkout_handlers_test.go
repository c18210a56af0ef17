package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/onnwee/creditledger/internal/audit"
	"github.com/onnwee/creditledger/internal/credits"
	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/payment"
)

func TestCreateCheckout_Package(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/create-checkout", env.token(t, "u2"),
		CreateCheckoutRequest{CheckoutType: "package", PackageID: "p1", Origin: testOrigin})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp CreateCheckoutResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SessionID != "cs_test_1" || !strings.HasSuffix(resp.URL, resp.SessionID) {
		t.Errorf("unexpected response %+v", resp)
	}

	params := env.client.created[0]
	if params.AmountCents != 2000 {
		t.Errorf("AmountCents = %d, want 2000", params.AmountCents)
	}
	if params.CustomerEmail != "u2@example.com" {
		t.Errorf("CustomerEmail = %q", params.CustomerEmail)
	}
	if !strings.HasPrefix(params.SuccessURL, testOrigin+"/") {
		t.Errorf("SuccessURL %q does not use the caller origin", params.SuccessURL)
	}
	intent, err := ledger.ParseIntent(params.Metadata)
	if err != nil {
		t.Fatalf("metadata does not parse: %v", err)
	}
	if intent.Owner() != "u2" || intent.Kind() != ledger.KindCreditPackage {
		t.Errorf("unexpected intent %+v", intent)
	}
	if len(env.store.Entries()) != 0 {
		t.Error("checkout creation must not write to the ledger")
	}
}

func TestCreateCheckout_ServicePricedPerCredit(t *testing.T) {
	env := newTestEnv(t)

	// No checkoutType: a lone serviceId selects a service checkout.
	rr := env.do(t, http.MethodPost, "/create-checkout", env.token(t, "u2"),
		map[string]string{"serviceId": "svc-1"}, "Origin", testOrigin)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	params := env.client.created[0]
	if params.AmountCents != 3*credits.DefaultCreditPriceCents {
		t.Errorf("AmountCents = %d, want %d", params.AmountCents, 3*credits.DefaultCreditPriceCents)
	}
	if params.Metadata[ledger.MetaServiceID] != "svc-1" {
		t.Errorf("metadata = %v", params.Metadata)
	}
}

func TestCreateCheckout_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		token    bool
		body     any
		wantCode int
		wantErr  string
	}{
		{"no token", false, CreateCheckoutRequest{PackageID: "p1", Origin: testOrigin}, http.StatusUnauthorized, ErrCodeAuthFailed},
		{"unknown package", true, CreateCheckoutRequest{PackageID: "nope", Origin: testOrigin}, http.StatusNotFound, ErrCodeNotFound},
		{"unknown service", true, CreateCheckoutRequest{CheckoutType: "service", ServiceID: "nope", Origin: testOrigin}, http.StatusNotFound, ErrCodeNotFound},
		{"disallowed origin", true, CreateCheckoutRequest{PackageID: "p1", Origin: "https://evil.example"}, http.StatusBadRequest, ErrCodeValidation},
		{"missing origin", true, CreateCheckoutRequest{PackageID: "p1"}, http.StatusBadRequest, ErrCodeValidation},
		{"bad checkout type", true, map[string]string{"checkoutType": "gift", "packageId": "p1"}, http.StatusBadRequest, ErrCodeValidation},
		{"malformed body", true, "{not json", http.StatusBadRequest, ErrCodeValidation},
		{"empty body", true, nil, http.StatusBadRequest, ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			token := ""
			if tt.token {
				token = env.token(t, "u2")
			}
			rr := env.do(t, http.MethodPost, "/create-checkout", token, tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d: %s", tt.wantCode, rr.Code, rr.Body.String())
			}
			if code := decodeError(t, rr).Error.Code; code != tt.wantErr {
				t.Errorf("error code = %s, want %s", code, tt.wantErr)
			}
			if env.client.createdCount() != 0 {
				t.Error("no session should be created")
			}
		})
	}
}

func TestCreateCheckout_ProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.client.createErr = errors.New("stripe: connection reset")

	rr := env.do(t, http.MethodPost, "/create-checkout", env.token(t, "u2"),
		CreateCheckoutRequest{PackageID: "p1", Origin: testOrigin})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rr.Code)
	}
	resp := decodeError(t, rr)
	if resp.Error.Code != ErrCodeProviderError {
		t.Errorf("error code = %s", resp.Error.Code)
	}
	if strings.Contains(resp.Error.Message, "connection reset") {
		t.Error("provider error detail leaked to the client")
	}
}

func TestCreateCheckout_VerifySessionAction(t *testing.T) {
	env := newTestEnv(t, paidSession("cs_paid", packageMetadata("u2")))

	rr := env.do(t, http.MethodPost, "/create-checkout", env.token(t, "u2"),
		CreateCheckoutRequest{Action: ActionVerifySession, SessionID: "cs_paid"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var result credits.VerifyResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !result.Success || result.Transaction == nil || result.Transaction.Amount != 50 {
		t.Errorf("unexpected result %+v", result)
	}
	if got := env.balance(t, "u2"); got != 50 {
		t.Errorf("balance = %d, want 50", got)
	}
	if env.client.createdCount() != 0 {
		t.Error("verify action must not open a new session")
	}
}

func TestVerifySession_RecoveryThenWebhookIsIdempotent(t *testing.T) {
	md := packageMetadata("u2")
	env := newTestEnv(t, paidSession("cs_1", md))
	token := env.token(t, "u2")

	rr := env.do(t, http.MethodPost, "/checkout/verify", token, VerifySessionRequest{SessionID: "cs_1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// Second verify and the late webhook must both be no-ops.
	rr = env.do(t, http.MethodPost, "/checkout/verify", token, VerifySessionRequest{SessionID: "cs_1"})
	var result credits.VerifyResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !result.Success || result.Message != "transaction already recorded" {
		t.Errorf("unexpected second verify result %+v", result)
	}
	env.postEvent(t, checkoutEvent("evt_late", payment.EventCheckoutCompleted, "cs_1", payment.PaymentStatusPaid, md))

	if got := env.balance(t, "u2"); got != 50 {
		t.Errorf("balance = %d, want 50", got)
	}
	if n := len(env.entriesOfType(ledger.EntryPurchase)); n != 1 {
		t.Errorf("expected 1 purchase entry, got %d", n)
	}
}

func TestVerifySession_OwnershipMismatch(t *testing.T) {
	env := newTestEnv(t, paidSession("cs_1", packageMetadata("u2")))

	rr := env.do(t, http.MethodPost, "/checkout/verify", env.token(t, "u1"), VerifySessionRequest{SessionID: "cs_1"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
	if got := env.balance(t, "u1"); got != 10 {
		t.Errorf("caller balance changed to %d", got)
	}
	if got := env.balance(t, "u2"); got != 0 {
		t.Errorf("owner balance changed to %d", got)
	}

	logs, err := env.audit.QueryByEntity(context.Background(), audit.EntityCheckoutSession, "cs_1", 0)
	if err != nil {
		t.Fatalf("QueryByEntity failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Outcome != audit.OutcomeFailure || logs[0].ActorID != "u1" {
		t.Errorf("unexpected audit logs %+v", logs)
	}
}

func TestVerifySession_BodyUserMustBeCaller(t *testing.T) {
	env := newTestEnv(t, paidSession("cs_1", packageMetadata("u2")))

	rr := env.do(t, http.MethodPost, "/checkout/verify", env.token(t, "u1"),
		VerifySessionRequest{SessionID: "cs_1", UserID: "u2"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
	if len(env.store.Entries()) != 0 {
		t.Error("ledger written on a mismatched request")
	}
}

func TestVerifySession_Unpaid(t *testing.T) {
	sess := paidSession("cs_open", packageMetadata("u2"))
	sess.PaymentStatus = payment.PaymentStatusUnpaid
	env := newTestEnv(t, sess)

	rr := env.do(t, http.MethodPost, "/checkout/verify", env.token(t, "u2"), VerifySessionRequest{SessionID: "cs_open"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var result credits.VerifyResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.Success || result.PaymentStatus != payment.PaymentStatusUnpaid {
		t.Errorf("unexpected result %+v", result)
	}
	if len(env.store.Entries()) != 0 {
		t.Error("unpaid session wrote to the ledger")
	}
}

func TestVerifySession_Errors(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "u2")

	rr := env.do(t, http.MethodPost, "/checkout/verify", token, VerifySessionRequest{SessionID: "cs_missing"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/checkout/verify", token, map[string]string{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing sessionId: expected 400, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/checkout/verify", token, VerifySessionRequest{SessionID: "cs_1; DROP"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed sessionId: expected 400, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/checkout/verify", "", VerifySessionRequest{SessionID: "cs_1"})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", rr.Code)
	}
}

func TestGetSession(t *testing.T) {
	env := newTestEnv(t, paidSession("cs_1", packageMetadata("u2")))
	token := env.token(t, "u2")

	t.Run("not recorded without repair", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/checkout/sessions/cs_1", token, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var result credits.VerifyResult
		if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if result.Success {
			t.Error("expected success=false before the entry exists")
		}
		if got := env.balance(t, "u2"); got != 0 {
			t.Errorf("plain lookup changed the balance to %d", got)
		}
	})

	t.Run("invalid repair flag", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/checkout/sessions/cs_1?repair=maybe", token, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("repair applies the session", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/checkout/sessions/cs_1?repair=true", token, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if got := env.balance(t, "u2"); got != 50 {
			t.Errorf("balance = %d, want 50", got)
		}
	})

	t.Run("recorded entry is returned", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/checkout/sessions/cs_1", token, nil)
		var result credits.VerifyResult
		if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !result.Success || result.Transaction == nil || result.Transaction.ReferenceID != "cs_1" {
			t.Errorf("unexpected result %+v", result)
		}
	})

	t.Run("other users cannot read it", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/checkout/sessions/cs_1", env.token(t, "u1"), nil)
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rr.Code)
		}
	})
}
