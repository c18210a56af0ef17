package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/creditledger/internal/audit"
	"github.com/onnwee/creditledger/internal/auth"
	"github.com/onnwee/creditledger/internal/credits"
	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/payment"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testJWTSecret     = "test-jwt-secret-that-is-32-bytes!"
	testOrigin        = "https://app.example.com"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient is an in-memory payment.Client.
type fakeClient struct {
	mu        sync.Mutex
	sessions  map[string]*payment.CheckoutSession
	created   []*payment.CheckoutSessionParams
	createErr error
}

func (c *fakeClient) CreateCheckoutSession(_ context.Context, params *payment.CheckoutSessionParams) (*payment.CheckoutSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.created = append(c.created, params)
	id := fmt.Sprintf("cs_test_%d", len(c.created))
	return &payment.CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (c *fakeClient) GetCheckoutSession(_ context.Context, id string) (*payment.CheckoutSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, payment.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (c *fakeClient) createdCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.created)
}

// testEnv is the full HTTP surface over in-memory stores.
type testEnv struct {
	store   *ledger.InMemoryStore
	client  *fakeClient
	events  *payment.InMemoryWebhookRepository
	audit   *audit.InMemoryRepository
	jwt     *auth.JWTService
	handler http.Handler
}

func newTestEnv(t *testing.T, sessions ...*payment.CheckoutSession) *testEnv {
	t.Helper()
	logger := discardLogger()

	store := ledger.NewInMemoryStore()
	store.PutProfile(ledger.Profile{ID: "u1", Email: "u1@example.com", Credits: 10})
	store.PutProfile(ledger.Profile{ID: "u2", Email: "u2@example.com"})
	store.PutPackage(ledger.CreditPackage{ID: "p1", Name: "Starter", Credits: 50, Price: 2000, IsActive: true})
	store.PutPackage(ledger.CreditPackage{ID: "p2", Name: "Pro", Credits: 200, Price: 6000, IsActive: true})
	store.PutService(ledger.Service{ID: "svc-1", Name: "Reading", Description: "Tarot reading", Price: 3, IsActive: true})
	store.PutService(ledger.Service{ID: "svc-2", Name: "Consultation", Price: 25, IsActive: true})

	client := &fakeClient{sessions: make(map[string]*payment.CheckoutSession)}
	for _, s := range sessions {
		client.sessions[s.ID] = s
	}
	events := payment.NewInMemoryWebhookRepository()
	auditRepo := audit.NewInMemoryRepository()
	jwtService := auth.NewJWTService(testJWTSecret)

	processor := credits.NewProcessor(store, nil, logger)
	initiator := credits.NewInitiator(store, client, credits.InitiatorConfig{
		AllowedOrigins: []string{testOrigin},
	}, nil, logger)
	recovery := credits.NewRecovery(client, store, processor, nil, logger)

	handler := NewRouter(RouterConfig{
		Logger:         logger,
		TokenValidator: jwtService,
		Webhooks:       NewWebhookHandlers(testWebhookSecret, events, processor, nil, logger),
		Checkout:       NewCheckoutHandlers(initiator, recovery, auditRepo, logger),
		Credits: NewCreditHandlers(
			credits.NewAccounts(store),
			credits.NewSpender(store, logger),
			credits.NewGranter(store, logger),
			auditRepo,
			logger,
		),
		Health: NewHealthHandlers(HealthHandlersConfig{}),
	})

	return &testEnv{
		store:   store,
		client:  client,
		events:  events,
		audit:   auditRepo,
		jwt:     jwtService,
		handler: handler,
	}
}

func (e *testEnv) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	tok, err := e.jwt.GenerateAccessToken(userID, userID+"@example.com", roles...)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return tok
}

// do sends a request through the router. body may be nil, a string or a value to marshal.
func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) balance(t *testing.T, userID string) int64 {
	t.Helper()
	p, err := e.store.GetProfile(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetProfile(%s) failed: %v", userID, err)
	}
	return p.Credits
}

func (e *testEnv) entriesOfType(entryType ledger.EntryType) []ledger.Entry {
	var out []ledger.Entry
	for _, entry := range e.store.Entries() {
		if entry.Type == entryType {
			out = append(out, entry)
		}
	}
	return out
}

// generateStripeSignature generates a valid Stripe webhook signature for testing.
func generateStripeSignature(payload []byte, secret string, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

// checkoutEvent builds a Stripe event payload for a checkout session.
func checkoutEvent(eventID string, eventType payment.EventType, sessionID, paymentStatus string, metadata map[string]string) []byte {
	data, _ := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        string(eventType),
		"created":     time.Now().Unix(),
		"api_version": "2024-06-20",
		"data": map[string]any{
			"object": map[string]any{
				"id":             sessionID,
				"object":         "checkout.session",
				"status":         "complete",
				"payment_status": paymentStatus,
				"amount_total":   2000,
				"currency":       "usd",
				"metadata":       metadata,
			},
		},
	})
	return data
}

func packageMetadata(userID string) map[string]string {
	return ledger.PackagePurchase{UserID: userID, PackageID: "p1", Credits: 50}.Metadata()
}

func serviceMetadata(userID, serviceID string) map[string]string {
	return ledger.ServicePurchase{UserID: userID, ServiceID: serviceID}.Metadata()
}

func paidSession(id string, metadata map[string]string) *payment.CheckoutSession {
	return &payment.CheckoutSession{
		ID:            id,
		Status:        "complete",
		PaymentStatus: payment.PaymentStatusPaid,
		AmountTotal:   2000,
		Currency:      "usd",
		Metadata:      metadata,
	}
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response %q: %v", rr.Body.String(), err)
	}
	return resp
}
