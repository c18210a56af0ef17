package credits

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/payment"
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
	getErr    error
}

func newFakeClient(sessions ...*payment.CheckoutSession) *fakeClient {
	c := &fakeClient{sessions: make(map[string]*payment.CheckoutSession)}
	for _, s := range sessions {
		c.sessions[s.ID] = s
	}
	return c
}

func (c *fakeClient) CreateCheckoutSession(_ context.Context, params *payment.CheckoutSessionParams) (*payment.CheckoutSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.created = append(c.created, params)
	return &payment.CheckoutSession{ID: "cs_test_new", URL: "https://checkout.stripe.com/c/pay/cs_test_new"}, nil
}

func (c *fakeClient) GetCheckoutSession(_ context.Context, id string) (*payment.CheckoutSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	s, ok := c.sessions[id]
	if !ok {
		return nil, payment.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

// newTestStore returns a store with u1 holding 10 credits, u2 holding 0, and a
// small catalog.
func newTestStore() *ledger.InMemoryStore {
	store := ledger.NewInMemoryStore()
	store.PutProfile(ledger.Profile{ID: "u1", Email: "u1@example.com", Credits: 10})
	store.PutProfile(ledger.Profile{ID: "u2", Email: "u2@example.com"})
	store.PutPackage(ledger.CreditPackage{ID: "p1", Name: "Starter", Credits: 50, Price: 2000, IsActive: true})
	store.PutPackage(ledger.CreditPackage{ID: "p2", Name: "Pro", Credits: 200, Price: 6000, IsActive: true})
	store.PutPackage(ledger.CreditPackage{ID: "p-old", Name: "Legacy", Credits: 5, Price: 100, IsActive: false})
	store.PutService(ledger.Service{ID: "svc-1", Name: "Reading", Description: "Tarot reading", Price: 3, IsActive: true})
	store.PutService(ledger.Service{ID: "svc-2", Name: "Consultation", Price: 25, IsActive: true})
	return store
}

func paidPackageSession(id, userID string, credits string) *payment.CheckoutSession {
	return &payment.CheckoutSession{
		ID:            id,
		Status:        "complete",
		PaymentStatus: payment.PaymentStatusPaid,
		AmountTotal:   2000,
		Currency:      "usd",
		Metadata: map[string]string{
			ledger.MetaUserID:    userID,
			ledger.MetaType:      string(ledger.KindCreditPackage),
			ledger.MetaCredits:   credits,
			ledger.MetaPackageID: "p1",
		},
	}
}

func serviceSession(id, userID, serviceID string) *payment.CheckoutSession {
	return &payment.CheckoutSession{
		ID:            id,
		Status:        "complete",
		PaymentStatus: payment.PaymentStatusPaid,
		AmountTotal:   1200,
		Currency:      "usd",
		Metadata: map[string]string{
			ledger.MetaUserID:    userID,
			ledger.MetaType:      string(ledger.KindDirectService),
			ledger.MetaServiceID: serviceID,
		},
	}
}

func eventFor(id string, t payment.EventType, sess *payment.CheckoutSession) payment.Event {
	return payment.Event{ID: id, Type: t, Session: sess}
}

func balanceOf(store *ledger.InMemoryStore, userID string) int64 {
	p, err := store.GetProfile(context.Background(), userID)
	if err != nil {
		return -1
	}
	return p.Credits
}

func entriesOfType(store *ledger.InMemoryStore, t ledger.EntryType) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range store.Entries() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var errStoreDown = errors.New("database unavailable")

// brokenStore fails every balance write.
type brokenStore struct{ *ledger.InMemoryStore }

func (brokenStore) ApplyCredit(context.Context, ledger.Entry) (ledger.Entry, bool, error) {
	return ledger.Entry{}, false, errStoreDown
}
