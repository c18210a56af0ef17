package credits

import (
	"context"
	"fmt"

	"github.com/onnwee/creditledger/internal/ledger"
)

// Accounts serves the read side of a user's credit account and the catalog.
type Accounts struct {
	store ledger.Store
}

// NewAccounts creates an Accounts service.
func NewAccounts(store ledger.Store) *Accounts {
	return &Accounts{store: store}
}

// Balance returns the caller's balance, creating an empty profile on first access.
func (a *Accounts) Balance(ctx context.Context, userID, email string) (int64, error) {
	if userID == "" {
		return 0, ErrUnauthenticated
	}
	if err := a.store.EnsureProfile(ctx, ledger.Profile{ID: userID, Email: email}); err != nil {
		return 0, persistenceError("ensure profile", err)
	}
	profile, err := a.store.GetProfile(ctx, userID)
	if err != nil {
		return 0, persistenceError("get profile", err)
	}
	return profile.Credits, nil
}

// History returns the caller's newest ledger entries. The limit is clamped to
// [1, ledger.MaxHistoryLimit] with ledger.DefaultHistoryLimit for zero.
func (a *Accounts) History(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidRequest)
	}
	entries, err := a.store.ListEntries(ctx, userID, ledger.ClampLimit(limit))
	if err != nil {
		return nil, persistenceError("list entries", err)
	}
	return entries, nil
}

// Packages lists active credit packages, cheapest first.
func (a *Accounts) Packages(ctx context.Context) ([]ledger.CreditPackage, error) {
	pkgs, err := a.store.ListPackages(ctx)
	if err != nil {
		return nil, persistenceError("list packages", err)
	}
	return pkgs, nil
}

// Services lists active services, cheapest first.
func (a *Accounts) Services(ctx context.Context) ([]ledger.Service, error) {
	svcs, err := a.store.ListServices(ctx)
	if err != nil {
		return nil, persistenceError("list services", err)
	}
	return svcs, nil
}
