package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/creditledger/internal/ledger"
)

// ServicePayment is the result of paying for a service with credits.
type ServicePayment struct {
	Entry     ledger.Entry            `json:"transaction"`
	Execution ledger.ServiceExecution `json:"execution"`
	Balance   int64                   `json:"credits"`
}

// Spender pays for catalog services out of a user's credit balance.
type Spender struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewSpender creates a Spender.
func NewSpender(store ledger.Store, logger *slog.Logger) *Spender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spender{store: store, logger: logger}
}

// PayService debits the service price from the user's balance and opens a
// pending execution. The debit, the service_payment entry and the execution are
// written together or not at all; a short balance returns ErrInsufficient with
// nothing written.
func (s *Spender) PayService(ctx context.Context, userID, serviceID string) (*ServicePayment, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if serviceID == "" {
		return nil, fmt.Errorf("%w: service id is required", ErrInvalidRequest)
	}

	svc, err := s.store.GetService(ctx, serviceID)
	if err != nil {
		if errors.Is(err, ledger.ErrServiceNotFound) {
			return nil, fmt.Errorf("%w: service %s", ErrNotFound, serviceID)
		}
		return nil, persistenceError("get service", err)
	}

	entry, exec, err := s.store.SpendCredits(ctx,
		ledger.Entry{
			UserID:      userID,
			Amount:      svc.Price,
			Type:        ledger.EntryServicePayment,
			Description: fmt.Sprintf("Payment for service %s", svc.Name),
		},
		ledger.ServiceExecution{
			ServiceID:   svc.ID,
			UserID:      userID,
			CreditsUsed: svc.Price,
			Status:      ledger.ExecutionPending,
		})
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits), errors.Is(err, ledger.ErrProfileNotFound):
		s.logger.InfoContext(ctx, "service payment declined",
			slog.String("user_id", userID),
			slog.String("service_id", svc.ID),
			slog.Int64("price", svc.Price))
		return nil, fmt.Errorf("%w: service %s costs %d credits", ErrInsufficient, svc.ID, svc.Price)
	case err != nil:
		return nil, persistenceError("spend credits", err)
	}

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, persistenceError("get profile", err)
	}

	s.logger.InfoContext(ctx, "service paid with credits",
		slog.String("user_id", userID),
		slog.String("service_id", svc.ID),
		slog.String("execution_id", exec.ID),
		slog.Int64("credits_used", svc.Price))
	return &ServicePayment{Entry: entry, Execution: exec, Balance: profile.Credits}, nil
}
