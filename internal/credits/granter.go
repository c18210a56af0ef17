package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/creditledger/internal/ledger"
)

// GrantRequest is an operator credit addition.
type GrantRequest struct {
	UserID string
	Amount int64
	// Reference makes the grant idempotent: a second grant with the same
	// reference is reported as a duplicate and writes nothing.
	Reference   string
	Description string
}

// Granter adds credits outside the payment flow (support refunds, promotions).
type Granter struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewGranter creates a Granter.
func NewGranter(store ledger.Store, logger *slog.Logger) *Granter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Granter{store: store, logger: logger}
}

// Grant appends an addition entry and increments the balance in one write.
func (g *Granter) Grant(ctx context.Context, req GrantRequest) (Result, error) {
	if req.UserID == "" {
		return Result{Outcome: OutcomeRejected}, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return Result{Outcome: OutcomeRejected}, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("Addition of %d credits", req.Amount)
	}

	entry, applied, err := g.store.ApplyCredit(ctx, ledger.Entry{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Type:        ledger.EntryAddition,
		ReferenceID: req.Reference,
		Description: desc,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrProfileNotFound) {
			return Result{Outcome: OutcomeRejected}, fmt.Errorf("%w: profile %s", ErrNotFound, req.UserID)
		}
		return Result{Outcome: OutcomeFailed}, persistenceError("apply addition", err)
	}

	g.logger.InfoContext(ctx, "credits granted",
		slog.String("user_id", req.UserID),
		slog.Int64("amount", req.Amount),
		slog.String("reference_id", req.Reference),
		slog.Bool("applied", applied))
	return Result{Outcome: appliedOutcome(applied), Entry: &entry}, nil
}
